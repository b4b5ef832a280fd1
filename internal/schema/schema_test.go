// Copyright 2025 James Ross
package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfCheckPasses(t *testing.T) {
	require.NoError(t, SelfCheck())
}

func TestValidateRetryAcceptsWellFormedEnvelope(t *testing.T) {
	doc := []byte(`{
		"meta": {"topic": "change-prop.retry.simple_test_rule"},
		"triggered_by": "simple_test_rule:/sample/uri",
		"emitter_id": "worker-1",
		"retries_left": 1,
		"original_event": {"message": "test"}
	}`)
	assert.NoError(t, ValidateRetry(doc))
}

func TestValidateRetryRejectsMissingFields(t *testing.T) {
	doc := []byte(`{"meta": {"topic": "change-prop.retry.x"}}`)
	err := ValidateRetry(doc)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "retry", verr.Kind)
}

func TestValidateErrorAcceptsWellFormedEnvelope(t *testing.T) {
	doc := []byte(`{
		"meta": {"topic": "change-prop.error"},
		"rule_name": "simple_test_rule",
		"reason": "retry exhausted",
		"original_event": {"message": "test"}
	}`)
	assert.NoError(t, ValidateError(doc))
}

func TestValidateErrorRejectsWrongTopic(t *testing.T) {
	doc := []byte(`{
		"meta": {"topic": "wrong.topic"},
		"rule_name": "simple_test_rule",
		"reason": "retry exhausted",
		"original_event": {}
	}`)
	assert.Error(t, ValidateError(doc))
}

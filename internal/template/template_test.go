// Copyright 2025 James Ross
package template

import (
	"testing"

	"github.com/changeprop/engine/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTemplateDefaults(t *testing.T) {
	tpl, err := Compile(Spec{URI: "http://mock.com/"})
	require.NoError(t, err)

	req, err := tpl.Render(event.Event{}, event.Bindings{})
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "http://mock.com/", req.URI)
	assert.Empty(t, req.Headers)
	assert.False(t, req.FollowRedirect)
}

func TestHTTPTemplateRendersBindings(t *testing.T) {
	tpl, err := Compile(Spec{
		Method: "POST",
		URI:    "http://mock.com/orders/{{ .bindings.order_id }}",
		Body:   `{"test_field_name": "test_field_value", "derived_field": "{{ .message }}"}`,
	})
	require.NoError(t, err)

	ev := event.Event{"message": "test"}
	bindings := event.Bindings{"order_id": "4821"}
	req, err := tpl.Render(ev, bindings)
	require.NoError(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "http://mock.com/orders/4821", req.URI)
	assert.Contains(t, string(req.Body), `"test_field_value"`)
	assert.Contains(t, string(req.Body), `"test"`)
}

func TestTopicTemplateDefaultsKeyToRequestID(t *testing.T) {
	tpl, err := CompileTopic(TopicSpec{Topic: "test_dc.simple_test_rule"})
	require.NoError(t, err)

	ev := event.Event{"meta": map[string]any{"request_id": "req-1"}}
	req, err := tpl.RenderTopic(ev, event.Bindings{})
	require.NoError(t, err)
	assert.Equal(t, "test_dc.simple_test_rule", req.Topic)
	assert.Equal(t, "req-1", req.Key)
	assert.Contains(t, string(req.Body), "req-1")
}

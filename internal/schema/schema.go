// Copyright 2025 James Ross
// Package schema validates retry and error envelopes against the
// published JSON schemas before they are produced onto the bus
// (spec.md §6 "Retry/error messages"), grounded on the gojsonschema
// usage in internal/json-payload-studio.
package schema

import (
	_ "embed"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed retry.schema.json
var retrySchemaJSON []byte

//go:embed error.schema.json
var errorSchemaJSON []byte

var (
	retryLoader = gojsonschema.NewBytesLoader(retrySchemaJSON)
	errorLoader = gojsonschema.NewBytesLoader(errorSchemaJSON)
)

// ValidationError reports every schema violation found for one document.
type ValidationError struct {
	Kind   string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema: %s envelope failed validation: %v", e.Kind, e.Issues)
}

// ValidateRetry checks a retry envelope's JSON encoding against the
// retry schema.
func ValidateRetry(doc []byte) error {
	return validate("retry", retryLoader, doc)
}

// ValidateError checks an error envelope's JSON encoding against the
// error schema.
func ValidateError(doc []byte) error {
	return validate("error", errorLoader, doc)
}

func validate(kind string, schemaLoader gojsonschema.JSONLoader, doc []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema: %s validate: %w", kind, err)
	}
	if result.Valid() {
		return nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		issues = append(issues, e.String())
	}
	return &ValidationError{Kind: kind, Issues: issues}
}

// SelfCheck validates the two embedded schema documents parse as valid
// JSON Schema. cmd/change-prop calls it once at start-up; a failure here is an
// InvalidRule-class programmer error, never a runtime condition against
// a well-formed envelope (SPEC_FULL.md §3).
func SelfCheck() error {
	if _, err := gojsonschema.Validate(retryLoader, gojsonschema.NewBytesLoader([]byte(`{}`))); err != nil {
		return fmt.Errorf("schema: retry schema self-check: %w", err)
	}
	if _, err := gojsonschema.Validate(errorLoader, gojsonschema.NewBytesLoader([]byte(`{}`))); err != nil {
		return fmt.Errorf("schema: error schema self-check: %w", err)
	}
	return nil
}

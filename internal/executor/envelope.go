// Copyright 2025 James Ross
package executor

import "encoding/json"

// RetryEnvelope is produced onto a rule's retry topic (spec.md §3, §4.7).
type RetryEnvelope struct {
	Meta          EnvelopeMeta   `json:"meta"`
	TriggeredBy   string         `json:"triggered_by"`
	EmitterID     string         `json:"emitter_id"`
	RetriesLeft   int            `json:"retries_left"`
	OriginalEvent map[string]any `json:"original_event"`
}

// ErrorEnvelope is produced onto change-prop.error at most once per
// event per terminal failure (spec.md §3, §7).
type ErrorEnvelope struct {
	Meta          EnvelopeMeta   `json:"meta"`
	RuleName      string         `json:"rule_name"`
	TriggeredBy   string         `json:"triggered_by"`
	Reason        string         `json:"reason"`
	StatusCode    int            `json:"status_code,omitempty"`
	OriginalEvent map[string]any `json:"original_event"`
}

// EnvelopeMeta carries the topic the envelope is bound for.
type EnvelopeMeta struct {
	Topic string `json:"topic"`
}

func (e RetryEnvelope) Marshal() ([]byte, error) { return json.Marshal(e) }
func (e ErrorEnvelope) Marshal() ([]byte, error) { return json.Marshal(e) }

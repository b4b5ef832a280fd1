// Copyright 2025 James Ross
// Package event holds the schemaless event representation the matcher,
// retry-condition compiler and template renderer all operate over.
package event

import (
	"encoding/json"
	"fmt"
)

// Event is a decoded bus record. Go's encoding/json already produces the
// tagged-variant tree (nil, bool, float64, string, []any, map[string]any)
// the matcher needs, so Event is kept as that native shape rather than a
// hand-rolled enum.
type Event map[string]any

// Meta carries the required meta sub-record fields (spec.md §3).
// TriggeredBy is not part of spec.md's required shape but is the wire
// carrier for the triggered_by chain across produce_to_topic hops
// (SPEC_FULL.md §4.7): a fresh event from an external producer has it
// empty; an event produced by a rule's produce_to_topic step carries
// the chain accumulated up to that hop.
type Meta struct {
	URI         string
	RequestID   string
	Topic       string
	Domain      string
	TriggeredBy string
}

// Decode parses a raw bus payload into an Event. A non-object top-level
// JSON value is rejected the same way malformed JSON is: both are
// DecodeFailure conditions the consumer worker logs and skips.
func Decode(raw []byte) (Event, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("event: decode: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("event: decode: top-level payload is not an object")
	}
	return Event(m), nil
}

// Meta extracts the event's meta sub-record. Missing fields decode as
// empty strings; the matcher, not this accessor, is responsible for
// treating absence as a mismatch.
func (e Event) Meta() Meta {
	meta, _ := e["meta"].(map[string]any)
	get := func(k string) string {
		s, _ := meta[k].(string)
		return s
	}
	return Meta{
		URI:         get("uri"),
		RequestID:   get("request_id"),
		Topic:       get("topic"),
		Domain:      get("domain"),
		TriggeredBy: get("triggered_by"),
	}
}

// Get performs a top-level field lookup, returning ok=false if the field
// is absent. It never panics on unexpected shapes.
func (e Event) Get(key string) (any, bool) {
	v, ok := map[string]any(e)[key]
	return v, ok
}

// WithTriggeredBy returns a shallow copy of e with meta.triggered_by set
// to chain, used when republishing an event via produce_to_topic so the
// downstream consumer inherits the accumulated chain (SPEC_FULL.md
// §4.7, spec.md §8 scenario 6).
func (e Event) WithTriggeredBy(chain string) Event {
	out := make(Event, len(e))
	for k, v := range e {
		out[k] = v
	}
	meta, _ := e["meta"].(map[string]any)
	newMeta := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		newMeta[k] = v
	}
	newMeta["triggered_by"] = chain
	out["meta"] = newMeta
	return out
}

// Bindings is the tree the matcher produces alongside its predicate: a
// partial copy of the event carrying literal constants and regex
// captures, safe to reference from a template. Its shape mirrors the
// match tree, not the full event.
type Bindings map[string]any

// Merge overlays bindings onto a copy of the event for template
// expansion. Binding keys live under "bindings" so they never collide
// with event field names, so templates select explicitly between the two.
func (e Event) Merge(b Bindings) map[string]any {
	out := make(map[string]any, len(e)+1)
	for k, v := range e {
		out[k] = v
	}
	out["bindings"] = map[string]any(b)
	return out
}

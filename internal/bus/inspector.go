// Copyright 2025 James Ross
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// ErrorTopicInspector is a read-only view over the shared error topic's
// JetStream stream, satisfying internal/adminapi's ErrorReader and
// internal/housekeeping's ErrorDepthProbe without either package
// depending on nats.go directly.
type ErrorTopicInspector struct {
	js    nats.JetStreamContext
	topic string
}

// NewErrorTopicInspector binds an inspector to topic's backing stream.
// The stream must already exist when its methods are called; nothing in
// this package creates streams.
func NewErrorTopicInspector(js nats.JetStreamContext, topic string) *ErrorTopicInspector {
	return &ErrorTopicInspector{js: js, topic: topic}
}

// ErrorTopicDepth reports the error stream's retained message count
// (SPEC_FULL.md §4.10 housekeeping sweep).
func (e *ErrorTopicInspector) ErrorTopicDepth(ctx context.Context) (int64, error) {
	info, err := e.js.StreamInfo(streamNameFor(e.topic))
	if err != nil {
		return 0, fmt.Errorf("bus: stream info %s: %w", e.topic, err)
	}
	return int64(info.State.Msgs), nil
}

// TailErrors returns up to limit of the most recent error envelopes, in
// oldest-out to newest-in order, by ephemeral pull consumer (no durable
// bookkeeping, since this is introspection only and must not interfere
// with the real error-consuming workload (SPEC_FULL.md §4.9)).
func (e *ErrorTopicInspector) TailErrors(ctx context.Context, limit int) ([]json.RawMessage, error) {
	info, err := e.js.StreamInfo(streamNameFor(e.topic))
	if err != nil {
		return nil, fmt.Errorf("bus: stream info %s: %w", e.topic, err)
	}
	if info.State.Msgs == 0 {
		return []json.RawMessage{}, nil
	}

	startSeq := info.State.FirstSeq
	if total := int64(info.State.Msgs); total > int64(limit) {
		startSeq = info.State.LastSeq - uint64(limit) + 1
	}

	sub, err := e.js.PullSubscribe(e.topic, "", nats.StartSequence(startSeq), nats.BindStream(streamNameFor(e.topic)))
	if err != nil {
		return nil, fmt.Errorf("bus: ephemeral tail subscribe %s: %w", e.topic, err)
	}
	defer sub.Unsubscribe()

	msgs, err := sub.Fetch(limit, nats.Context(ctx))
	if err != nil && err != nats.ErrTimeout {
		return nil, fmt.Errorf("bus: tail fetch %s: %w", e.topic, err)
	}

	out := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, json.RawMessage(m.Data))
		_ = m.Ack()
	}
	return out, nil
}

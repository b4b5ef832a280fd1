// Copyright 2025 James Ross
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Handler processes one decoded record and returns when it has reached
// a terminal outcome; the worker commits (acks) only after Handler
// returns (spec.md §4.6).
type Handler func(ctx context.Context, payload []byte) error

// ConsumerWorker is one worker per (topic, consumer-group): a durable
// JetStream pull consumer with manual ack, fetching and dispatching
// sequentially to preserve per-partition order (spec.md §4.6).
type ConsumerWorker struct {
	js     nats.JetStreamContext
	topic  string
	group  string
	logger *zap.Logger
	sub    *nats.Subscription
}

// NewConsumerWorker binds a durable pull consumer to subject, creating
// it with DeliverNew if it does not already exist, the
// auto.offset.reset=largest equivalent for a fresh subscription, so new
// rules do not drain history (spec.md §4.6, §6).
func NewConsumerWorker(js nats.JetStreamContext, subject, group string, logger *zap.Logger) (*ConsumerWorker, error) {
	_, err := js.ConsumerInfo(streamNameFor(subject), group)
	if err != nil {
		_, err = js.AddConsumer(streamNameFor(subject), &nats.ConsumerConfig{
			Durable:       group,
			FilterSubject: subject,
			AckPolicy:     nats.AckExplicitPolicy,
			DeliverPolicy: nats.DeliverNewPolicy,
			MaxAckPending: 1,
		})
		if err != nil {
			return nil, fmt.Errorf("bus: ensure consumer %s/%s: %w", subject, group, err)
		}
	}

	sub, err := js.PullSubscribe(subject, group, nats.Bind(streamNameFor(subject), group))
	if err != nil {
		return nil, fmt.Errorf("bus: pull subscribe %s/%s: %w", subject, group, err)
	}

	return &ConsumerWorker{js: js, topic: subject, group: group, logger: logger, sub: sub}, nil
}

// streamNameFor derives the JetStream stream name backing subject. One
// stream per topic family keeps stream administration aligned with the
// topic naming scheme (spec.md §6).
func streamNameFor(subject string) string {
	return "CHANGEPROP_" + sanitizeStreamName(subject)
}

func sanitizeStreamName(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out[i] = c
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}

// Run fetches and dispatches records one at a time until ctx is
// cancelled. On decode failure the caller's Handler is expected to log
// and return nil so the offset still commits (spec.md §7 DecodeFailure);
// any other error leaves the message unacked for redelivery.
func (w *ConsumerWorker) Run(ctx context.Context, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := w.sub.Fetch(1, nats.MaxWait(2*time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("bus fetch failed", zap.String("topic", w.topic), zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			if err := handle(ctx, msg.Data); err != nil {
				w.logger.Error("handler returned error, leaving unacked",
					zap.String("topic", w.topic), zap.Error(err))
				continue
			}
			if err := msg.Ack(); err != nil {
				w.logger.Warn("ack failed", zap.String("topic", w.topic), zap.Error(err))
			}
		}
	}
}

// Stop unsubscribes the worker's pull consumer.
func (w *ConsumerWorker) Stop() error {
	return w.sub.Unsubscribe()
}

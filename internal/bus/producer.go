// Copyright 2025 James Ross
// Package bus wraps NATS JetStream as the partitioned ordered log the
// executor produces onto and consumes from: subjects are partitions,
// durable pull consumers are consumer groups, and explicit ack plays
// the role of manual offset commit (SPEC_FULL.md §1).
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DeliveryReport is the resolved outcome of one Produce call.
type DeliveryReport struct {
	Topic string
	Key   string
	Seq   uint64
	Err   error
}

// pollInterval is the tick spec.md §4.5 specifies for draining delivery
// reports.
const pollInterval = 500 * time.Millisecond

// GuaranteedProducer resolves its produce-future only after a delivery
// report from the bus (spec.md §4.5, glossary). Every successful
// Produce call is eventually resolved exactly once; the pending map is
// empty when idle.
type GuaranteedProducer struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]pendingEntry

	ticker   *time.Ticker
	done     chan struct{}
	wg       sync.WaitGroup
	shutdown bool
}

type pendingEntry struct {
	topic   string
	key     string
	future  nats.PubAckFuture
	resultC chan DeliveryReport
}

// NewGuaranteedProducer connects to NATS and establishes a JetStream
// context used for every subsequent Produce call.
func NewGuaranteedProducer(natsURL string, logger *zap.Logger) (*GuaranteedProducer, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream context: %w", err)
	}

	p := &GuaranteedProducer{
		nc:      nc,
		js:      js,
		logger:  logger,
		pending: make(map[string]pendingEntry),
		ticker:  time.NewTicker(pollInterval),
		done:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.pollLoop()
	return p, nil
}

// Produce publishes msg on topic under key and returns a channel that
// receives exactly one DeliveryReport once the bus acknowledges (or
// fails) delivery. A duplicate in-flight key is rejected immediately;
// callers must serialize by key.
func (p *GuaranteedProducer) Produce(topic, key string, msg []byte) (<-chan DeliveryReport, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrShutdown
	}
	mapKey := topic + ":" + key
	if _, exists := p.pending[mapKey]; exists {
		p.mu.Unlock()
		return nil, ErrDuplicateKey
	}

	future, err := p.js.PublishAsync(topic, msg)
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("bus: publish: %w", err)
	}

	resultC := make(chan DeliveryReport, 1)
	p.pending[mapKey] = pendingEntry{topic: topic, key: key, future: future, resultC: resultC}
	p.mu.Unlock()

	return resultC, nil
}

// pollLoop checks every pending future's Ok/Err channels on a fixed
// tick, resolving completed ones into delivery reports (spec.md §4.5).
func (p *GuaranteedProducer) pollLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			p.drain()
			return
		case <-p.ticker.C:
			p.drain()
		}
	}
}

func (p *GuaranteedProducer) drain() {
	p.mu.Lock()
	var resolved []string
	for mapKey, entry := range p.pending {
		select {
		case ack := <-entry.future.Ok():
			entry.resultC <- DeliveryReport{Topic: entry.topic, Key: entry.key, Seq: ack.Sequence}
			close(entry.resultC)
			resolved = append(resolved, mapKey)
		case err := <-entry.future.Err():
			entry.resultC <- DeliveryReport{Topic: entry.topic, Key: entry.key, Err: err}
			close(entry.resultC)
			resolved = append(resolved, mapKey)
		default:
		}
	}
	for _, mapKey := range resolved {
		delete(p.pending, mapKey)
	}
	p.mu.Unlock()
}

// Shutdown stops the poll ticker, flushes the underlying producer and
// waits for in-flight futures up to ctx's deadline, then closes the
// connection.
func (p *GuaranteedProducer) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()

	p.ticker.Stop()
	close(p.done)
	p.wg.Wait()

	if err := p.nc.FlushWithContext(ctx); err != nil {
		p.logger.Warn("bus producer flush failed", zap.Error(err))
	}

	select {
	case <-p.js.PublishAsyncComplete():
	case <-ctx.Done():
	}
	p.drain()

	p.nc.Close()
	return nil
}

// PendingCount reports the number of in-flight produce calls, mainly
// for tests verifying the pending map returns to empty when idle.
func (p *GuaranteedProducer) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Copyright 2025 James Ross
// Package executor drives the per-event state machine (spec.md §4.7):
// rule evaluation, HTTP dispatch, result classification, retry
// scheduling with geometric backoff, triggered_by chain propagation and
// loop detection.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/changeprop/engine/internal/breaker"
	"github.com/changeprop/engine/internal/bus"
	"github.com/changeprop/engine/internal/event"
	"github.com/changeprop/engine/internal/obs"
	"github.com/changeprop/engine/internal/retrycond"
	"github.com/changeprop/engine/internal/rule"
	"github.com/changeprop/engine/internal/schema"
	"github.com/changeprop/engine/internal/template"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxChainLen bounds the triggered_by chain independent of the
// membership check, since produce_to_topic fan-out is a DAG at best
// (spec.md §9 "Loop prevention").
const maxChainLen = 16

// breaker tuning: a 30s sliding window, 10s cooldown, trips at 50%
// failure rate once at least 5 samples are seen.
const (
	breakerWindow        = 30 * time.Second
	breakerCooldown      = 10 * time.Second
	breakerFailThreshold = 0.5
	breakerMinSamples    = 5
)

// Doer is satisfied by *http.Client; narrowed for test substitution.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Producer is the subset of bus.GuaranteedProducer the executor needs.
type Producer interface {
	Produce(topic, key string, msg []byte) (<-chan bus.DeliveryReport, error)
}

// Executor evaluates every rule bound to an event's topic and drives
// each match to a terminal outcome.
type Executor struct {
	registry  *rule.Registry
	http      Doer
	producer  Producer
	logger    *zap.Logger
	emitterID string
	userAgent string

	mu       sync.Mutex
	breakers map[string]*breaker.CircuitBreaker
	limiters map[string]*rate.Limiter
}

// New constructs an Executor bound to reg, dispatching HTTP requests
// via doer and topic-producing exec steps via producer.
func New(reg *rule.Registry, doer Doer, producer Producer, logger *zap.Logger, emitterID string) *Executor {
	if doer == nil {
		doer = &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Executor{
		registry:  reg,
		http:      doer,
		producer:  producer,
		logger:    logger,
		emitterID: emitterID,
		userAgent: "change-prop/1.0",
		breakers:  make(map[string]*breaker.CircuitBreaker),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// SetRateLimit configures a requests/sec cap for ruleName's HTTP
// dispatch (SPEC_FULL.md §4.8). Zero means unlimited.
func (ex *Executor) SetRateLimit(ruleName string, perSecond float64) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if perSecond > 0 {
		ex.limiters[ruleName] = rate.NewLimiter(rate.Limit(perSecond), 1)
	} else {
		delete(ex.limiters, ruleName)
	}
}

func (ex *Executor) breakerFor(ruleName string) *breaker.CircuitBreaker {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	b, ok := ex.breakers[ruleName]
	if !ok {
		b = breaker.New(breakerWindow, breakerCooldown, breakerFailThreshold, breakerMinSamples)
		ex.breakers[ruleName] = b
	}
	return b
}

func (ex *Executor) limiterFor(ruleName string) *rate.Limiter {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.limiters[ruleName]
}

// HandleTopicEvent decodes raw as an Event and evaluates every rule
// bound to topic (spec.md §4.7 steps 1-3). A decode failure is logged
// and swallowed (DecodeFailure, spec.md §7) so the caller still commits.
func (ex *Executor) HandleTopicEvent(ctx context.Context, topic string, raw []byte) error {
	obs.EventsConsumed.WithLabelValues(topic).Inc()

	ev, err := event.Decode(raw)
	if err != nil {
		ex.logger.Warn("decode failure, committing without dispatch",
			zap.String("topic", topic), zap.Error(err))
		return nil
	}

	rules := ex.registry.RulesFor(topic)
	if len(rules) == 0 {
		return nil
	}

	parentChain := splitChain(ev.Meta().TriggeredBy)

	var wg sync.WaitGroup
	for _, r := range rules {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			ex.dispatchRule(ctx, r, ev, parentChain, r.RetryLimit)
		}()
	}
	wg.Wait()
	return nil
}

// HandleRetryEnvelope decodes raw as a RetryEnvelope bound for
// ruleName's retry topic and re-enters that single rule with the
// envelope's RetriesLeft as the budget. The retried dispatch rebuilds
// its triggered_by chain from the original event's meta.triggered_by,
// exactly as a fresh event does; the envelope's own TriggeredBy field is
// not read, so the retry hop adds no token of its own to the chain.
func (ex *Executor) HandleRetryEnvelope(ctx context.Context, ruleName string, raw []byte) error {
	var env RetryEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		ex.logger.Warn("retry envelope decode failure, committing without dispatch",
			zap.String("rule", ruleName), zap.Error(err))
		return nil
	}

	r, ok := ex.registry.ByName(ruleName)
	if !ok {
		ex.logger.Error("retry envelope for unknown rule, committing", zap.String("rule", ruleName))
		return nil
	}

	ev := event.Event(env.OriginalEvent)
	parentChain := splitChain(ev.Meta().TriggeredBy)
	ex.dispatchRule(ctx, r, ev, parentChain, env.RetriesLeft)
	return nil
}

// dispatchRule evaluates one rule against ev and drives its matched
// option to a terminal outcome. retriesLeft is the budget entering this
// attempt: rule.RetryLimit on a fresh event, or the retry envelope's
// RetriesLeft on a retry re-entry.
func (ex *Executor) dispatchRule(ctx context.Context, r *rule.Rule, ev event.Event, parentChain []string, retriesLeft int) {
	idx := r.Test(ev)
	if idx == -1 {
		return // NoMatch: silent skip
	}
	if r.IsNoOp(idx) {
		return // no exec steps: consumed, no HTTP, implicit success
	}

	obs.RulesMatched.WithLabelValues(r.Name).Inc()

	token := r.Name + ":" + ev.Meta().URI
	if chainContains(parentChain, token) {
		ex.logger.Warn("loop detected, skipping dispatch",
			zap.String("rule", r.Name), zap.String("chain", joinChain(parentChain)))
		obs.LoopsDetected.WithLabelValues(r.Name).Inc()
		return
	}
	if len(parentChain) >= maxChainLen {
		ex.logger.Warn("triggered_by chain exceeds maximum length, skipping dispatch",
			zap.String("rule", r.Name), zap.Int("len", len(parentChain)))
		obs.LoopsDetected.WithLabelValues(r.Name).Inc()
		return
	}
	fullChain := appendChain(parentChain, token)

	bindings := r.Expand(idx, ev)
	steps := r.GetExec(idx)

	for _, step := range steps {
		if ctx.Err() != nil {
			return
		}
		if step.IsTopic() {
			if !ex.dispatchTopicStep(ctx, r, step, ev, bindings, fullChain) {
				return
			}
			continue
		}
		outcome := ex.dispatchHTTPStep(ctx, r, step, ev, bindings, fullChain, retriesLeft)
		switch outcome {
		case outcomeSuccess, outcomeIgnore, outcomeUnhandled:
			continue
		case outcomeRetry:
			ex.scheduleRetry(ctx, r, ev, fullChain, retriesLeft)
			return
		case outcomeFatal:
			ex.emitError(ctx, r, ev, fullChain, "exec step returned a fatal result", 0)
			return
		}
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeIgnore
	outcomeRetry
	outcomeFatal
	outcomeUnhandled
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeIgnore:
		return "ignore"
	case outcomeRetry:
		return "retry"
	case outcomeUnhandled:
		return "unhandled"
	default:
		return "fatal"
	}
}

// dispatchHTTPStep renders, rate-limits, breaker-guards and executes one
// HTTP exec step, then classifies the result (spec.md §4.7 classification
// table).
func (ex *Executor) dispatchHTTPStep(ctx context.Context, r *rule.Rule, step rule.ExecStep, ev event.Event, bindings event.Bindings, chain []string, retriesLeft int) outcome {
	start := time.Now()
	defer func() { obs.DispatchDuration.WithLabelValues(r.Name).Observe(time.Since(start).Seconds()) }()

	req, err := step.HTTP.Render(ev, bindings)
	if err != nil {
		ex.logger.Error("template render failed", zap.String("rule", r.Name), zap.Error(err))
		obs.DispatchOutcomes.WithLabelValues(r.Name, outcomeFatal.String()).Inc()
		return outcomeFatal
	}

	if lim := ex.limiterFor(r.Name); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return outcomeFatal
		}
	}

	b := ex.breakerFor(r.Name)
	if !b.Allow() {
		obs.DispatchOutcomes.WithLabelValues(r.Name, outcomeRetry.String()).Inc()
		return outcomeRetry
	}

	result := ex.doRequest(ctx, req, ev, chain, r.DecodeResults || req.DecodeResults)
	wasOpen := b.State() == breaker.Open
	b.Record(result.Err == nil && result.StatusCode >= 200 && result.StatusCode < 300)
	if !wasOpen && b.State() == breaker.Open {
		obs.CircuitBreakerTrips.WithLabelValues(r.Name).Inc()
	}

	out := classify(result, r, retriesLeft)
	obs.DispatchOutcomes.WithLabelValues(r.Name, out.String()).Inc()
	return out
}

// classify implements spec.md §4.7's result classification table, with
// one resolved ambiguity: the table's catch-all "Fatal | else" row reads
// literally as covering every non-2xx result, but spec.md §8 scenario 4
// (a bare 404, matching neither retry_on nor ignore) observes no error
// envelope at all. Fatal is therefore reserved for a transport-level
// error and for retry exhaustion (RetryOn true, retriesLeft == 0); an
// HTTP response that simply isn't classified by either stanza is a
// terminal no-op, same as scenario 4.
func classify(result retrycond.Result, r *rule.Rule, retriesLeft int) outcome {
	if result.Err == nil && result.StatusCode >= 200 && result.StatusCode < 300 {
		return outcomeSuccess
	}
	if r.Ignore(result) {
		return outcomeIgnore
	}
	if r.RetryOn(result) {
		if retriesLeft > 0 {
			return outcomeRetry
		}
		return outcomeFatal
	}
	if result.Err != nil {
		return outcomeFatal
	}
	return outcomeUnhandled
}

func (ex *Executor) doRequest(ctx context.Context, req template.Request, ev event.Event, chain []string, decodeResults bool) retrycond.Result {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URI, bytes.NewReader(req.Body))
	if err != nil {
		return retrycond.Result{Err: fmt.Errorf("executor: build request: %w", err)}
	}
	httpReq.Header.Set("x-request-id", ev.Meta().RequestID)
	httpReq.Header.Set("x-triggered-by", joinChain(chain))
	httpReq.Header.Set("user-agent", ex.userAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := ex.http.Do(httpReq)
	if err != nil {
		return retrycond.Result{Err: err}
	}
	defer resp.Body.Close()

	result := retrycond.Result{StatusCode: resp.StatusCode}
	if decodeResults {
		body, err := io.ReadAll(resp.Body)
		if err == nil && len(body) > 0 {
			var decoded any
			if json.Unmarshal(body, &decoded) == nil {
				result.Body = decoded
			}
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return result
}

func (ex *Executor) dispatchTopicStep(ctx context.Context, r *rule.Rule, step rule.ExecStep, ev event.Event, bindings event.Bindings, chain []string) bool {
	republished := ev.WithTriggeredBy(joinChain(chain))
	req, err := step.Topic.RenderTopic(republished, bindings)
	if err != nil {
		ex.logger.Error("topic template render failed", zap.String("rule", r.Name), zap.Error(err))
		ex.emitError(ctx, r, ev, chain, fmt.Sprintf("topic template render failed: %v", err), 0)
		return false
	}

	resultC, err := ex.producer.Produce(req.Topic, req.Key, req.Body)
	if err != nil {
		ex.logger.Error("produce_to_topic failed", zap.String("rule", r.Name), zap.String("topic", req.Topic), zap.Error(err))
		ex.emitError(ctx, r, ev, chain, fmt.Sprintf("produce failed: %v", err), 0)
		return false
	}

	select {
	case report := <-resultC:
		if report.Err != nil {
			ex.logger.Error("produce_to_topic delivery failed", zap.String("rule", r.Name), zap.Error(report.Err))
			ex.emitError(ctx, r, ev, chain, fmt.Sprintf("delivery failed: %v", report.Err), 0)
			return false
		}
		return true
	case <-ctx.Done():
		return false
	}
}

// scheduleRetry constructs and produces a retry envelope, waiting the
// geometric-backoff delay before producing (spec.md §4.7, §5 suspension
// point (d)).
func (ex *Executor) scheduleRetry(ctx context.Context, r *rule.Rule, ev event.Event, chain []string, retriesLeft int) {
	k := r.RetryLimit - retriesLeft
	delay := time.Duration(float64(r.RetryDelayMS) * math.Pow(r.RetryFactor, float64(k))) * time.Millisecond

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	env := RetryEnvelope{
		Meta:          EnvelopeMeta{Topic: r.RetryTopic()},
		TriggeredBy:   joinChain(chain),
		EmitterID:     ex.emitterID,
		RetriesLeft:   retriesLeft - 1,
		OriginalEvent: map[string]any(ev),
	}
	payload, err := env.Marshal()
	if err != nil {
		ex.logger.Error("retry envelope marshal failed", zap.String("rule", r.Name), zap.Error(err))
		return
	}
	if err := schema.ValidateRetry(payload); err != nil {
		ex.logger.Error("retry envelope failed schema validation", zap.String("rule", r.Name), zap.Error(err))
		return
	}

	key := ev.Meta().RequestID
	resultC, err := ex.producer.Produce(r.RetryTopic(), key, payload)
	if err != nil {
		ex.logger.Error("produce retry envelope failed", zap.String("rule", r.Name), zap.Error(err))
		return
	}
	obs.RetriesScheduled.WithLabelValues(r.Name).Inc()

	select {
	case report := <-resultC:
		if report.Err != nil {
			ex.logger.Error("retry envelope delivery failed", zap.String("rule", r.Name), zap.Error(report.Err))
		}
	case <-ctx.Done():
	}
}

// emitError constructs and produces an error envelope (spec.md §3, §7).
func (ex *Executor) emitError(ctx context.Context, r *rule.Rule, ev event.Event, chain []string, reason string, statusCode int) {
	env := ErrorEnvelope{
		Meta:          EnvelopeMeta{Topic: rule.ErrorTopic},
		RuleName:      r.Name,
		TriggeredBy:   joinChain(chain),
		Reason:        reason,
		StatusCode:    statusCode,
		OriginalEvent: map[string]any(ev),
	}
	payload, err := env.Marshal()
	if err != nil {
		ex.logger.Error("error envelope marshal failed", zap.String("rule", r.Name), zap.Error(err))
		return
	}
	if err := schema.ValidateError(payload); err != nil {
		ex.logger.Error("error envelope failed schema validation", zap.String("rule", r.Name), zap.Error(err))
		return
	}

	key := ev.Meta().RequestID
	if key == "" {
		key = r.Name
	}
	resultC, err := ex.producer.Produce(rule.ErrorTopic, key, payload)
	if err != nil {
		ex.logger.Error("produce error envelope failed", zap.String("rule", r.Name), zap.Error(err))
		return
	}
	obs.ErrorsEmitted.WithLabelValues(r.Name).Inc()

	select {
	case report := <-resultC:
		if report.Err != nil {
			ex.logger.Error("error envelope delivery failed", zap.String("rule", r.Name), zap.Error(report.Err))
		}
	case <-ctx.Done():
	}
}

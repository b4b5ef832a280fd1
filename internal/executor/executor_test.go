// Copyright 2025 James Ross
package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/changeprop/engine/internal/bus"
	"github.com/changeprop/engine/internal/rule"
	"go.uber.org/zap"
)

// fakeProducer stands in for bus.GuaranteedProducer so these tests
// never need a live NATS broker. onProduce, when set, lets a test fan a
// produced message back into an executor to simulate scenario 6's
// cross-rule hop.
type fakeProducer struct {
	mu        sync.Mutex
	produced  []producedMsg
	onProduce func(topic, key string, body []byte)
}

type producedMsg struct {
	Topic string
	Key   string
	Body  []byte
}

func (f *fakeProducer) Produce(topic, key string, msg []byte) (<-chan bus.DeliveryReport, error) {
	f.mu.Lock()
	f.produced = append(f.produced, producedMsg{Topic: topic, Key: key, Body: msg})
	f.mu.Unlock()

	ch := make(chan bus.DeliveryReport, 1)
	ch <- bus.DeliveryReport{Topic: topic, Key: key, Seq: uint64(len(f.produced))}

	if f.onProduce != nil {
		f.onProduce(topic, key, msg)
	}
	return ch, nil
}

func (f *fakeProducer) messages(topic string) []producedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []producedMsg
	for _, m := range f.produced {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// simpleTestRuleSpec mirrors spec.md §8 scenario 1: topic simple_test_rule,
// match {message: "test"}, POSTing a fixed body to target.
func simpleTestRuleSpec(target string) rule.Spec {
	return rule.Spec{
		Name:         "simple_test_rule",
		Topic:        "simple_test_rule",
		RetryDelayMS: 1, // keep geometric backoff delays well under test timeouts
		Match:        map[string]any{"message": "test"},
		Exec: []rule.ExecSpec{{
			Method: "POST",
			URI:    target + "/",
			Body:   `{"test_field_name":"test_field_value","derived_field":"test"}`,
		}},
	}
}

func mustCompile(t *testing.T, spec rule.Spec) *rule.Rule {
	t.Helper()
	r, err := rule.Compile(spec)
	if err != nil {
		t.Fatalf("compile rule %q: %v", spec.Name, err)
	}
	return r
}

func mustRegistry(t *testing.T, rules ...*rule.Rule) *rule.Registry {
	t.Helper()
	reg, err := rule.NewRegistry(rules)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func eventWithMessage(msg string) []byte {
	if msg == "" {
		b, _ := json.Marshal(map[string]any{
			"meta": map[string]any{"uri": "/sample/uri", "request_id": "sample"},
		})
		return b
	}
	b, _ := json.Marshal(map[string]any{
		"message": msg,
		"meta":    map[string]any{"uri": "/sample/uri", "request_id": "sample"},
	})
	return b
}

func testLogger() *zap.Logger { return zap.NewNop() }

// --- Scenario 1: simple match & dispatch ---

func TestScenario1_SimpleMatchAndDispatch(t *testing.T) {
	var posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		if got := r.Header.Get("x-request-id"); got != "sample" {
			t.Errorf("x-request-id = %q, want sample", got)
		}
		if got := r.Header.Get("x-triggered-by"); got != "simple_test_rule:/sample/uri" {
			t.Errorf("x-triggered-by = %q, want simple_test_rule:/sample/uri", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := mustCompile(t, simpleTestRuleSpec(srv.URL))
	reg := mustRegistry(t, r)
	prod := &fakeProducer{}
	ex := New(reg, nil, prod, testLogger(), "emitter-1")

	ctx := context.Background()
	for _, msg := range []string{"no", "test", ""} {
		if err := ex.HandleTopicEvent(ctx, "simple_test_rule", eventWithMessage(msg)); err != nil {
			t.Fatalf("HandleTopicEvent(%q): %v", msg, err)
		}
	}

	if got := atomic.LoadInt32(&posts); got != 1 {
		t.Fatalf("posts = %d, want exactly 1", got)
	}
}

// --- Scenario 2: retry on 500 ---

func TestScenario2_RetryOn500(t *testing.T) {
	var attempt int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempt, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if got := r.Header.Get("x-triggered-by"); !strings.Contains(got, "simple_test_rule:/sample/uri") {
			t.Errorf("second attempt x-triggered-by = %q, missing retry token", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := mustCompile(t, simpleTestRuleSpec(srv.URL))
	reg := mustRegistry(t, r)
	prod := &fakeProducer{}
	ex := New(reg, nil, prod, testLogger(), "emitter-1")

	ctx := context.Background()
	if err := ex.HandleTopicEvent(ctx, "simple_test_rule", eventWithMessage("test")); err != nil {
		t.Fatalf("HandleTopicEvent: %v", err)
	}

	retries := prod.messages("change-prop.retry.simple_test_rule")
	if len(retries) != 1 {
		t.Fatalf("retry envelopes = %d, want exactly 1", len(retries))
	}
	var env RetryEnvelope
	if err := json.Unmarshal(retries[0].Body, &env); err != nil {
		t.Fatalf("unmarshal retry envelope: %v", err)
	}
	if env.TriggeredBy != "simple_test_rule:/sample/uri" {
		t.Fatalf("retry envelope triggered_by = %q, want simple_test_rule:/sample/uri", env.TriggeredBy)
	}

	// drive the retry re-entry the way a retry-topic consumer would.
	if err := ex.HandleRetryEnvelope(ctx, "simple_test_rule", retries[0].Body); err != nil {
		t.Fatalf("HandleRetryEnvelope: %v", err)
	}

	if got := atomic.LoadInt32(&attempt); got != 2 {
		t.Fatalf("attempts = %d, want exactly 2", got)
	}
}

// --- Scenario 3: retry exhaustion ---

func TestScenario3_RetryExhaustion(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := mustCompile(t, simpleTestRuleSpec(srv.URL)) // retry_limit defaults to 2
	reg := mustRegistry(t, r)
	prod := &fakeProducer{}
	ex := New(reg, nil, prod, testLogger(), "emitter-1")

	ctx := context.Background()
	raw := eventWithMessage("test")
	if err := ex.HandleTopicEvent(ctx, "simple_test_rule", raw); err != nil {
		t.Fatalf("HandleTopicEvent: %v", err)
	}
	for {
		retries := prod.messages("change-prop.retry.simple_test_rule")
		if len(retries) == 0 {
			break
		}
		last := retries[len(retries)-1]
		prod.mu.Lock()
		prod.produced = nil // drain so messages() only reports the next hop
		prod.mu.Unlock()
		if err := ex.HandleRetryEnvelope(ctx, "simple_test_rule", last.Body); err != nil {
			t.Fatalf("HandleRetryEnvelope: %v", err)
		}
		errs := prod.messages("change-prop.error")
		if len(errs) > 0 {
			if len(errs) != 1 {
				t.Fatalf("error envelopes = %d, want exactly 1", len(errs))
			}
			break
		}
	}

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("attempts = %d, want exactly 3", got)
	}
}

// --- Scenario 4: no retry on 404 ---

func TestScenario4_NoRetryOn404(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := mustCompile(t, simpleTestRuleSpec(srv.URL))
	reg := mustRegistry(t, r)
	prod := &fakeProducer{}
	ex := New(reg, nil, prod, testLogger(), "emitter-1")

	ctx := context.Background()
	if err := ex.HandleTopicEvent(ctx, "simple_test_rule", eventWithMessage("test")); err != nil {
		t.Fatalf("HandleTopicEvent: %v", err)
	}

	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("attempts = %d, want exactly 1", got)
	}
	if n := len(prod.messages("change-prop.retry.simple_test_rule")); n != 0 {
		t.Fatalf("retry envelopes = %d, want 0", n)
	}
	if n := len(prod.messages("change-prop.error")); n != 0 {
		t.Fatalf("error envelopes = %d, want 0", n)
	}
}

// --- Scenario 5: unparseable event ---

func TestScenario5_UnparseableEventThenValid(t *testing.T) {
	var posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := mustCompile(t, simpleTestRuleSpec(srv.URL))
	reg := mustRegistry(t, r)
	prod := &fakeProducer{}
	ex := New(reg, nil, prod, testLogger(), "emitter-1")

	ctx := context.Background()
	if err := ex.HandleTopicEvent(ctx, "simple_test_rule", []byte(`"non-parsable-json"`)); err != nil {
		t.Fatalf("decode-failure event should be committed, not erred: %v", err)
	}
	if err := ex.HandleTopicEvent(ctx, "simple_test_rule", eventWithMessage("test")); err != nil {
		t.Fatalf("HandleTopicEvent: %v", err)
	}

	if got := atomic.LoadInt32(&posts); got != 1 {
		t.Fatalf("posts = %d, want exactly 1", got)
	}
}

// --- Scenario 6: produce_to_topic chain propagation ---

func TestScenario6_ProduceToTopicChainPropagation(t *testing.T) {
	var gotChain string
	var posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		gotChain = r.Header.Get("x-triggered-by")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	simpleSpec := simpleTestRuleSpec(srv.URL)
	simpleSpec.Topic = "test_dc.simple_test_rule"
	simple := mustCompile(t, simpleSpec)

	kafkaSpec := rule.Spec{
		Name:  "test_dc.kafka_producing_rule",
		Topic: "test_dc.kafka_producing_rule",
		Match: map[string]any{"message": "test"},
		Exec: []rule.ExecSpec{{
			ProduceToTopic: "test_dc.simple_test_rule",
		}},
	}
	kafka := mustCompile(t, kafkaSpec)

	reg := mustRegistry(t, simple, kafka)

	var ex *Executor
	prod := &fakeProducer{}
	prod.onProduce = func(topic, key string, body []byte) {
		if topic != "test_dc.simple_test_rule" {
			return
		}
		if err := ex.HandleTopicEvent(context.Background(), topic, body); err != nil {
			t.Errorf("fan-out HandleTopicEvent: %v", err)
		}
	}
	ex = New(reg, nil, prod, testLogger(), "emitter-1")

	if err := ex.HandleTopicEvent(context.Background(), "test_dc.kafka_producing_rule", eventWithMessage("test")); err != nil {
		t.Fatalf("HandleTopicEvent: %v", err)
	}

	// onProduce runs the fan-out HandleTopicEvent synchronously inside
	// Produce, so the POST has normally landed by now; this wait only
	// guards against a slow test server.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&posts) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if got := atomic.LoadInt32(&posts); got != 1 {
		t.Fatalf("posts = %d, want exactly 1", got)
	}
	want := "test_dc.kafka_producing_rule:/sample/uri,simple_test_rule:/sample/uri"
	if gotChain != want {
		t.Fatalf("x-triggered-by = %q, want %q", gotChain, want)
	}
}

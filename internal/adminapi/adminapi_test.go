// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/changeprop/engine/internal/rule"
	"go.uber.org/zap"
)

func testRegistry(t *testing.T) *rule.Registry {
	t.Helper()
	r, err := rule.Compile(rule.Spec{
		Name:  "simple_test_rule",
		Topic: "simple_test_rule",
		Match: map[string]any{"message": "test"},
		Exec:  []rule.ExecSpec{{Method: "POST", URI: "http://mock.com/"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	reg, err := rule.NewRegistry([]*rule.Rule{r})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

type fakeErrorReader struct{ entries []json.RawMessage }

func (f fakeErrorReader) TailErrors(ctx context.Context, limit int) ([]json.RawMessage, error) {
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

func TestHealthz(t *testing.T) {
	srv := NewServer(":0", testRegistry(t), nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestListAndGetRule(t *testing.T) {
	srv := NewServer(":0", testRegistry(t), nil, zap.NewNop())

	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rules", nil))
	var list []ruleSummary
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode /rules: %v", err)
	}
	if len(list) != 1 || list[0].Name != "simple_test_rule" {
		t.Fatalf("unexpected rule list: %+v", list)
	}

	w = httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rules/simple_test_rule", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /rules/simple_test_rule status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rules/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /rules/missing status = %d, want 404", w.Code)
	}
}

func TestErrorsEndpoint(t *testing.T) {
	reader := fakeErrorReader{entries: []json.RawMessage{
		json.RawMessage(`{"rule_name":"simple_test_rule"}`),
	}}
	srv := NewServer(":0", testRegistry(t), reader, zap.NewNop())

	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/errors", nil))
	var got []json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode /errors: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("errors = %d, want 1", len(got))
	}
}

func TestErrorsEndpointWithoutReader(t *testing.T) {
	srv := NewServer(":0", testRegistry(t), nil, zap.NewNop())
	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/errors", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

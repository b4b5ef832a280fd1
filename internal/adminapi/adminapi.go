// Copyright 2025 James Ross

// Package adminapi exposes a read-only introspection surface over the
// rule registry and error topic (SPEC_FULL.md §4.9): a gorilla/mux
// router with JSON handlers. The rule registry is immutable after
// start-up (spec.md §3 Lifecycles), so this package offers no mutation
// endpoints.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/changeprop/engine/internal/rule"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ErrorReader tails the retained messages on the shared error topic
// (change-prop.error). Implemented by internal/bus against a JetStream
// consumer; kept as an interface here so this package stays testable
// without a live broker.
type ErrorReader interface {
	TailErrors(ctx context.Context, limit int) ([]json.RawMessage, error)
}

// Server is the admin API's HTTP surface.
type Server struct {
	registry *rule.Registry
	errors   ErrorReader
	logger   *zap.Logger
	http     *http.Server
}

// NewServer builds the router and binds it to listenAddr. errors may be
// nil, in which case GET /errors reports an empty list.
func NewServer(listenAddr string, registry *rule.Registry, errors ErrorReader, logger *zap.Logger) *Server {
	s := &Server{registry: registry, errors: errors, logger: logger}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	router.HandleFunc("/rules/{name}", s.handleGetRule).Methods(http.MethodGet)
	router.HandleFunc("/errors", s.handleErrors).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the server in the background and returns immediately.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin api server exited", zap.Error(err))
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ruleSummary struct {
	Name       string `json:"name"`
	Topic      string `json:"topic"`
	RetryTopic string `json:"retry_topic"`
	RetryLimit int    `json:"retry_limit"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := s.registry.Rules()
	out := make([]ruleSummary, 0, len(rules))
	for _, ru := range rules {
		out = append(out, summarize(ru))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ru, ok := s.registry.ByName(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})
		return
	}
	writeJSON(w, http.StatusOK, summarize(ru))
}

func summarize(r *rule.Rule) ruleSummary {
	return ruleSummary{
		Name:       r.Name,
		Topic:      r.Topic,
		RetryTopic: r.RetryTopic(),
		RetryLimit: r.RetryLimit,
	}
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	if s.errors == nil {
		writeJSON(w, http.StatusOK, []json.RawMessage{})
		return
	}
	entries, err := s.errors.TailErrors(r.Context(), limit)
	if err != nil {
		s.logger.Error("tail errors failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read error topic"})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

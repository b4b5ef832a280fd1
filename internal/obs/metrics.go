// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changeprop_events_consumed_total",
		Help: "Total number of events fetched from a source topic",
	}, []string{"topic"})
	RulesMatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changeprop_rules_matched_total",
		Help: "Total number of rule options that matched an event",
	}, []string{"rule"})
	DispatchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changeprop_dispatch_outcomes_total",
		Help: "Total exec-step outcomes by classification",
	}, []string{"rule", "outcome"})
	RetriesScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changeprop_retries_scheduled_total",
		Help: "Total number of retry envelopes produced",
	}, []string{"rule"})
	ErrorsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changeprop_errors_emitted_total",
		Help: "Total number of error envelopes produced",
	}, []string{"rule"})
	LoopsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changeprop_loops_detected_total",
		Help: "Total number of dispatches skipped due to triggered_by loop detection",
	}, []string{"rule"})
	DispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "changeprop_dispatch_duration_seconds",
		Help:    "Histogram of HTTP exec-step durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"rule"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "changeprop_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"rule"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changeprop_circuit_breaker_trips_total",
		Help: "Count of times a rule's circuit breaker transitioned to Open",
	}, []string{"rule"})
	ErrorTopicDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "changeprop_error_topic_depth",
		Help: "Approximate number of retained messages on the error topic",
	})
)

func init() {
	prometheus.MustRegister(
		EventsConsumed, RulesMatched, DispatchOutcomes, RetriesScheduled,
		ErrorsEmitted, LoopsDetected, DispatchDuration, CircuitBreakerState,
		CircuitBreakerTrips, ErrorTopicDepth,
	)
}

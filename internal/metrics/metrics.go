// Package metrics holds the prometheus instruments for every pipeline
// stage. One Metrics value is constructed at startup and shared through the
// stage constructors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the pipeline instruments on a single registry.
type Metrics struct {
	registry *prometheus.Registry

	IngestedTotal   *prometheus.CounterVec
	DuplicatesTotal *prometheus.CounterVec
	RejectedTotal   *prometheus.CounterVec

	NormalizedTotal    *prometheus.CounterVec
	ParseFailuresTotal *prometheus.CounterVec
	FXLookupsTotal     *prometheus.CounterVec

	MatchesTotal    *prometheus.CounterVec
	ExceptionsTotal *prometheus.CounterVec

	PostingGroupsTotal *prometheus.CounterVec
	PostedEntriesTotal *prometheus.CounterVec

	DeadLettersTotal *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	BusLag           *prometheus.GaugeVec

	StageDuration *prometheus.HistogramVec
}

// New creates the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		IngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recond_ingested_total",
			Help: "Webhook events accepted by intake.",
		}, []string{"connection"}),
		DuplicatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recond_duplicates_total",
			Help: "Webhook events deduplicated by idempotency key.",
		}, []string{"connection"}),
		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recond_rejected_total",
			Help: "Webhook events rejected at intake.",
		}, []string{"connection", "kind"}),
		NormalizedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recond_normalized_total",
			Help: "Canonical transactions written by the normalizer.",
		}, []string{"connection", "event_type"}),
		ParseFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recond_parse_failures_total",
			Help: "Raw events the parser could not decode.",
		}, []string{"connection"}),
		FXLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recond_fx_lookups_total",
			Help: "FX rate lookups by outcome (hit, miss, source).",
		}, []string{"outcome"}),
		MatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recond_matches_total",
			Help: "Match rows written, labeled by ladder level and status.",
		}, []string{"level", "status"}),
		ExceptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recond_exceptions_total",
			Help: "Exceptions created, labeled by type and priority.",
		}, []string{"type", "priority"}),
		PostingGroupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recond_posting_groups_total",
			Help: "Balanced posting groups committed by the ledger poster.",
		}, []string{"event_type"}),
		PostedEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recond_posted_entries_total",
			Help: "Individual ledger entries written.",
		}, []string{"event_type"}),
		DeadLettersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recond_dead_letters_total",
			Help: "Records sent to the dead-letter bucket.",
		}, []string{"stage", "kind"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recond_retries_total",
			Help: "Retriable failures per stage.",
		}, []string{"stage"}),
		BusLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "recond_bus_lag",
			Help: "Undelivered records buffered per topic.",
		}, []string{"topic"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recond_stage_duration_seconds",
			Help:    "Per-record processing time per stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}

	reg.MustRegister(
		m.IngestedTotal, m.DuplicatesTotal, m.RejectedTotal,
		m.NormalizedTotal, m.ParseFailuresTotal, m.FXLookupsTotal,
		m.MatchesTotal, m.ExceptionsTotal,
		m.PostingGroupsTotal, m.PostedEntriesTotal,
		m.DeadLettersTotal, m.RetriesTotal, m.BusLag,
		m.StageDuration,
	)
	return m
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, for tests that scrape values.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// Solves counts replan cycles by outcome: committed, kept, stale, cancelled, corrupt
	Solves = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "rescue_solves_total", Help: "Replan cycles by outcome."},
		[]string{"outcome"},
	)
	// SolveDuration records solver wall time in seconds
	SolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "rescue_solve_duration_seconds", Help: "Route solver wall time.", Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2, 5, 10}},
	)
	// PlanObjective is the urgency-weighted completion time of the committed plan
	PlanObjective = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "rescue_plan_objective_seconds", Help: "Objective of the committed plan."},
	)
	// UnreachableVictims is the number of victims the committed plan could not serve
	UnreachableVictims = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "rescue_unreachable_victims", Help: "Victims left unserved by the committed plan."},
	)
	// StaleRetries counts commits rejected as stale
	StaleRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rescue_stale_snapshot_retries_total", Help: "Plan commits rejected as stale."},
	)
	// Triggers counts replan triggers by reason, coalesced or not
	Triggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "rescue_replan_triggers_total", Help: "Replan triggers by reason."},
		[]string{"reason"},
	)
	// Halted is 1 while planning is stopped on a corrupt plan
	Halted = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "rescue_planning_halted", Help: "1 while planning is halted."},
	)
	// VictimsByStatus is the victim count per lifecycle status after the last commit
	VictimsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "rescue_victims", Help: "Victims by status."},
		[]string{"status"},
	)
	// Ingested counts accepted and rejected boundary events by source and kind
	Ingested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "rescue_events_total", Help: "Ingested events by source, kind and result."},
		[]string{"source", "kind", "result"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests, HTTPDuration)
		Registry.MustRegister(Solves, SolveDuration, PlanObjective, UnreachableVictims, StaleRetries, Triggers, Halted, VictimsByStatus, Ingested)
		Registry.MustRegister(WebhookDeliveries, WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

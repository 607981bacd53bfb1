package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "driverd"

var (
	OffersPresented = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_presented_total", Help: "Job offers shown to the driver"},
		[]string{"kind"},
	)
	OffersResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_resolved_total", Help: "Job offers resolved by outcome"},
		[]string{"outcome"},
	)
	OffersIgnored = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_ignored_total", Help: "Offers dropped before presentation"},
		[]string{"reason"},
	)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Lifecycle transition requests"},
		[]string{"status", "result"},
	)
	NegotiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "negotiations_total", Help: "Volume proposals by final state"},
		[]string{"state"},
	)
	LocationSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_total", Help: "Location samples by sink and result"},
		[]string{"sink", "result"},
	)
	ProfileFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "profile_fetches_total", Help: "Profile fetch attempts"},
		[]string{"result"},
	)
	PushEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "push_events_total", Help: "Push channel events received"},
		[]string{"event"},
	)
	AuditMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "audit_messages_total", Help: "Audit stream messages read by result"},
		[]string{"result"},
	)
	SessionOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "session_online", Help: "1 while the driver is online"})
	PollLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "poll_latency_seconds", Help: "Available-jobs poll latency"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

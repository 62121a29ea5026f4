package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersSentTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "livery_core", Name: "offers_sent_total", Help: "Total trip offers sent to drivers"})
	OffersAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "livery_core", Name: "offers_accepted_total", Help: "Total offers accepted"})
	OffersDeclinedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "livery_core", Name: "offers_declined_total", Help: "Total offers declined"})
	OffersStaleTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "livery_core", Name: "offers_stale_total", Help: "Total accept attempts that lost to expiry or another writer"})

	StatusWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "livery_core", Name: "status_writes_total", Help: "Total persisted status writes by outcome"},
		[]string{"status", "outcome"},
	)
	StatusHeuristicTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "livery_core", Name: "status_heuristic_matches_total", Help: "Status strings matched by the substring heuristic tier"})
	StatusFallbackTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "livery_core", Name: "status_fallback_total", Help: "Unrecognized status strings defaulted to assigned"})

	GeofenceEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "livery_core", Name: "geofence_events_total", Help: "One-shot geofence events emitted"},
		[]string{"event"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "livery_core", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "livery_core",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

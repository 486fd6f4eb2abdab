// Package metrics holds the Prometheus metrics of the bid services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains every metric the gateway, relay and archiver export.
// Each binary only moves the ones it owns.
type Metrics struct {
	BidsAccepted  prometheus.Counter
	BidsRejected  *prometheus.CounterVec
	PublishErrors *prometheus.CounterVec
	BidLatency    prometheus.Histogram

	RelayConnections prometheus.Gauge
	RelayBroadcasts  prometheus.Counter
	RelayDropped     prometheus.Counter

	EventsArchived prometheus.Counter
	ArchiveErrors  *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		BidsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "bidding_bids_accepted_total",
			Help: "Total number of bids accepted by the gateway",
		}),
		BidsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bidding_bids_rejected_total",
			Help: "Total number of bids rejected by the gateway, by reason",
		}, []string{"reason"}),
		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bidding_publish_errors_total",
			Help: "Total number of failed bid event publishes, by sink",
		}, []string{"sink"}),
		BidLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bidding_place_bid_seconds",
			Help:    "Time to run the acceptance script for one bid",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}),

		RelayConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "bidding_relay_connections",
			Help: "Number of open relay websocket connections",
		}),
		RelayBroadcasts: f.NewCounter(prometheus.CounterOpts{
			Name: "bidding_relay_broadcasts_total",
			Help: "Total number of bid events fanned out to rooms",
		}),
		RelayDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "bidding_relay_dropped_clients_total",
			Help: "Total number of clients disconnected for a full send buffer",
		}),

		EventsArchived: f.NewCounter(prometheus.CounterOpts{
			Name: "bidding_events_archived_total",
			Help: "Total number of bid events written to PostgreSQL",
		}),
		ArchiveErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bidding_archive_errors_total",
			Help: "Total number of archiver failures, by type",
		}, []string{"error_type"}),
	}
}

// RecordRejected increments the rejection counter for reason
func (m *Metrics) RecordRejected(reason string) {
	m.BidsRejected.WithLabelValues(reason).Inc()
}

// RecordPublishError increments the publish error counter for sink
func (m *Metrics) RecordPublishError(sink string) {
	m.PublishErrors.WithLabelValues(sink).Inc()
}

// RecordArchiveError increments the archiver error counter
func (m *Metrics) RecordArchiveError(errorType string) {
	m.ArchiveErrors.WithLabelValues(errorType).Inc()
}

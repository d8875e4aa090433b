// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records negotiation and recovery activity. A nil *Collector is
// valid and records nothing.
type Collector struct {
	offersSent          prometheus.Counter
	answersSent         prometheus.Counter
	sendRetries         *prometheus.CounterVec
	glareDiscards       prometheus.Counter
	candidates          *prometheus.CounterVec
	reconnectAttempts   prometheus.Counter
	reconnectsExhausted prometheus.Counter
	iceRestarts         prometheus.Counter
	linkQuality         prometheus.Gauge
	connectDuration     prometheus.Histogram
}

// NewCollector registers the engine metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		offersSent: f.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_offers_sent_total",
			Help: "Offers successfully delivered to the signaling channel",
		}),
		answersSent: f.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_answers_sent_total",
			Help: "Answers successfully delivered to the signaling channel",
		}),
		sendRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_send_retries_total",
			Help: "Failed signaling sends that were retried",
		}, []string{"kind"}),
		glareDiscards: f.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_glare_discards_total",
			Help: "Remote offers dropped because a local offer was pending",
		}),
		candidates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_remote_candidates_total",
			Help: "Remote ICE candidates by outcome",
		}, []string{"outcome"}),
		reconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_reconnect_attempts_total",
			Help: "Scheduled link rebuilds",
		}),
		reconnectsExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_reconnects_exhausted_total",
			Help: "Sessions that ran out of reconnect attempts",
		}),
		iceRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_ice_restarts_total",
			Help: "In-place ICE restarts after network changes",
		}),
		linkQuality: f.NewGauge(prometheus.GaugeOpts{
			Name: "peerlink_link_quality",
			Help: "Current link quality (0 poor, 1 medium, 2 good)",
		}),
		connectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "peerlink_connect_duration_seconds",
			Help:    "Time from link creation to the connected state",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
	}
}

func (c *Collector) OfferSent() {
	if c != nil {
		c.offersSent.Inc()
	}
}

func (c *Collector) AnswerSent() {
	if c != nil {
		c.answersSent.Inc()
	}
}

// SendRetried counts a retried send; kind is "offer" or "answer".
func (c *Collector) SendRetried(kind string) {
	if c != nil {
		c.sendRetries.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) GlareDiscarded() {
	if c != nil {
		c.glareDiscards.Inc()
	}
}

// Candidate counts a remote candidate; outcome is one of queued, applied,
// requeued or failed.
func (c *Collector) Candidate(outcome string) {
	if c != nil {
		c.candidates.WithLabelValues(outcome).Inc()
	}
}

func (c *Collector) ReconnectScheduled() {
	if c != nil {
		c.reconnectAttempts.Inc()
	}
}

func (c *Collector) ReconnectsExhausted() {
	if c != nil {
		c.reconnectsExhausted.Inc()
	}
}

func (c *Collector) ICERestarted() {
	if c != nil {
		c.iceRestarts.Inc()
	}
}

func (c *Collector) SetQuality(score int) {
	if c != nil {
		c.linkQuality.Set(float64(score))
	}
}

func (c *Collector) Connected(elapsed time.Duration) {
	if c != nil {
		c.connectDuration.Observe(elapsed.Seconds())
	}
}

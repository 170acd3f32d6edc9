package rabbitmq

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rabbitcore"

// Publish outcome label values.
const (
	outcomeConfirmed  = "confirmed"
	outcomeTimedOut   = "timed_out"
	outcomeRejected   = "rejected"
	outcomeUnroutable = "unroutable"
	outcomeFailed     = "failed"
)

// Metrics holds the Prometheus collectors of one ConnectionManager.
// A nil *Metrics records nothing.
type Metrics struct {
	publishTotal          *prometheus.CounterVec
	publishConfirmLatency *prometheus.HistogramVec
	pendingMessages       *prometheus.GaugeVec
	openChannels          prometheus.Gauge
	consumedTotal         *prometheus.CounterVec
	consumerFailures      *prometheus.CounterVec
	subscriptionRebuilds  *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		publishTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_total",
				Help:      "Total number of tracked publishes by terminal outcome",
			},
			[]string{"exchange", "outcome"},
		),
		publishConfirmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "publish_confirm_seconds",
				Help:      "Time from publish to terminal outcome in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"exchange"},
		),
		pendingMessages: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_messages",
				Help:      "Number of published messages awaiting a terminal outcome",
			},
			[]string{"exchange"},
		),
		openChannels: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_channels",
				Help:      "Number of channels reserved from the channel budget",
			},
		),
		consumedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consumed_total",
				Help:      "Total number of deliveries handed to consume handlers",
			},
			[]string{"queue"},
		),
		consumerFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consumer_failures_total",
				Help:      "Total number of consumer failures raised",
			},
			[]string{"queue"},
		),
		subscriptionRebuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscription_rebuilds_total",
				Help:      "Total number of consumers recreated by resilient subscriptions",
			},
			[]string{"queue"},
		),
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return outcomeConfirmed
	case errors.Is(err, ErrPublishTimedOut):
		return outcomeTimedOut
	case errors.Is(err, ErrPublishRejected):
		return outcomeRejected
	case errors.Is(err, ErrPublishUnroutable):
		return outcomeUnroutable
	}
	return outcomeFailed
}

func (m *Metrics) observePublish(exchange string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(exchange, outcomeLabel(err)).Inc()
	if elapsed > 0 {
		m.publishConfirmLatency.WithLabelValues(exchange).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) setPending(exchange string, n int) {
	if m == nil {
		return
	}
	m.pendingMessages.WithLabelValues(exchange).Set(float64(n))
}

func (m *Metrics) setOpenChannels(n int) {
	if m == nil {
		return
	}
	m.openChannels.Set(float64(n))
}

func (m *Metrics) incConsumed(queue string) {
	if m == nil {
		return
	}
	m.consumedTotal.WithLabelValues(queue).Inc()
}

func (m *Metrics) incConsumerFailure(queue string) {
	if m == nil {
		return
	}
	m.consumerFailures.WithLabelValues(queue).Inc()
}

func (m *Metrics) incRebuild(queue string) {
	if m == nil {
		return
	}
	m.subscriptionRebuilds.WithLabelValues(queue).Inc()
}

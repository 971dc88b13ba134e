package observability

import (
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// DurationBucketsMs are the fixed histogram boundaries, in milliseconds.
var DurationBucketsMs = []float64{10, 25, 100, 500, 5000}

// Metrics owns its registry; each instance is independent, so tests can build their own.
type Metrics struct {
	registry *prometheus.Registry

	OrdersCreated       prometheus.Counter
	OrdersFailed        *prometheus.CounterVec
	TicketsSold         prometheus.Counter
	Revenue             prometheus.Counter
	ScanResults         *prometheus.CounterVec
	Payments            *prometheus.CounterVec
	Emails              *prometheus.CounterVec
	RateLimitExceeded   *prometheus.CounterVec
	RateLimitKeys       *prometheus.GaugeVec
	CheckoutDuration    prometheus.Histogram
	ReservationDuration prometheus.Histogram
	QueryDuration       *prometheus.HistogramVec
	OutboxLag           prometheus.Gauge
	PublishFailures     prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		OrdersCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "tie_orders_created_total",
			Help: "Orders created with reserved inventory",
		}),
		OrdersFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tie_orders_failed_total",
			Help: "Checkout attempts that did not produce an order, by reason",
		}, []string{"reason"}),
		TicketsSold: f.NewCounter(prometheus.CounterOpts{
			Name: "tie_tickets_sold_total",
			Help: "Tickets issued for paid orders",
		}),
		Revenue: f.NewCounter(prometheus.CounterOpts{
			Name: "tie_revenue_total",
			Help: "Sum of paid order totals",
		}),
		ScanResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tie_ticket_scans_total",
			Help: "Ticket scans by outcome",
		}, []string{"outcome"}),
		Payments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tie_payments_total",
			Help: "Payment confirmations by result",
		}, []string{"result"}),
		Emails: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tie_emails_total",
			Help: "Ticket delivery dispatches by result",
		}, []string{"result"}),
		RateLimitExceeded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tie_rate_limit_exceeded_total",
			Help: "Calls rejected by a rate limit policy",
		}, []string{"policy"}),
		RateLimitKeys: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tie_rate_limit_tracked_keys",
			Help: "Keys with an open rate limit window",
		}, []string{"policy"}),
		CheckoutDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tie_checkout_duration_ms",
			Help:    "End to end checkout duration",
			Buckets: DurationBucketsMs,
		}),
		ReservationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tie_reservation_duration_ms",
			Help:    "Inventory reservation duration",
			Buckets: DurationBucketsMs,
		}),
		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tie_query_duration_ms",
			Help:    "Guarded read duration by component",
			Buckets: DurationBucketsMs,
		}, []string{"component"}),
		OutboxLag: f.NewGauge(prometheus.GaugeOpts{
			Name: "tie_outbox_lag_seconds",
			Help: "Age of the oldest outbox record published in the last batch",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tie_outbox_publish_failures_total",
			Help: "Outbox records that failed to publish",
		}),
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (m *Metrics) RecordOrderCreated() {
	m.OrdersCreated.Inc()
}

func (m *Metrics) RecordOrderFailed(reason string) {
	m.OrdersFailed.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordTicketsSold(n int, revenue float64) {
	m.TicketsSold.Add(float64(n))
	if revenue > 0 {
		m.Revenue.Add(revenue)
	}
}

func (m *Metrics) RecordScan(outcome string) {
	m.ScanResults.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordPayment(success bool) {
	m.Payments.WithLabelValues(result(success)).Inc()
}

func (m *Metrics) RecordEmail(success bool) {
	m.Emails.WithLabelValues(result(success)).Inc()
}

func (m *Metrics) RecordRateLimited(policy string) {
	m.RateLimitExceeded.WithLabelValues(policy).Inc()
}

func (m *Metrics) SetTrackedKeys(policy string, n int) {
	m.RateLimitKeys.WithLabelValues(policy).Set(float64(n))
}

func (m *Metrics) ObserveCheckout(d time.Duration) {
	m.CheckoutDuration.Observe(ms(d))
}

func (m *Metrics) ObserveReservation(d time.Duration) {
	m.ReservationDuration.Observe(ms(d))
}

func (m *Metrics) ObserveQuery(component string, d time.Duration) {
	m.QueryDuration.WithLabelValues(component).Observe(ms(d))
}

func (m *Metrics) SetOutboxLag(d time.Duration) {
	m.OutboxLag.Set(d.Seconds())
}

func (m *Metrics) RecordPublishFailure() {
	m.PublishFailures.Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Export writes every metric family in the Prometheus text format.
func (m *Metrics) Export(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics")
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return errors.Wrapf(err, "write %s", mf.GetName())
		}
	}
	return nil
}

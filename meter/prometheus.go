package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/tokenquota"
)

// PromMeter exports admission outcomes as Prometheus metrics.
type PromMeter struct {
	admissions *prometheus.CounterVec
	results    *prometheus.CounterVec
	tokens     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

var _ tokenquota.Meter = (*PromMeter)(nil)

// NewPromMeter creates a PromMeter and registers its collectors with reg.
func NewPromMeter(reg prometheus.Registerer) (*PromMeter, error) {
	m := &PromMeter{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenquota",
			Name:      "admissions_total",
			Help:      "Pre-check decisions by outcome.",
		}, []string{"model", "outcome"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenquota",
			Name:      "requests_total",
			Help:      "Requests by terminal phase.",
		}, []string{"model", "phase"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenquota",
			Name:      "tokens_total",
			Help:      "Tokens consumed by completed or unreconciled requests.",
		}, []string{"model", "direction", "reconciled"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tokenquota",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration by terminal phase.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"model", "phase"}),
	}

	for _, c := range []prometheus.Collector{m.admissions, m.results, m.tokens, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PromMeter) OnAdmit(e tokenquota.AdmitEvent) {
	outcome := "admitted"
	if !e.Admitted {
		outcome = tokenquota.KindOf(e.Error).String()
	}
	m.admissions.WithLabelValues(e.Model, outcome).Inc()
}

func (m *PromMeter) OnResult(e tokenquota.ResultEvent) {
	phase := e.Phase.String()
	m.results.WithLabelValues(e.Model, phase).Inc()
	m.duration.WithLabelValues(e.Model, phase).Observe(e.Duration.Seconds())

	if e.Phase != tokenquota.PhaseCompleted && e.Phase != tokenquota.PhaseUnreconciled {
		return
	}
	reconciled := "true"
	if e.Phase == tokenquota.PhaseUnreconciled {
		reconciled = "false"
	}
	// Counters only go up.
	if e.Usage.Input > 0 {
		m.tokens.WithLabelValues(e.Model, "input", reconciled).Add(float64(e.Usage.Input))
	}
	if e.Usage.Output > 0 {
		m.tokens.WithLabelValues(e.Model, "output", reconciled).Add(float64(e.Usage.Output))
	}
}

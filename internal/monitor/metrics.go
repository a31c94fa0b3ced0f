package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics собирает метрики проверок. Нулевой *Metrics допустим и ничего
// не делает.
type Metrics struct {
	checkRuns        *prometheus.CounterVec
	checkDuration    *prometheus.HistogramVec
	violations       *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	snapshotAccounts prometheus.Gauge
	fallbackWrites   *prometheus.CounterVec
}

// NewMetrics регистрирует коллекторы в reg; nil reg оставляет их
// незарегистрированными.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checkRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trafficmon",
			Name:      "check_runs_total",
			Help:      "Traffic check runs by check type and result.",
		}, []string{"check", "result"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trafficmon",
			Name:      "check_duration_seconds",
			Help:      "Duration of traffic checks.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"check"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trafficmon",
			Name:      "violations_total",
			Help:      "Threshold violations detected.",
		}, []string{"check"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trafficmon",
			Name:      "notifications_total",
			Help:      "Violation notifications by result.",
		}, []string{"result"}),
		snapshotAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trafficmon",
			Name:      "snapshot_accounts",
			Help:      "Accounts in the last saved usage snapshot.",
		}),
		fallbackWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trafficmon",
			Name:      "store_fallback_total",
			Help:      "Writes that fell back to process memory.",
		}, []string{"component"}),
	}
	if reg != nil {
		reg.MustRegister(m.checkRuns, m.checkDuration, m.violations, m.notifications, m.snapshotAccounts, m.fallbackWrites)
	}
	return m
}

func (m *Metrics) observeCheck(check CheckType, err error, elapsed time.Duration, violations int) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.checkRuns.WithLabelValues(string(check), result).Inc()
	m.checkDuration.WithLabelValues(string(check)).Observe(elapsed.Seconds())
	if violations > 0 {
		m.violations.WithLabelValues(string(check)).Add(float64(violations))
	}
}

func (m *Metrics) notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) snapshotSize(n int) {
	if m == nil {
		return
	}
	m.snapshotAccounts.Set(float64(n))
}

func (m *Metrics) fallback(component string) {
	if m == nil {
		return
	}
	m.fallbackWrites.WithLabelValues(component).Inc()
}

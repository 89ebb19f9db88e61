// Package metrics exposes gate decisions, account state, the emergency
// stop and the bridge queue to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rustyeddy/tradegate/bridge"
	"github.com/rustyeddy/tradegate/ledger"
)

const namespace = "tradegate"

// Metrics owns its registry so several engines (tests, backtests) can
// coexist in one process.
type Metrics struct {
	reg *prometheus.Registry

	decisions   *prometheus.CounterVec
	plannedRisk prometheus.Histogram
	fills       *prometheus.CounterVec
	halts       *prometheus.CounterVec

	balance   prometheus.Gauge
	peak      prometheus.Gauge
	drawdown  prometheus.Gauge
	dailyLoss prometheus.Gauge
	reserved  prometheus.Gauge
	estop     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_decisions_total",
				Help:      "Risk gate decisions by outcome and reason code",
			},
			[]string{"outcome", "code"},
		),
		plannedRisk: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "planned_risk_percent",
				Help:      "Risk of accepted orders as a percent of balance",
				Buckets:   []float64{0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5},
			},
		),
		fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fills_total",
				Help:      "Fills booked into the ledger",
			},
			[]string{"kind"},
		),
		halts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "halts_total",
				Help:      "Emergency stop activations by scope",
			},
			[]string{"scope"},
		),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "account_balance", Help: "Realized account balance",
		}),
		peak: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "account_peak_balance", Help: "Highest realized balance",
		}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "account_drawdown_ratio", Help: "(peak - balance) / peak",
		}),
		dailyLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "risk_daily_loss", Help: "Realized loss for the current trading day",
		}),
		reserved: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "risk_reserved", Help: "Risk reserved by open orders",
		}),
		estop: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "estop_state", Help: "0 normal, 1 warning, 2 halted, 3 recovering",
		}),
	}
	m.reg.MustRegister(
		m.decisions, m.plannedRisk, m.fills, m.halts,
		m.balance, m.peak, m.drawdown, m.dailyLoss, m.reserved, m.estop,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is exposed for tests and for callers adding their own metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Decision counts one gate decision. code is empty for accepted orders.
func (m *Metrics) Decision(outcome, code string, riskPct float64) {
	m.decisions.WithLabelValues(outcome, code).Inc()
	if code == "" {
		m.plannedRisk.Observe(riskPct)
	}
}

func (m *Metrics) Halt(scope string) {
	m.halts.WithLabelValues(scope).Inc()
}

func (m *Metrics) Risk(dailyLoss, reserved float64) {
	m.dailyLoss.Set(dailyLoss)
	m.reserved.Set(reserved)
}

func (m *Metrics) EstopState(s int) {
	m.estop.Set(float64(s))
}

// OnLedgerChanged makes Metrics a ledger listener.
func (m *Metrics) OnLedgerChanged(ev ledger.Event) {
	kind := "entry"
	if ev.Fill.Exit {
		kind = "exit"
	}
	m.fills.WithLabelValues(kind).Inc()
	m.Account(ev.After)
}

func (m *Metrics) Account(a ledger.Account) {
	m.balance.Set(a.Balance)
	m.peak.Set(a.Peak)
	m.drawdown.Set(a.Drawdown())
}

// WatchQueue registers gauges that read the queue on every scrape.
func (m *Metrics) WatchQueue(q *bridge.Queue) {
	gauge := func(name, help string, fn func(bridge.QueueStatus) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bridge", Name: name, Help: help,
		}, func() float64 { return fn(q.Status()) })
	}
	counter := func(name, help string, fn func(bridge.QueueStatus) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: name, Help: help,
		}, func() float64 { return fn(q.Status()) })
	}
	m.reg.MustRegister(
		gauge("queued", "Signals waiting for first delivery", func(s bridge.QueueStatus) float64 { return float64(s.Queued) }),
		gauge("in_flight", "Signals delivered and not yet acknowledged", func(s bridge.QueueStatus) float64 { return float64(s.InFlight) }),
		gauge("oldest_age_seconds", "Age of the oldest open signal", func(s bridge.QueueStatus) float64 { return s.OldestAge }),
		gauge("reachable", "1 while the execution side is polling", func(s bridge.QueueStatus) float64 {
			if s.Reachable {
				return 1
			}
			return 0
		}),
		counter("acknowledged_total", "Signals acknowledged", func(s bridge.QueueStatus) float64 { return float64(s.Acknowledged) }),
		counter("expired_total", "Signals expired before acknowledgment", func(s bridge.QueueStatus) float64 { return float64(s.Expired) }),
		counter("redelivered_total", "Redeliveries after the ack timeout", func(s bridge.QueueStatus) float64 { return float64(s.Redelivered) }),
	)
}

// Package metrics holds the Prometheus collectors of a chatroom worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatroom"

// Append results.
const (
	AppendNew       = "new"
	AppendDuplicate = "duplicate"
	AppendError     = "error"
	AppendInvalid   = "invalid"
)

// Collectors groups every collector a worker exports.
type Collectors struct {
	Appends        *prometheus.CounterVec
	Broadcasts     *prometheus.CounterVec
	Deliveries     *prometheus.CounterVec
	ReplayedTotal  prometheus.Counter
	HistoryPages   *prometheus.CounterVec
	SessionsTotal  *prometheus.CounterVec
	recoveryWindow prometheus.Gauge
}

// New builds collectors and registers them on reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "appends_total",
			Help:      "Durable log appends by result",
		}, []string{"result"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Bus publishes by event type and result",
		}, []string{"type", "result"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "received_total",
			Help:      "Bus events received by this worker by event type",
		}, []string{"type"}),
		ReplayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "replayed_messages_total",
			Help:      "Messages replayed to reconnecting clients",
		}),
		HistoryPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "pages_total",
			Help:      "History page requests by result",
		}, []string{"result"}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "sessions_total",
			Help:      "Sessions opened, split by whether the transport recovered state",
		}, []string{"recovered"}),
		recoveryWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "recovery_window_seconds",
			Help:      "Configured transport-level recovery window",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.Appends,
			c.Broadcasts,
			c.Deliveries,
			c.ReplayedTotal,
			c.HistoryPages,
			c.SessionsTotal,
			c.recoveryWindow,
		)
	}
	return c
}

// SetRecoveryWindow records the configured recovery window.
func (c *Collectors) SetRecoveryWindow(seconds float64) {
	c.recoveryWindow.Set(seconds)
}

// RegisterConnections exports live as the current connection gauge.
func RegisterConnections(reg prometheus.Registerer, live func() int) {
	if reg == nil || live == nil {
		return
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Live connections on this worker",
	}, func() float64 { return float64(live()) }))
}

package tcpjsonrpc

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 汇总服务端的 prometheus 指标。所有方法对 nil 接收者安全。
type Metrics struct {
	RequestCount      *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
}

// NewMetrics 创建指标并注册到 reg。reg 为 nil 时只创建不注册。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tcpjsonrpc_requests_total",
				Help: "Number of JSON-RPC requests handled, by method and response code (0 on success)",
			},
			[]string{"method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tcpjsonrpc_request_duration_seconds",
				Help:    "Time spent dispatching a JSON-RPC request",
				Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
			},
			[]string{"method"},
		),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpjsonrpc_connections_active",
			Help: "Number of currently open client connections",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpjsonrpc_connections_total",
			Help: "Number of accepted client connections",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.RequestCount, m.RequestDuration, m.ConnectionsActive, m.ConnectionsTotal)
	}
	return m
}

func (m *Metrics) observeRequest(method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestCount.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

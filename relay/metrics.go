package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the relay's Prometheus instruments. A nil *Metrics disables
// instrumentation everywhere it is consulted.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	ActiveViewers   prometheus.Gauge
	BytesStreamed   prometheus.Counter
	AuthFailures    prometheus.Counter
	ExpiredSessions prometheus.Counter
	RequestTimeouts prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fwdcast_active_sessions",
			Help: "Number of live origin sessions",
		}),
		ActiveViewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fwdcast_active_viewers",
			Help: "Number of admitted viewer requests in flight",
		}),
		BytesStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdcast_bytes_streamed_total",
			Help: "Total response body bytes streamed to viewers",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdcast_auth_failures_total",
			Help: "Number of failed password attempts",
		}),
		ExpiredSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdcast_expired_sessions_total",
			Help: "Number of sessions removed by expiry",
		}),
		RequestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwdcast_request_timeouts_total",
			Help: "Number of viewer requests that hit the gateway timeout",
		}),
	}

	reg.MustRegister(
		m.ActiveSessions,
		m.ActiveViewers,
		m.BytesStreamed,
		m.AuthFailures,
		m.ExpiredSessions,
		m.RequestTimeouts,
	)

	return m
}

package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveHosts            = promauto.NewGauge(prometheus.GaugeOpts{Name: "worldhost_active_hosts", Help: "Currently registered hosting sessions"})
	ActiveControlSessions  = promauto.NewGauge(prometheus.GaugeOpts{Name: "worldhost_active_control_sessions", Help: "Open control-channel connections"})
	ActiveTunnels          = promauto.NewGauge(prometheus.GaugeOpts{Name: "worldhost_active_tunnels", Help: "Relay tunnels currently piping"})
	TunnelEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "worldhost_tunnel_established_total", Help: "Relay tunnels established"})
	HostOfflineTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "worldhost_host_offline_total", Help: "Joiner connections for an unknown or offline routing key"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "worldhost_errors_total", Help: "Errors by type"}, []string{"type"})
	BytesRelayedTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "worldhost_bytes_relayed_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	TunnelDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "worldhost_tunnel_duration_seconds", Help: "Tunnel lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)

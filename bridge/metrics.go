// SPDX-License-Identifier: GPL-2.0-only

package bridge

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	sessionsActive     prometheus.Gauge
	peripheralsQueued  prometheus.Gauge
	endpointsQueued    prometheus.Gauge
	readsOutstanding   prometheus.Gauge
	sessionsTotal      prometheus.Counter
	bytesToEndpoint    prometheus.Counter
	bytesToPeripheral  prometheus.Counter
	messagesDropped    prometheus.Counter
	transferErrors     *prometheus.CounterVec
	resetsTotal        prometheus.Counter
	handshakeRetries   prometheus.Counter
	remoteCallFailures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ta_bridge_sessions_active",
			Help: "The number of live pairings between a tuning adapter and a secure container.",
		}),
		peripheralsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ta_bridge_peripherals_queued",
			Help: "The number of attached tuning adapters waiting for a secure container.",
		}),
		endpointsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ta_bridge_endpoints_queued",
			Help: "The number of visible secure containers waiting for a tuning adapter.",
		}),
		readsOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ta_bridge_reads_outstanding",
			Help: "The number of bulk reads currently submitted across all pairings.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ta_bridge_sessions_total",
			Help: "The total number of pairings formed.",
		}),
		bytesToEndpoint: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ta_bridge_bytes_to_endpoint_total",
			Help: "The total number of bytes read from tuning adapters and forwarded to secure containers.",
		}),
		bytesToPeripheral: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ta_bridge_bytes_to_peripheral_total",
			Help: "The total number of bytes written to tuning adapters.",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ta_bridge_messages_dropped_total",
			Help: "The total number of inbound messages dropped because they were empty or malformed.",
		}),
		transferErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ta_bridge_transfer_errors_total",
			Help: "The total number of failed bulk transfers.",
		}, []string{"direction"}),
		resetsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ta_bridge_resets_total",
			Help: "The total number of recovery sequences started.",
		}),
		handshakeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ta_bridge_handshake_retries_total",
			Help: "The total number of retried enable handshake steps.",
		}),
		remoteCallFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ta_bridge_remote_call_errors_total",
			Help: "The total number of failed calls to the device control service.",
		}, []string{"action"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.sessionsActive, m.peripheralsQueued, m.endpointsQueued, m.readsOutstanding,
			m.sessionsTotal, m.bytesToEndpoint, m.bytesToPeripheral, m.messagesDropped,
			m.transferErrors, m.resetsTotal, m.handshakeRetries, m.remoteCallFailures,
		)
	}
	return m
}

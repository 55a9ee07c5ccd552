// Package metrics exposes bridge runtime state as Prometheus metrics,
// gathered from its providers at scrape time.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CallsProvider exposes the live call population.
type CallsProvider interface {
	ActiveCount() int
}

// PortsProvider exposes the RTP port pool occupancy.
type PortsProvider interface {
	InUse() int
	Size() int
}

// RTPStatsProvider returns aggregate RTP traffic counters across all
// live calls.
type RTPStatsProvider interface {
	PacketsSent() uint64
	BytesSent() uint64
	PacketsReceived() uint64
	BytesReceived() uint64
}

// PBXProvider reports whether the control connection is up.
type PBXProvider interface {
	Connected() bool
}

// Collector is a prometheus.Collector that reads all providers at scrape
// time. Any provider may be nil if unavailable.
type Collector struct {
	calls     CallsProvider
	ports     PortsProvider
	rtp       RTPStatsProvider
	pbx       PBXProvider
	startTime time.Time

	activeCallsDesc     *prometheus.Desc
	portsInUseDesc      *prometheus.Desc
	portsTotalDesc      *prometheus.Desc
	rtpPacketsSentDesc  *prometheus.Desc
	rtpBytesSentDesc    *prometheus.Desc
	rtpPacketsRecvDesc  *prometheus.Desc
	rtpBytesRecvDesc    *prometheus.Desc
	pbxConnectedDesc    *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates the bridge metrics collector.
func NewCollector(calls CallsProvider, ports PortsProvider, rtp RTPStatsProvider, pbx PBXProvider, startTime time.Time) *Collector {
	return &Collector{
		calls:     calls,
		ports:     ports,
		rtp:       rtp,
		pbx:       pbx,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voicebridge_active_calls",
			"Number of currently live bridged calls",
			nil, nil,
		),
		portsInUseDesc: prometheus.NewDesc(
			"voicebridge_rtp_ports_in_use",
			"RTP ports currently allocated from the pool",
			nil, nil,
		),
		portsTotalDesc: prometheus.NewDesc(
			"voicebridge_rtp_ports_total",
			"Size of the RTP port pool",
			nil, nil,
		),
		rtpPacketsSentDesc: prometheus.NewDesc(
			"voicebridge_rtp_packets_sent_total",
			"Total RTP packets paced toward the PBX across all calls",
			nil, nil,
		),
		rtpBytesSentDesc: prometheus.NewDesc(
			"voicebridge_rtp_bytes_sent_total",
			"Total RTP payload bytes paced toward the PBX across all calls",
			nil, nil,
		),
		rtpPacketsRecvDesc: prometheus.NewDesc(
			"voicebridge_rtp_packets_received_total",
			"Total RTP packets received from the PBX across all calls",
			nil, nil,
		),
		rtpBytesRecvDesc: prometheus.NewDesc(
			"voicebridge_rtp_bytes_received_total",
			"Total RTP payload bytes received from the PBX across all calls",
			nil, nil,
		),
		pbxConnectedDesc: prometheus.NewDesc(
			"voicebridge_pbx_connected",
			"Whether the ARI event stream is connected (1) or not (0)",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voicebridge_uptime_seconds",
			"Seconds since the bridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.portsInUseDesc
	ch <- c.portsTotalDesc
	ch <- c.rtpPacketsSentDesc
	ch <- c.rtpBytesSentDesc
	ch <- c.rtpPacketsRecvDesc
	ch <- c.rtpBytesRecvDesc
	ch <- c.pbxConnectedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.ActiveCount()),
		)
	}

	if c.ports != nil {
		ch <- prometheus.MustNewConstMetric(
			c.portsInUseDesc, prometheus.GaugeValue,
			float64(c.ports.InUse()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.portsTotalDesc, prometheus.GaugeValue,
			float64(c.ports.Size()),
		)
	}

	if c.rtp != nil {
		ch <- prometheus.MustNewConstMetric(
			c.rtpPacketsSentDesc, prometheus.CounterValue,
			float64(c.rtp.PacketsSent()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpBytesSentDesc, prometheus.CounterValue,
			float64(c.rtp.BytesSent()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpPacketsRecvDesc, prometheus.CounterValue,
			float64(c.rtp.PacketsReceived()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpBytesRecvDesc, prometheus.CounterValue,
			float64(c.rtp.BytesReceived()),
		)
	}

	if c.pbx != nil {
		val := 0.0
		if c.pbx.Connected() {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.pbxConnectedDesc, prometheus.GaugeValue, val,
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

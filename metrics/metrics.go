// Package metrics exposes per-connection counters as a
// prometheus.Collector, for callers who run their own metrics endpoint.
// The library never registers into prometheus.DefaultRegisterer itself;
// callers opt in by registering the Collector returned from
// Socket.Collector().
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnStats holds atomic counters updated by the Writer and Reader as a
// connection runs. A zero-value ConnStats is ready to use.
type ConnStats struct {
	BytesSent                uint64
	BytesRecv                uint64
	PacketsSent              uint64
	PacketsRecv              uint64
	StaleDropped             uint64
	DatagramsDropped         uint64
	OversizeDatagramsDropped uint64
}

// AddBytesSent atomically adds n to BytesSent.
func (s *ConnStats) AddBytesSent(n uint64) { atomic.AddUint64(&s.BytesSent, n) }

// AddBytesRecv atomically adds n to BytesRecv.
func (s *ConnStats) AddBytesRecv(n uint64) { atomic.AddUint64(&s.BytesRecv, n) }

// IncPacketsSent atomically increments PacketsSent.
func (s *ConnStats) IncPacketsSent() { atomic.AddUint64(&s.PacketsSent, 1) }

// IncPacketsRecv atomically increments PacketsRecv.
func (s *ConnStats) IncPacketsRecv() { atomic.AddUint64(&s.PacketsRecv, 1) }

// IncStaleDropped atomically increments StaleDropped.
func (s *ConnStats) IncStaleDropped() { atomic.AddUint64(&s.StaleDropped, 1) }

// IncDatagramsDropped atomically increments DatagramsDropped.
func (s *ConnStats) IncDatagramsDropped() { atomic.AddUint64(&s.DatagramsDropped, 1) }

// IncOversizeDatagramsDropped atomically increments OversizeDatagramsDropped.
func (s *ConnStats) IncOversizeDatagramsDropped() {
	atomic.AddUint64(&s.OversizeDatagramsDropped, 1)
}

// Snapshot returns a consistent-enough point-in-time copy of the counters.
// Individual fields may be read slightly out of sync with each other under
// concurrent updates; this is acceptable for monitoring purposes.
func (s *ConnStats) Snapshot() ConnStats {
	return ConnStats{
		BytesSent:                atomic.LoadUint64(&s.BytesSent),
		BytesRecv:                atomic.LoadUint64(&s.BytesRecv),
		PacketsSent:              atomic.LoadUint64(&s.PacketsSent),
		PacketsRecv:              atomic.LoadUint64(&s.PacketsRecv),
		StaleDropped:             atomic.LoadUint64(&s.StaleDropped),
		DatagramsDropped:         atomic.LoadUint64(&s.DatagramsDropped),
		OversizeDatagramsDropped: atomic.LoadUint64(&s.OversizeDatagramsDropped),
	}
}

var (
	bytesSentDesc = prometheus.NewDesc(
		"qnet_connection_bytes_sent_total", "Total bytes written to the connection.",
		[]string{"remote_addr"}, nil)
	bytesRecvDesc = prometheus.NewDesc(
		"qnet_connection_bytes_received_total", "Total bytes read from the connection.",
		[]string{"remote_addr"}, nil)
	packetsSentDesc = prometheus.NewDesc(
		"qnet_connection_packets_sent_total", "Total packets sent on the connection.",
		[]string{"remote_addr"}, nil)
	packetsRecvDesc = prometheus.NewDesc(
		"qnet_connection_packets_received_total", "Total packets received on the connection.",
		[]string{"remote_addr"}, nil)
	staleDroppedDesc = prometheus.NewDesc(
		"qnet_connection_stale_dropped_total", "Packets dropped by the stale-sequence filter.",
		[]string{"remote_addr"}, nil)
	datagramsDroppedDesc = prometheus.NewDesc(
		"qnet_connection_datagrams_dropped_total", "Datagrams dropped (decode error or other).",
		[]string{"remote_addr"}, nil)
	oversizeDroppedDesc = prometheus.NewDesc(
		"qnet_connection_oversize_datagrams_dropped_total", "Datagrams dropped for exceeding the transport's max datagram size.",
		[]string{"remote_addr"}, nil)
)

// Collector adapts a *ConnStats into a prometheus.Collector, labelled by
// the connection's remote address.
type Collector struct {
	stats      *ConnStats
	remoteAddr string
}

// NewCollector returns a Collector reading from stats, labelling every
// exported series with remoteAddr.
func NewCollector(stats *ConnStats, remoteAddr string) *Collector {
	return &Collector{stats: stats, remoteAddr: remoteAddr}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- bytesSentDesc
	ch <- bytesRecvDesc
	ch <- packetsSentDesc
	ch <- packetsRecvDesc
	ch <- staleDroppedDesc
	ch <- datagramsDroppedDesc
	ch <- oversizeDroppedDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	ch <- prometheus.MustNewConstMetric(bytesSentDesc, prometheus.CounterValue, float64(snap.BytesSent), c.remoteAddr)
	ch <- prometheus.MustNewConstMetric(bytesRecvDesc, prometheus.CounterValue, float64(snap.BytesRecv), c.remoteAddr)
	ch <- prometheus.MustNewConstMetric(packetsSentDesc, prometheus.CounterValue, float64(snap.PacketsSent), c.remoteAddr)
	ch <- prometheus.MustNewConstMetric(packetsRecvDesc, prometheus.CounterValue, float64(snap.PacketsRecv), c.remoteAddr)
	ch <- prometheus.MustNewConstMetric(staleDroppedDesc, prometheus.CounterValue, float64(snap.StaleDropped), c.remoteAddr)
	ch <- prometheus.MustNewConstMetric(datagramsDroppedDesc, prometheus.CounterValue, float64(snap.DatagramsDropped), c.remoteAddr)
	ch <- prometheus.MustNewConstMetric(oversizeDroppedDesc, prometheus.CounterValue, float64(snap.OversizeDatagramsDropped), c.remoteAddr)
}

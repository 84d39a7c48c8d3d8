// Package netdiag exposes Prometheus metrics for the link layer
// (frames sent/received per path, CRC failures, handshake outcomes)
// and a TCPInfoCollector that samples TCP_INFO off the live sockets a
// frame.TCPCodec holds, grounded on the exporter pattern of the
// retrieved sockstats package: a tracked-connections map drained on
// each Collect call rather than pushed per-sample.
package netdiag

import (
	"net"
	"sync"

	"github.com/higebu/netfd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"golang.org/x/sys/unix"
)

// Metrics bundles the counters/gauges the link layer updates. Callers
// register it once with a prometheus.Registerer and pass it down to
// endpoint/dispatch call sites via the wrapping it does in server.
type Metrics struct {
	FramesSent       *prometheus.CounterVec
	FramesReceived   *prometheus.CounterVec
	CrcFailures      *prometheus.CounterVec
	HandshakeAttempt *prometheus.CounterVec
	HandshakeTimeout *prometheus.CounterVec
	TsUpdates        *prometheus.CounterVec
	LinkState        *prometheus.GaugeVec
}

// NewMetrics builds and registers the metric set under the "hnz_"
// prefix. Each vector is labeled by "path" (A or B).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hnz_frames_sent_total",
			Help: "Frames transmitted, per path.",
		}, []string{"path"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hnz_frames_received_total",
			Help: "Frames accepted (CRC ok), per path.",
		}, []string{"path"}),
		CrcFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hnz_crc_failures_total",
			Help: "Frames dropped for a CRC mismatch, per path.",
		}, []string{"path"}),
		HandshakeAttempt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hnz_handshake_attempts_total",
			Help: "SARM/UA handshake attempts, per path.",
		}, []string{"path"}),
		HandshakeTimeout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hnz_handshake_timeouts_total",
			Help: "SARM/UA handshake attempts that timed out, per path.",
		}, []string{"path"}),
		TsUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hnz_ts_updates_total",
			Help: "TS readings folded into the shared TsImage, per path.",
		}, []string{"path"}),
		LinkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hnz_link_state",
			Help: "Current LinkStateMachine.State as an integer (0=disconnected..3=connected), per path.",
		}, []string{"path"}),
	}

	reg.MustRegister(m.FramesSent, m.FramesReceived, m.CrcFailures,
		m.HandshakeAttempt, m.HandshakeTimeout, m.TsUpdates, m.LinkState)
	return m
}

// PathRecorder adapts Metrics to one path's "A"/"B" label. Its method set
// matches endpoint.Metrics structurally, so endpoint never needs to
// import netdiag to accept one.
type PathRecorder struct {
	m    *Metrics
	path string
}

// ForPath returns a recorder that labels every counter/gauge update
// with path.
func (m *Metrics) ForPath(path string) *PathRecorder {
	return &PathRecorder{m: m, path: path}
}

func (r *PathRecorder) FrameSent()        { r.m.FramesSent.WithLabelValues(r.path).Inc() }
func (r *PathRecorder) FrameReceived()    { r.m.FramesReceived.WithLabelValues(r.path).Inc() }
func (r *PathRecorder) CrcFailure()       { r.m.CrcFailures.WithLabelValues(r.path).Inc() }
func (r *PathRecorder) HandshakeAttempt() { r.m.HandshakeAttempt.WithLabelValues(r.path).Inc() }
func (r *PathRecorder) HandshakeTimeout() { r.m.HandshakeTimeout.WithLabelValues(r.path).Inc() }
func (r *PathRecorder) TsUpdate()         { r.m.TsUpdates.WithLabelValues(r.path).Inc() }
func (r *PathRecorder) LinkState(value int) {
	r.m.LinkState.WithLabelValues(r.path).Set(float64(value))
}

type trackedConn struct {
	fd     int
	labels []string
}

// TCPInfoCollector samples Linux TCP_INFO for a set of tracked
// connections on each Prometheus scrape. Connections are added when a
// path's codec accepts a peer and removed on disconnect.
type TCPInfoCollector struct {
	mu    sync.Mutex
	conns map[net.Conn]trackedConn

	descs    []*prometheus.Desc
	samplers []func(*unix.TCPInfo, []string) prometheus.Metric

	onError func(error)
}

// NewTCPInfoCollector builds a collector with two labels ("path" and
// "conn_id") and a small set of the most actionable TCP_INFO fields.
func NewTCPInfoCollector(onError func(error)) *TCPInfoCollector {
	c := &TCPInfoCollector{
		conns:   make(map[net.Conn]trackedConn),
		onError: onError,
	}

	c.add("hnz_tcp_rtt_microseconds", "Smoothed round-trip time.", prometheus.GaugeValue,
		func(ti *unix.TCPInfo) float64 { return float64(ti.Rtt) })
	c.add("hnz_tcp_retransmits_total", "Retransmit count reported by the kernel.", prometheus.CounterValue,
		func(ti *unix.TCPInfo) float64 { return float64(ti.Retransmits) })
	c.add("hnz_tcp_unacked_segments", "Segments currently unacknowledged.", prometheus.GaugeValue,
		func(ti *unix.TCPInfo) float64 { return float64(ti.Unacked) })

	return c
}

// add registers one TCP_INFO field as its own metric. idx is bound at
// registration time so each sampler closure reads its own desc rather
// than whichever was registered last.
func (c *TCPInfoCollector) add(name, help string, valueType prometheus.ValueType, extract func(*unix.TCPInfo) float64) {
	idx := len(c.descs)
	c.descs = append(c.descs, prometheus.NewDesc(name, help, []string{"path", "conn_id"}, nil))
	c.samplers = append(c.samplers, func(ti *unix.TCPInfo, labels []string) prometheus.Metric {
		return prometheus.MustNewConstMetric(c.descs[idx], valueType, extract(ti), labels...)
	})
}

// Track starts sampling conn under the given path label ("A" or "B").
// Each tracked connection gets its own xid-generated conn_id label so a
// path's successive reconnects don't collide on the same series,
// matching the per-connection label the retrieved sockstats exporter
// example stamps with xid.New() on each accepted socket.
func (c *TCPInfoCollector) Track(conn net.Conn, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[conn] = trackedConn{fd: netfd.GetFdFromConn(conn), labels: []string{path, xid.New().String()}}
}

// Untrack stops sampling conn (call on disconnect).
func (c *TCPInfoCollector) Untrack(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, conn)
}

// Describe implements prometheus.Collector.
func (c *TCPInfoCollector) Describe(out chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		out <- d
	}
}

// Collect implements prometheus.Collector, sampling TCP_INFO for
// every tracked connection. A socket that no longer answers
// getsockopt is dropped from the tracked set and logged via onError.
func (c *TCPInfoCollector) Collect(out chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for conn, entry := range c.conns {
		ti, err := unix.GetsockoptTCPInfo(entry.fd, unix.IPPROTO_TCP, unix.TCP_INFO)
		if err != nil {
			if c.onError != nil {
				c.onError(err)
			}
			delete(c.conns, conn)
			continue
		}
		for _, sample := range c.samplers {
			out <- sample(ti, entry.labels)
		}
	}
}

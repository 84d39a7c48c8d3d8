// Package server implements DualPathServer (spec.md §4.11): two
// PathEndpoints, each supervised by its own loop that keeps it ready
// and restarts it if the link drops while the process is still
// running.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fledge-power/hnz-north-go/config"
	"github.com/fledge-power/hnz-north-go/dispatch"
	"github.com/fledge-power/hnz-north-go/endpoint"
	"github.com/fledge-power/hnz-north-go/frame"
	"github.com/fledge-power/hnz-north-go/linklayer"
	"github.com/fledge-power/hnz-north-go/message"
	"github.com/fledge-power/hnz-north-go/netdiag"
	"github.com/fledge-power/hnz-north-go/telemetry"
	"github.com/fledge-power/hnz-north-go/tsimage"
)

const (
	readyTimeout   = 10 * time.Second
	supervisorPace = 2 * time.Second
	restartSettle  = 2 * time.Second
)

// CodecFactory builds a fresh frame.Codec for a path; production wiring
// supplies frame.NewTCPCodec, tests supply an in-memory double.
type CodecFactory func(log *logrus.Entry) frame.Codec

// DualPathServer owns paths A and B and the TsImage they share.
type DualPathServer struct {
	log   *logrus.Entry
	image *tsimage.Image

	cfgMu    sync.Mutex
	cfg      config.Protocol
	newCodec CodecFactory

	pathA *endpoint.PathEndpoint
	pathB *endpoint.PathEndpoint

	metrics   *netdiag.Metrics
	telemetry *telemetry.Publisher

	running atomic.Bool
	wg      sync.WaitGroup
}

// New builds a DualPathServer from a parsed protocol configuration and
// an operation sink shared by both paths' dispatchers.
func New(cfg config.Protocol, sink dispatch.OperationSink, newCodec CodecFactory, log *logrus.Entry) *DualPathServer {
	image := &tsimage.Image{}

	s := &DualPathServer{
		log:      log,
		image:    image,
		cfg:      cfg,
		newCodec: newCodec,
	}
	s.buildPaths(sink)
	return s
}

func (s *DualPathServer) buildPaths(sink dispatch.OperationSink) {
	logA := s.log.WithField("path", "A")
	logB := s.log.WithField("path", "B")

	dispA := dispatch.New(sink, logA)
	dispB := dispatch.New(sink, logB)

	s.pathA = endpoint.New(s.newCodec(logA), uint8(s.cfg.RemoteStationAddr), s.image, dispA, logA)
	s.pathB = endpoint.New(s.newCodec(logB), uint8(s.cfg.RemoteStationAddr), s.image, dispB, logB)
	s.pathA.SetAcksDisabled(s.cfg.AckDisabled)
	s.pathB.SetAcksDisabled(s.cfg.AckDisabled)
}

// Image returns the TsImage shared by both paths, for readings that
// are ingested directly rather than through a path's pending queue.
func (s *DualPathServer) Image() *tsimage.Image { return s.image }

// PathA and PathB expose the endpoints for enqueuing readings.
func (s *DualPathServer) PathA() *endpoint.PathEndpoint { return s.pathA }
func (s *DualPathServer) PathB() *endpoint.PathEndpoint { return s.pathB }

// PathStatus is a read-only snapshot of one path's link state, the
// collapsed replacement for the original plugin's separate
// ConnectionStatus/GiStatus enumerations (SPEC_FULL.md §5): both
// facets are derived from the single linklayer.StateMachine rather
// than tracked independently.
type PathStatus struct {
	Path      string
	State     linklayer.State
	CgSent    bool
	Running   bool
	PendingNo int
}

// StatusA and StatusB return a PathStatus snapshot for each path,
// useful for admin/diagnostic tooling that wants both facets of link
// health without reaching into PathEndpoint internals.
func (s *DualPathServer) StatusA() PathStatus { return statusOf("A", s.pathA) }
func (s *DualPathServer) StatusB() PathStatus { return statusOf("B", s.pathB) }

func statusOf(path string, ep *endpoint.PathEndpoint) PathStatus {
	return PathStatus{
		Path:      path,
		State:     ep.State(),
		CgSent:    ep.CgSent(),
		Running:   ep.IsRunning(),
		PendingNo: ep.PendingLen(),
	}
}

// SetMetrics attaches the Prometheus counters/gauges described in
// SPEC_FULL.md §4 to both paths, labeling each with its own "A"/"B"
// recorder (netdiag.PathRecorder). If tcpInfo is non-nil and a path's
// codec is a *frame.TCPCodec, its live connection is tracked/untracked
// through tcpInfo for TCP_INFO sampling.
func (s *DualPathServer) SetMetrics(m *netdiag.Metrics, tcpInfo *netdiag.TCPInfoCollector) {
	s.metrics = m
	s.pathA.SetMetrics(m.ForPath("A"))
	s.pathB.SetMetrics(m.ForPath("B"))

	if tcpInfo != nil {
		wireTCPInfo(s.pathA.Codec(), tcpInfo, "A")
		wireTCPInfo(s.pathB.Codec(), tcpInfo, "B")
	}
}

func wireTCPInfo(codec frame.Codec, tcpInfo *netdiag.TCPInfoCollector, path string) {
	tc, ok := codec.(*frame.TCPCodec)
	if !ok {
		return
	}
	tc.OnConnect(func(conn net.Conn) { tcpInfo.Track(conn, path) })
	tc.OnDisconnect(func(conn net.Conn) { tcpInfo.Untrack(conn) })
}

// SetTelemetry attaches an optional Redis publisher; nil disables
// telemetry entirely (every Publisher method is already a nil-safe
// no-op, matching the "optional collaborator" shape of SPEC_FULL.md §4).
func (s *DualPathServer) SetTelemetry(pub *telemetry.Publisher) {
	s.telemetry = pub
}

// Start begins listening on both ports and spawns the two supervisor
// loops.
func (s *DualPathServer) Start() error {
	s.cfgMu.Lock()
	portA, portB := s.cfg.PortPathA, s.cfg.PortPathB
	s.cfgMu.Unlock()

	if err := s.pathA.Start(portA); err != nil {
		return err
	}
	if err := s.pathB.Start(portB); err != nil {
		s.pathA.Stop()
		return err
	}

	s.running.Store(true)
	s.wg.Add(2)
	go s.supervise(s.pathA, "A", portA)
	go s.supervise(s.pathB, "B", portB)
	return nil
}

// Reconfigure validates cfg before swapping it in: an invalid
// remote_station_addr is rejected and logged, and the previously
// running endpoints are left untouched (spec.md §7, "ConfigInvalid").
// A valid swap stops and restarts both paths under the new
// configuration, per spec.md §3 ("Config is replaced atomically on
// reconfigure; the running endpoints are stopped and restarted").
func (s *DualPathServer) Reconfigure(cfg config.Protocol) error {
	if cfg.RemoteStationAddr > config.MaxRemoteStationAddr {
		s.log.WithField("remote_station_addr", cfg.RemoteStationAddr).
			Error("reconfigure rejected: remote_station_addr out of range")
		return config.ErrInvalidRSA
	}

	wasRunning := s.running.Load()
	if wasRunning {
		s.Stop()
	}

	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
	s.pathA.SetAcksDisabled(cfg.AckDisabled)
	s.pathB.SetAcksDisabled(cfg.AckDisabled)

	if wasRunning {
		return s.Start()
	}
	return nil
}

// Stop clears the running flag and stops both paths, joining their
// supervisor loops.
func (s *DualPathServer) Stop() {
	s.running.Store(false)
	s.pathA.Stop()
	s.pathB.Stop()
	s.wg.Wait()
}

// Ingest encodes each reading per message.Encode, folds TS readings
// into the shared TsImage, and enqueues the wire payload onto both
// paths' pending queues — each path is an independently redundant
// link, so both must eventually deliver every reading. It returns the
// count of readings successfully encoded, preserving the original's
// inverted-sense "number sent" convention flagged as suspect in
// spec.md §9: an unknown msg_code is filtered out of that count, not
// added to it.
func (s *DualPathServer) Ingest(readings []message.IngestParameters) uint32 {
	var ingested uint32
	for _, r := range readings {
		payload, valueBit, validBit, err := message.Encode(r)
		if err != nil {
			s.log.WithError(err).WithField("msg_code", r.MsgCode).Warn("dropping reading with unknown msg_code")
			continue
		}
		ingested++

		if r.MsgCode == message.MsgTS {
			// Matches spec.md §4.10's literal set_ts(addr, value_bit,
			// valid_bit) call: the image's "valid" slot receives the
			// encoded value bit and its "open" slot receives the valid
			// bit, preserved here even though the naming looks swapped.
			s.image.Set(uint8(r.MsgAddress), valueBit == 1, validBit == 1)
			if s.metrics != nil {
				s.metrics.TsUpdates.WithLabelValues("A").Inc()
				s.metrics.TsUpdates.WithLabelValues("B").Inc()
			}
		}

		s.pathA.Enqueue(append([]byte(nil), payload...))
		s.pathB.Enqueue(append([]byte(nil), payload...))

		if s.telemetry != nil {
			s.telemetry.PublishReading(context.Background(), r.Label, fmt.Sprint(r.Value), r.Outdated, r.QualityUpdate)
		}
	}
	return ingested
}

// supervise is the per-path loop of spec.md §4.11: keep the endpoint
// ready, and if it stops running while the process is still up,
// restart it with a full TCP reset and handshake.
func (s *DualPathServer) supervise(ep *endpoint.PathEndpoint, path string, port int) {
	defer s.wg.Done()

	for s.running.Load() {
		// A link that was connected but whose receive loop has exited
		// has dropped: reset it before handshaking again, since
		// WaitReady would otherwise treat the stale connected state as
		// ready.
		if !ep.IsRunning() && ep.State() == linklayer.Connected && s.running.Load() {
			s.log.WithField("path", path).Warn("path stopped unexpectedly, restarting")
			ep.Stop()
			if err := ep.Start(port); err != nil {
				s.log.WithField("path", path).WithError(err).Error("failed restarting path")
			}
			time.Sleep(restartSettle)
			continue
		}

		if !ep.IsRunning() {
			if !ep.WaitReady(readyTimeout) {
				s.log.WithField("path", path).Warn("path not ready, will retry")
				time.Sleep(supervisorPace)
				continue
			}
		}

		if s.telemetry != nil {
			s.telemetry.PublishLinkState(context.Background(), path, ep.State())
		}
		time.Sleep(supervisorPace)
	}
}

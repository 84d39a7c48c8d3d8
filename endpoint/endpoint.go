// Package endpoint implements PathEndpoint, the per-path state owner
// described in spec.md §4.4: it drives one FrameCodec through the
// SARM/UA handshake, then the steady-state receive loop, handing
// decoded events to an EventHandler and serializing outbound readings
// through its pending queue.
package endpoint

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fledge-power/hnz-north-go/frame"
	"github.com/fledge-power/hnz-north-go/linklayer"
	"github.com/fledge-power/hnz-north-go/message"
	"github.com/fledge-power/hnz-north-go/tsimage"
)

const (
	sarmInterval     = 3 * time.Second
	receivePace      = 1 * time.Second
	pendingDrainGap  = 500 * time.Millisecond
	stopJoinTimeout  = 10 * time.Second
	observerCapacity = 32
)

// PreTCACKDelay is the fixed pause between acknowledging a TC with RR
// and transmitting its TCACK (spec.md §4.8). The source hard-codes it;
// whether it is protocol-required or a pacing artifact is unclear, so
// it is preserved for fidelity rather than tuned (spec.md §9).
const PreTCACKDelay = 3 * time.Second

// EventHandler receives one decoded application-layer event per call,
// along with the PathEndpoint it arrived on so it can use the sending
// primitives and pending queue. Implemented by dispatch.Dispatcher.
type EventHandler interface {
	Handle(ep *PathEndpoint, ev message.Event)
}

// Metrics receives the counters a PathEndpoint updates as it operates.
// A nil Metrics is valid everywhere it's held; every call site nil-checks
// before invoking it. Kept as a small structural interface here rather
// than a direct netdiag.Metrics field so this package doesn't need to
// import netdiag just to report through it (see netdiag.PathRecorder).
type Metrics interface {
	FrameSent()
	FrameReceived()
	CrcFailure()
	HandshakeAttempt()
	HandshakeTimeout()
	LinkState(value int)
}

// PathEndpoint owns one FrameCodec, its LinkStateMachine, the shared
// TsImage, a pending outbound queue, and test-only observed-frame
// buffers. All exported methods are safe for concurrent use.
type PathEndpoint struct {
	log     *logrus.Entry
	codec   frame.Codec
	sm      *linklayer.StateMachine
	image   *tsimage.Image
	metrics Metrics

	addrA, addrB byte
	port         int

	handler EventHandler

	running atomic.Bool
	wg      sync.WaitGroup

	// sendMu serializes every frame transmission on this path so that
	// composing the control byte (which reads ns/nr) and advancing ns
	// happen as one atomic step relative to other senders — the
	// dispatcher's delayed TCACK goroutine and the pending-queue drain
	// can otherwise race with each other (spec.md §5: "ns advances
	// exactly once per transmitted I-frame" requires senders on a path
	// to be strictly sequenced).
	sendMu sync.Mutex

	pendingMu sync.Mutex
	pending   [][]byte

	observeMu    sync.Mutex
	observing    bool
	lastReceived []observedFrame
	lastSent     []observedFrame
}

type observedFrame struct {
	control byte
	payload []byte
}

// New builds a PathEndpoint for the given remote station address,
// deriving addr_A/addr_B per linklayer.Addresses. image is the shared
// TsImage both paths serialize TSCG from; handler receives decoded
// events off the receive loop.
func New(codec frame.Codec, rsa uint8, image *tsimage.Image, handler EventHandler, log *logrus.Entry) *PathEndpoint {
	addrA, addrB := linklayer.Addresses(rsa)
	return &PathEndpoint{
		log:     log,
		codec:   codec,
		sm:      &linklayer.StateMachine{},
		image:   image,
		addrA:   addrA,
		addrB:   addrB,
		handler: handler,
	}
}

// Start begins listening on port; the codec's own accept thread
// handles the single incoming connection.
func (e *PathEndpoint) Start(port int) error {
	e.port = port
	return e.codec.Start(port)
}

// Stop clears is_running, resets the link state and stops the codec —
// which closes the listener and any connection, unblocking whatever
// blocking read the receive loop is parked on — then joins the
// receive loop with a bounded wait. If the loop does not exit within
// that window it is abandoned rather than allowed to hang shutdown
// (spec.md §4.4, §9: a cancellable reader replaces the source's
// accept-thread join entirely; the bound is kept only as a backstop).
func (e *PathEndpoint) Stop() {
	e.running.Store(false)
	e.sm.Reset()
	e.codec.Stop()
	e.join(stopJoinTimeout)
}

func (e *PathEndpoint) join(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		e.log.Warn("receive loop did not stop within the bounded join window, abandoning it")
	}
}

// IsRunning reports whether the steady-state receive loop is active.
func (e *PathEndpoint) IsRunning() bool {
	return e.running.Load()
}

// State returns the current link state.
func (e *PathEndpoint) State() linklayer.State {
	return e.sm.State()
}

// Image returns the shared TsImage this endpoint serializes TSCG from.
func (e *PathEndpoint) Image() *tsimage.Image {
	return e.image
}

// AddrA and AddrB return the path's two link addresses.
func (e *PathEndpoint) AddrA() byte { return e.addrA }
func (e *PathEndpoint) AddrB() byte { return e.addrB }

// Codec returns the underlying frame.Codec, so an observer (netdiag's
// TCPInfoCollector) can attach to the live connection when the codec
// happens to be a *frame.TCPCodec.
func (e *PathEndpoint) Codec() frame.Codec { return e.codec }

// CgSent reports whether a TSCG has been dispatched since the last
// Reset, gating the pending-queue drain per spec.md §5.
func (e *PathEndpoint) CgSent() bool { return e.sm.CgSent() }

// SetCgSent marks the CG-sent gate.
func (e *PathEndpoint) SetCgSent(v bool) { e.sm.SetCgSent(v) }

// AcksDisabled reports whether the receive loop's auto-ack suppression
// switch (spec.md §4.4's ack_disabled) is set.
func (e *PathEndpoint) AcksDisabled() bool { return e.sm.AcksDisabled() }

// SetAcksDisabled toggles the suppression switch: when set,
// dispatchControl stops auto-replying SARM/UA to received
// UA/SARM/DISC frames (a test/diagnostic knob, not a handshake gate —
// the handshake loop in handshake.go still exchanges SARM/UA normally
// so a path can connect in the first place).
func (e *PathEndpoint) SetAcksDisabled(v bool) { e.sm.SetAcksDisabled(v) }

// EnableObserving turns on the test-only observed-frame buffers
// (spec.md §9: feature-gated rather than always-on intrusive state).
func (e *PathEndpoint) EnableObserving() {
	e.observeMu.Lock()
	defer e.observeMu.Unlock()
	e.observing = true
}

// SetMetrics attaches a Metrics sink; nil detaches it.
func (e *PathEndpoint) SetMetrics(m Metrics) { e.metrics = m }

func (e *PathEndpoint) reportLinkState() {
	if e.metrics != nil {
		e.metrics.LinkState(int(e.sm.State()))
	}
}

func (e *PathEndpoint) clearObserved() {
	e.observeMu.Lock()
	defer e.observeMu.Unlock()
	e.lastReceived = nil
	e.lastSent = nil
}

package endpoint

import (
	"time"

	"github.com/fledge-power/hnz-north-go/linklayer"
)

// SendInformation prepends the information control byte (N(R)/N(S)/P
// from the link state machine) to payload, transmits it addressed to
// addr_B, then advances N(S). repeat is the P/F bit used when
// retransmitting (spec.md §4.9). Composition, transmission and the N(S)
// advance happen under sendMu so concurrent senders on this path (the
// dispatcher's delayed TCACK goroutine, the pending-queue drain) can
// never interleave their control bytes.
func (e *PathEndpoint) SendInformation(payload []byte, repeat bool) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	control := e.sm.ControlInfo(repeat)
	body := make([]byte, 0, 1+len(payload))
	body = append(body, control)
	body = append(body, payload...)
	if err := e.codec.SendFrame(e.addrB, body); err != nil {
		return err
	}
	e.sm.OnInfoSent()
	e.recordSent(control, payload)
	if e.metrics != nil {
		e.metrics.FrameSent()
	}
	return nil
}

// SendRR transmits a receive-ready supervisory frame addressed to
// addr_A.
func (e *PathEndpoint) SendRR(repeat bool) error {
	return e.sendRaw(e.addrA, []byte{e.sm.ControlRR(repeat)})
}

// SendREJ transmits a reject supervisory frame addressed to addr_A.
func (e *PathEndpoint) SendREJ(repeat bool) error {
	return e.sendRaw(e.addrA, []byte{e.sm.ControlREJ(repeat)})
}

// SendSARM transmits a bare SARM frame addressed to addr_B.
func (e *PathEndpoint) SendSARM() error {
	return e.sendRaw(e.addrB, []byte{linklayer.SARMCode})
}

// SendUA transmits a bare UA frame addressed to addr_A.
func (e *PathEndpoint) SendUA() error {
	return e.sendRaw(e.addrA, []byte{linklayer.UACode})
}

func (e *PathEndpoint) sendRaw(addr byte, body []byte) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := e.codec.SendFrame(addr, body); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.FrameSent()
	}
	return nil
}

// Enqueue appends an already-encoded reading to the outbound pending
// queue; the dispatcher drains it after the first CG exchange.
func (e *PathEndpoint) Enqueue(payload []byte) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	e.pending = append(e.pending, payload)
}

// PendingLen reports the current queue depth.
func (e *PathEndpoint) PendingLen() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

func (e *PathEndpoint) dequeuePending() ([]byte, bool) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if len(e.pending) == 0 {
		return nil, false
	}
	p := e.pending[0]
	e.pending = e.pending[1:]
	return p, true
}

// DrainPending sends every queued reading as a p=0 information frame,
// pausing pendingDrainGap between sends to respect the center's
// reception cadence (spec.md §4.8, §9). It stops early on the first
// send error, leaving the remainder queued for the next call.
func (e *PathEndpoint) DrainPending() {
	for {
		p, ok := e.dequeuePending()
		if !ok {
			return
		}
		if err := e.SendInformation(p, false); err != nil {
			e.log.WithError(err).Warn("failed sending pending frame")
			return
		}
		time.Sleep(pendingDrainGap)
	}
}

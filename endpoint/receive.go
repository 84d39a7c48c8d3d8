package endpoint

import (
	"time"

	"github.com/fledge-power/hnz-north-go/frame"
	"github.com/fledge-power/hnz-north-go/linklayer"
	"github.com/fledge-power/hnz-north-go/message"
)

// receiveLoop is the steady-state loop of spec.md §4.6. It exits as
// soon as the codec reports disconnection, clearing is_running so a
// supervisor can restart the endpoint.
func (e *PathEndpoint) receiveLoop() {
	defer e.wg.Done()

	for e.running.Load() {
		f, err := e.codec.ReceiveFrame()
		if err != nil {
			e.log.WithError(err).Warn("link dropped")
			e.running.Store(false)
			return
		}

		if f == nil {
			if !e.codec.IsConnected() {
				e.running.Store(false)
				return
			}
			time.Sleep(receivePace)
			continue
		}

		if !e.codec.CheckCRC(f) {
			e.log.Warn("dropping frame with bad CRC")
			if e.metrics != nil {
				e.metrics.CrcFailure()
			}
			time.Sleep(receivePace)
			continue
		}

		if e.metrics != nil {
			e.metrics.FrameReceived()
		}
		e.recordReceived(f.Control(), f.Payload())
		e.dispatchControl(f)

		if !e.codec.IsConnected() {
			e.running.Store(false)
			return
		}
		time.Sleep(receivePace)
	}
}

func (e *PathEndpoint) dispatchControl(f *frame.Frame) {
	control := f.Control()
	switch control {
	case linklayer.UACode:
		if !e.sm.AcksDisabled() {
			if err := e.SendSARM(); err != nil {
				e.log.WithError(err).Warn("sarm send failed")
			}
		}
		e.sm.OnUaReceived()
		e.reportLinkState()
	case linklayer.SARMCode:
		if !e.sm.AcksDisabled() {
			if err := e.SendUA(); err != nil {
				e.log.WithError(err).Warn("ua send failed")
			}
		}
		e.sm.OnSarmReceived()
		e.reportLinkState()
	case linklayer.DISCCode:
		if !e.sm.AcksDisabled() {
			if err := e.SendUA(); err != nil {
				e.log.WithError(err).Warn("ua send failed")
			}
		}
	default:
		if control&1 == 0 {
			e.dispatchInformation(control, f.Payload())
		} else {
			e.dispatchSupervisory(control)
		}
	}
}

func (e *PathEndpoint) dispatchInformation(control byte, payload []byte) {
	// A frame's payload is everything from index 2 onward; len>2 in
	// spec.md terms means at least one payload byte is present here.
	if len(payload) == 0 {
		e.log.Debug("dropping malformed short information frame")
		return
	}
	e.sm.OnInfoReceived()
	ev := message.Decode(control, payload)
	if e.handler != nil {
		e.handler.Handle(e, ev)
	}
}

func (e *PathEndpoint) dispatchSupervisory(control byte) {
	switch control & 0b1111 {
	case 0b0001:
		e.log.Debug("peer RR observed")
	case 0b1001:
		e.log.Debug("peer REJ observed")
	default:
		e.log.WithField("control", control).Debug("unrecognized supervisory frame")
	}
}

func (e *PathEndpoint) recordReceived(control byte, payload []byte) {
	e.observeMu.Lock()
	defer e.observeMu.Unlock()
	if !e.observing {
		return
	}
	e.lastReceived = appendCapped(e.lastReceived, observedFrame{control: control, payload: append([]byte(nil), payload...)})
}

func (e *PathEndpoint) recordSent(control byte, payload []byte) {
	e.observeMu.Lock()
	defer e.observeMu.Unlock()
	if !e.observing {
		return
	}
	e.lastSent = appendCapped(e.lastSent, observedFrame{control: control, payload: append([]byte(nil), payload...)})
}

func appendCapped(buf []observedFrame, f observedFrame) []observedFrame {
	buf = append(buf, f)
	if len(buf) > observerCapacity {
		buf = buf[len(buf)-observerCapacity:]
	}
	return buf
}

// LastReceived returns a copy of the payload of the most recently
// observed inbound frame, or nil if none is buffered (observing must
// have been enabled via EnableObserving; otherwise this is always nil).
func (e *PathEndpoint) LastReceived() []byte {
	e.observeMu.Lock()
	defer e.observeMu.Unlock()
	if len(e.lastReceived) == 0 {
		return nil
	}
	last := e.lastReceived[len(e.lastReceived)-1]
	return append([]byte(nil), last.payload...)
}

// LastSent mirrors LastReceived for outbound frames.
func (e *PathEndpoint) LastSent() []byte {
	e.observeMu.Lock()
	defer e.observeMu.Unlock()
	if len(e.lastSent) == 0 {
		return nil
	}
	last := e.lastSent[len(e.lastSent)-1]
	return append([]byte(nil), last.payload...)
}

// ObservedReceivedCount reports how many inbound frames are currently
// buffered (for tests asserting on traffic volume).
func (e *PathEndpoint) ObservedReceivedCount() int {
	e.observeMu.Lock()
	defer e.observeMu.Unlock()
	return len(e.lastReceived)
}

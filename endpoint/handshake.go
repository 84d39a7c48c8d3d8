package endpoint

import (
	"time"

	"github.com/fledge-power/hnz-north-go/linklayer"
)

// WaitReady runs the SARM/UA handshake (spec.md §4.5) and, once both
// flags are observed, spawns the steady-state receive loop. Calling
// WaitReady on an already-connected endpoint is idempotent and simply
// ensures the receive loop is running (spec.md §8). A failed first
// attempt gets exactly one retry after a codec reset; if the second
// attempt also times out, WaitReady reports false ("not ready").
func (e *PathEndpoint) WaitReady(timeout time.Duration) bool {
	if e.sm.Connected() {
		e.ensureReceiveLoop()
		return true
	}

	if e.runHandshake(timeout) {
		e.ensureReceiveLoop()
		return true
	}
	if e.metrics != nil {
		e.metrics.HandshakeTimeout()
	}

	e.log.Warn("handshake timed out, resetting codec and retrying")
	e.codec.Stop()
	e.sm.Reset()
	if err := e.codec.Start(e.port); err != nil {
		e.log.WithError(err).Error("codec restart failed")
		return false
	}

	if e.runHandshake(timeout) {
		e.ensureReceiveLoop()
		return true
	}
	if e.metrics != nil {
		e.metrics.HandshakeTimeout()
	}

	e.log.Error("handshake failed twice, endpoint not ready")
	return false
}

// runHandshake drives the SARM-sender loop and the frame receiver
// concurrently until both SARM and UA have been observed by the link
// state machine, or timeout elapses.
func (e *PathEndpoint) runHandshake(timeout time.Duration) bool {
	if e.metrics != nil {
		e.metrics.HandshakeAttempt()
	}
	stop := make(chan struct{})
	defer close(stop)
	go e.sarmSenderLoop(stop)

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f, err := e.codec.ReceiveFrame()
		if err != nil {
			return false
		}
		if f != nil && e.codec.CheckCRC(f) {
			switch f.Control() {
			case linklayer.UACode:
				e.sm.OnUaReceived()
			case linklayer.SARMCode:
				e.sm.OnSarmReceived()
				if err := e.SendUA(); err != nil {
					e.log.WithError(err).Warn("ua send failed")
				}
			default:
				e.log.WithField("control", f.Control()).Debug("ignored frame during handshake")
			}
			e.reportLinkState()
		}
		if e.sm.Connected() {
			return true
		}
	}
	return false
}

func (e *PathEndpoint) sarmSenderLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(sarmInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !e.codec.IsConnected() {
				continue
			}
			if err := e.SendSARM(); err != nil {
				e.log.WithError(err).Warn("sarm send failed")
			}
		}
	}
}

func (e *PathEndpoint) ensureReceiveLoop() {
	if e.running.CompareAndSwap(false, true) {
		e.clearObserved()
		e.wg.Add(1)
		go e.receiveLoop()
	}
}

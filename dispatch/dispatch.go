// Package dispatch implements the application-layer reaction table of
// spec.md §4.8: given a decoded message.Event and the PathEndpoint it
// arrived on, emit the appropriate supervisory/TCACK/TSCG traffic and
// forward commands to an OperationSink.
package dispatch

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fledge-power/hnz-north-go/endpoint"
	"github.com/fledge-power/hnz-north-go/message"
)

// Destination selects where a Dispatcher-invoked operation is routed.
type Destination struct {
	broadcast bool
	service   string
}

// Broadcast routes to every subscriber.
var Broadcast = Destination{broadcast: true}

// ToService routes to a single named service.
func ToService(name string) Destination {
	return Destination{service: name}
}

func (d Destination) String() string {
	if d.broadcast {
		return "broadcast"
	}
	return "service:" + d.service
}

// OperationSink receives commands decoded from Tc/Tvc events. It
// returns the number of names/values pairs it accepted, mirroring the
// host plugin boundary's own return convention.
type OperationSink interface {
	Operation(opName string, names, values []string, destination Destination) int
}

// Dispatcher implements endpoint.EventHandler, reacting to each
// decoded event per spec.md §4.8.
type Dispatcher struct {
	sink OperationSink
	log  *logrus.Entry
}

// New builds a Dispatcher delivering commands to sink.
func New(sink OperationSink, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{sink: sink, log: log}
}

// Handle reacts to one decoded event on ep, per the table in
// spec.md §4.8.
func (d *Dispatcher) Handle(ep *endpoint.PathEndpoint, ev message.Event) {
	switch ev.Kind {
	case message.CgRequest:
		d.handleCgRequest(ep)
	case message.Bulle:
		d.ackWith(ep, ev.P)
	case message.Tc:
		d.handleTc(ep, ev)
	case message.Tvc:
		d.handleTvc(ep, ev)
	case message.TimeUpdate, message.DateUpdate:
		d.ackWith(ep, ev.P)
	default:
		d.handleUnknown(ep, ev)
	}
}

func (d *Dispatcher) ackWith(ep *endpoint.PathEndpoint, p bool) {
	if err := ep.SendRR(p); err != nil {
		d.log.WithError(err).Warn("failed sending RR")
	}
}

// handleCgRequest serializes the shared TsImage into a TSCG payload,
// sends it as the first I-frame, marks the CG-sent gate, then drains
// whatever readings had queued up while no general interrogation had
// happened yet.
func (d *Dispatcher) handleCgRequest(ep *endpoint.PathEndpoint) {
	payload := ep.Image().Serialize()
	if err := ep.SendInformation(payload, false); err != nil {
		d.log.WithError(err).Warn("failed sending TSCG")
		return
	}
	ep.SetCgSent(true)
	ep.DrainPending()
}

func (d *Dispatcher) handleTc(ep *endpoint.PathEndpoint, ev message.Event) {
	d.ackWith(ep, ev.P)

	go func() {
		time.Sleep(endpoint.PreTCACKDelay)

		valueBits := byte(0b01)
		if ev.Open {
			valueBits = 0b10
		}
		tcack := []byte{message.TCACKCode, ev.Ado, 0b1 | (ev.Adb << 5) | (valueBits << 3)}
		if err := ep.SendInformation(tcack, false); err != nil {
			d.log.WithError(err).Warn("failed sending TCACK")
		}

		coAddr := uint(ev.Adb) | (uint(ev.Ado) << 8)
		coValue := "0"
		if ev.Open {
			coValue = "1"
		}
		d.sink.Operation("HNZCommand",
			[]string{"co_type", "co_addr", "co_value"},
			[]string{"TC", fmt.Sprint(coAddr), coValue},
			Broadcast)
	}()
}

func (d *Dispatcher) handleTvc(ep *endpoint.PathEndpoint, ev message.Event) {
	d.ackWith(ep, ev.P)

	coValue := "0"
	if ev.Open {
		coValue = "1"
	}
	d.sink.Operation("HNZCommand",
		[]string{"co_type", "co_addr", "co_value"},
		[]string{"TVC", fmt.Sprint(ev.TvcAddr), coValue},
		Broadcast)
}

// handleUnknown emits exactly one REJ, echoing the offending frame's
// P/F bit, without any further counter advance.
func (d *Dispatcher) handleUnknown(ep *endpoint.PathEndpoint, ev message.Event) {
	if err := ep.SendREJ(ev.P); err != nil {
		d.log.WithError(err).Warn("failed sending REJ")
	}
}

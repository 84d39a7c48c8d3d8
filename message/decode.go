// Package message classifies decoded HNZ I-frame payloads into typed
// events (MessageDecoder, §4.7 of spec.md) and serializes outbound
// readings into the wire layout of TSCE/ATVC/TVCACK/TM4 (MessageEncoder,
// §4.10 of spec.md).
package message

// Application-layer message codes, exact per spec.md §6 and the HNZ
// reference implementation.
const (
	CGCode     byte = 0x13
	TCCode     byte = 0x19
	TimeCode   byte = 0x1D
	DateCode   byte = 0x1C
	TVCCode    byte = 0x1A
	TSCECode   byte = 0x09
	TSCGCode   byte = 0x13
	TM4Code    byte = 0x0C
	TCACKCode  byte = 0x0B
	TVCACKCode byte = 0x0A
)

// Kind discriminates the decoded Event variants.
type Kind int

const (
	Unknown Kind = iota
	CgRequest
	Bulle
	Tc
	Tvc
	TimeUpdate
	DateUpdate
)

func (k Kind) String() string {
	switch k {
	case CgRequest:
		return "cg-request"
	case Bulle:
		return "bulle"
	case Tc:
		return "tc"
	case Tvc:
		return "tvc"
	case TimeUpdate:
		return "time-update"
	case DateUpdate:
		return "date-update"
	default:
		return "unknown"
	}
}

// Event is one decoded I-frame payload, classified per spec.md §4.7.
// Only the fields relevant to Kind are populated.
type Event struct {
	Kind Kind
	P    bool // P/F bit from the control byte, echoed on replies

	// Tc
	Ado  uint8
	Adb  uint8
	Open bool

	// Tvc
	TvcAddr uint8

	// DateUpdate
	Day, Month, Year int
}

// Decode classifies an I-frame payload (data[2:]) given the control
// byte it arrived with. payload must already exclude the address and
// control bytes, i.e. it is frame.Frame.Payload(). The caller (the
// receive loop) is responsible for the len>2 / CRC checks of §4.6
// before calling Decode.
func Decode(control byte, payload []byte) Event {
	p := (control>>4)&1 == 1

	if len(payload) == 0 {
		return Event{Kind: Unknown, P: p}
	}

	code := payload[0]
	switch {
	case code == CGCode && len(payload) > 1 && payload[1] == 0x01:
		return Event{Kind: CgRequest, P: p}

	case code == CGCode && len(payload) > 1 && payload[1] == 0x04:
		return Event{Kind: Bulle, P: p}

	case code == TCCode && len(payload) > 2:
		return Event{
			Kind: Tc,
			P:    p,
			Ado:  payload[1],
			Adb:  (payload[2] >> 5) & 0b111,
			Open: (payload[2]>>3)&0b11 == 0b10,
		}

	case code == TimeCode:
		return Event{Kind: TimeUpdate, P: p}

	case code == DateCode && len(payload) > 3:
		return Event{
			Kind:  DateUpdate,
			P:     p,
			Day:   int(payload[1]),
			Month: int(payload[2]) + 1,
			Year:  1930 + int(payload[3]),
		}

	case code == TVCCode && len(payload) > 2:
		return Event{
			Kind:    Tvc,
			P:       p,
			TvcAddr: payload[1],
			Open:    (payload[2] >> 3) == 0b10,
		}

	default:
		return Event{Kind: Unknown, P: p}
	}
}

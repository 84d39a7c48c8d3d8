// Package config parses the HNZ north plugin's protocol and exchanged
// data configuration categories into typed values the rest of the
// core consumes (spec.md §6). Loading/parsing of the host's config
// categories themselves is out of this core's scope; Config is the
// already-decoded result.
package config

import (
	"encoding/json"
	"fmt"
)

// Defaults mirror the original plugin's constants.
const (
	DefaultPortA              = 9090
	DefaultPortB              = 9091
	DefaultInaccTimeout       = 180
	DefaultMaxSarm            = 30
	DefaultRepeatPath         = 3
	DefaultRepeatTimeout      = 3000
	DefaultAnticipationRatio  = 3
	DefaultGiRepeatCount      = 3
	DefaultGiTime             = 255
	DefaultCAckTime           = 10
	DefaultCmdRecvTimeout     = 100000
	MaxRemoteStationAddr uint = 64
)

// protocolStackDoc and its nested types mirror the JSON shape of
// protocol_stack.* from spec.md §6.
type protocolStackDoc struct {
	ProtocolStack struct {
		TransportLayer struct {
			PortPathA int `json:"port_path_A"`
			PortPathB int `json:"port_path_B"`
		} `json:"transport_layer"`
		ApplicationLayer struct {
			RemoteStationAddr uint   `json:"remote_station_addr"`
			InaccTimeout      uint   `json:"inacc_timeout"`
			MaxSarm           uint   `json:"max_sarm"`
			RepeatPathA       uint   `json:"repeat_path_A"`
			RepeatPathB       uint   `json:"repeat_path_B"`
			RepeatTimeout     uint   `json:"repeat_timeout"`
			AnticipationRatio uint   `json:"anticipation_ratio"`
			GiRepeatCount     uint   `json:"gi_repeat_count"`
			GiTime            uint   `json:"gi_time"`
			CAckTime          uint   `json:"c_ack_time"`
			CmdRecvTimeout    uint   `json:"cmd_recv_timeout"`
			TestMsgSend       string `json:"test_msg_send"`
			TestMsgReceive    string `json:"test_msg_receive"`
			GiSchedule        string `json:"gi_schedule"`
			CmdDest           string `json:"cmd_dest"`
			AckDisabled       bool   `json:"ack_disabled"`
		} `json:"application_layer"`
	} `json:"protocol_stack"`
}

// exchangedDataDoc mirrors exchanged_data.datapoints[*] from spec.md §6.
type exchangedDataDoc struct {
	ExchangedData struct {
		Datapoints []datapointDoc `json:"datapoints"`
	} `json:"exchanged_data"`
}

type datapointDoc struct {
	Label     string        `json:"label"`
	PivotID   string        `json:"pivot_id"`
	PivotType string        `json:"pivot_type"`
	Protocols []protocolDoc `json:"protocols"`
}

type protocolDoc struct {
	Name              string `json:"name"`
	MsgCode           string `json:"typeid"`
	MsgAddress        uint   `json:"address"`
	RemoteStationAddr uint   `json:"remote_station_addr"`
}

// LabelKey identifies a datapoint label by its HNZ wire coordinates.
type LabelKey struct {
	MsgCode           string
	MsgAddress        uint
	RemoteStationAddr uint
}

// Protocol holds the parsed protocol_stack section.
type Protocol struct {
	PortPathA int
	PortPathB int

	RemoteStationAddr uint
	InaccTimeout      uint
	MaxSarm           uint
	RepeatPathA       uint
	RepeatPathB       uint
	RepeatTimeout     uint
	AnticipationRatio uint
	GiRepeatCount     uint
	GiTime            uint
	CAckTime          uint
	CmdRecvTimeout    uint
	TestMsgSend       string
	TestMsgReceive    string
	GiSchedule        string
	CmdDest           string

	// AckDisabled mirrors the original plugin's disableAcks test/
	// diagnostic switch (spec.md §4.4's ack_disabled): when set, a
	// PathEndpoint's receive loop stops auto-replying SARM/UA to
	// received UA/SARM/DISC frames.
	AckDisabled bool
}

// Config is the fully parsed, validated configuration pair. A zero
// Config is not valid; use ParseProtocol/ParseExchangedData.
type Config struct {
	Protocol Protocol

	// Labels maps (msg_code, msg_address, remote_station_addr) to the
	// datapoint label that reported it, built from exchanged_data
	// entries whose protocols[*].name == "hnzip".
	Labels map[LabelKey]string

	// ProtocolComplete is false when ParseProtocol flagged a
	// remote_station_addr above MaxRemoteStationAddr. Missing sections
	// and fields are filled with defaults and leave it true; a document
	// that does not decode makes Load return an error instead. When it
	// is false the caller must keep
	// any already-running endpoints instead of restarting them (see
	// SPEC_FULL.md §5, "Reconfigure semantics").
	ProtocolComplete bool

	// ExchangeComplete mirrors IsExchangeConfigComplete from the
	// original: false only if exchanged_data failed to parse at all.
	ExchangeComplete bool
}

// ErrInvalidRSA flags a remote_station_addr above MaxRemoteStationAddr.
var ErrInvalidRSA = fmt.Errorf("hnz: remote_station_addr exceeds %d", MaxRemoteStationAddr)

// ParseProtocol decodes protocol_stack JSON and applies defaults for
// unset fields. A remote_station_addr greater than 64 makes the
// returned Config incomplete (ProtocolComplete=false) but does not
// stop parsing the rest of the document, matching the original
// plugin's "existing endpoints continue to run" behavior (spec.md §7).
func ParseProtocol(raw []byte) (Protocol, bool, error) {
	var doc protocolStackDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Protocol{}, false, fmt.Errorf("hnz: parse protocol_stack: %w", err)
	}

	al := doc.ProtocolStack.ApplicationLayer
	tl := doc.ProtocolStack.TransportLayer

	p := Protocol{
		PortPathA:         validPort(tl.PortPathA, DefaultPortA),
		PortPathB:         validPort(tl.PortPathB, DefaultPortB),
		RemoteStationAddr: al.RemoteStationAddr,
		InaccTimeout:      orDefault(al.InaccTimeout, DefaultInaccTimeout),
		MaxSarm:           orDefault(al.MaxSarm, DefaultMaxSarm),
		RepeatPathA:       orDefault(al.RepeatPathA, DefaultRepeatPath),
		RepeatPathB:       orDefault(al.RepeatPathB, DefaultRepeatPath),
		RepeatTimeout:     orDefault(al.RepeatTimeout, DefaultRepeatTimeout),
		AnticipationRatio: orDefault(al.AnticipationRatio, DefaultAnticipationRatio),
		GiRepeatCount:     orDefault(al.GiRepeatCount, DefaultGiRepeatCount),
		GiTime:            orDefault(al.GiTime, DefaultGiTime),
		CAckTime:          orDefault(al.CAckTime, DefaultCAckTime),
		CmdRecvTimeout:    orDefault(al.CmdRecvTimeout, DefaultCmdRecvTimeout),
		TestMsgSend:       al.TestMsgSend,
		TestMsgReceive:    al.TestMsgReceive,
		GiSchedule:        al.GiSchedule,
		CmdDest:           al.CmdDest,
		AckDisabled:       al.AckDisabled,
	}

	if p.RemoteStationAddr > MaxRemoteStationAddr {
		return p, false, nil
	}
	return p, true, nil
}

func validPort(v, def int) int {
	if v < 1 || v > 65535 {
		return def
	}
	return v
}

func orDefault(v, def uint) uint {
	if v == 0 {
		return def
	}
	return v
}

// ParseExchangedData decodes exchanged_data JSON into a label index
// keyed by (msg_code, msg_address, remote_station_addr), considering
// only protocols[*] entries named "hnzip".
func ParseExchangedData(raw []byte) (map[LabelKey]string, error) {
	var doc exchangedDataDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("hnz: parse exchanged_data: %w", err)
	}

	labels := make(map[LabelKey]string)
	for _, dp := range doc.ExchangedData.Datapoints {
		for _, proto := range dp.Protocols {
			if proto.Name != "hnzip" {
				continue
			}
			key := LabelKey{
				MsgCode:           proto.MsgCode,
				MsgAddress:        proto.MsgAddress,
				RemoteStationAddr: proto.RemoteStationAddr,
			}
			labels[key] = dp.Label
		}
	}
	return labels, nil
}

// Load parses both documents into a single Config.
func Load(protocolRaw, exchangedRaw []byte) (*Config, error) {
	proto, complete, err := ParseProtocol(protocolRaw)
	if err != nil {
		return nil, err
	}

	labels, err := ParseExchangedData(exchangedRaw)
	exchangeComplete := err == nil
	if err != nil {
		labels = map[LabelKey]string{}
	}

	return &Config{
		Protocol:         proto,
		Labels:           labels,
		ProtocolComplete: complete,
		ExchangeComplete: exchangeComplete,
	}, nil
}

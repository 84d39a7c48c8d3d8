package config

import "testing"

const sampleProtocol = `{
	"protocol_stack": {
		"transport_layer": {"port_path_A": 6001, "port_path_B": 6002},
		"application_layer": {
			"remote_station_addr": 12,
			"inacc_timeout": 60,
			"test_msg_send": "1304",
			"gi_schedule": "99:99"
		}
	}
}`

const sampleExchange = `{
	"exchanged_data": {
		"datapoints": [
			{
				"label": "TS1",
				"pivot_id": "ID1",
				"pivot_type": "SpsTyp",
				"protocols": [
					{"name": "hnzip", "typeid": "TS", "address": 3, "remote_station_addr": 12},
					{"name": "iec104", "typeid": "M_SP_NA_1", "address": 99}
				]
			}
		]
	}
}`

func TestParseProtocolDefaultsAndOverrides(t *testing.T) {
	p, complete, err := ParseProtocol([]byte(sampleProtocol))
	if err != nil {
		t.Fatal(err)
	}
	if !complete {
		t.Fatal("expected complete=true for a valid RSA")
	}
	if p.PortPathA != 6001 || p.PortPathB != 6002 {
		t.Errorf("ports = %d,%d, want 6001,6002", p.PortPathA, p.PortPathB)
	}
	if p.InaccTimeout != 60 {
		t.Errorf("inacc_timeout = %d, want 60 (explicit override)", p.InaccTimeout)
	}
	if p.MaxSarm != DefaultMaxSarm {
		t.Errorf("max_sarm = %d, want default %d", p.MaxSarm, DefaultMaxSarm)
	}
	if p.RepeatTimeout != DefaultRepeatTimeout {
		t.Errorf("repeat_timeout = %d, want default %d", p.RepeatTimeout, DefaultRepeatTimeout)
	}
}

func TestParseProtocolReadsAckDisabled(t *testing.T) {
	raw := `{"protocol_stack":{"application_layer":{"remote_station_addr":12,"ack_disabled":true}}}`
	p, complete, err := ParseProtocol([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if !complete {
		t.Fatal("expected complete=true for a valid RSA")
	}
	if !p.AckDisabled {
		t.Error("expected ack_disabled=true to parse through to Protocol.AckDisabled")
	}
}

func TestParseProtocolAckDisabledDefaultsFalse(t *testing.T) {
	p, _, err := ParseProtocol([]byte(sampleProtocol))
	if err != nil {
		t.Fatal(err)
	}
	if p.AckDisabled {
		t.Error("expected ack_disabled to default to false when absent")
	}
}

func TestParseProtocolRejectsOversizedRSA(t *testing.T) {
	raw := `{"protocol_stack":{"application_layer":{"remote_station_addr":65}}}`
	p, complete, err := ParseProtocol([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if complete {
		t.Fatal("expected complete=false for remote_station_addr=65")
	}
	if p.RemoteStationAddr != 65 {
		t.Errorf("rsa = %d, want 65 (parsed but flagged incomplete)", p.RemoteStationAddr)
	}
}

func TestParseProtocolInvalidPortFallsBackToDefault(t *testing.T) {
	raw := `{"protocol_stack":{"transport_layer":{"port_path_A": 0, "port_path_B": 99999}}}`
	p, _, err := ParseProtocol([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if p.PortPathA != DefaultPortA {
		t.Errorf("port A = %d, want default %d", p.PortPathA, DefaultPortA)
	}
	if p.PortPathB != DefaultPortB {
		t.Errorf("port B = %d, want default %d", p.PortPathB, DefaultPortB)
	}
}

func TestParseExchangedDataFiltersNonHnzipProtocols(t *testing.T) {
	labels, err := ParseExchangedData([]byte(sampleExchange))
	if err != nil {
		t.Fatal(err)
	}
	key := LabelKey{MsgCode: "TS", MsgAddress: 3, RemoteStationAddr: 12}
	if labels[key] != "TS1" {
		t.Errorf("labels[%v] = %q, want TS1", key, labels[key])
	}
	if len(labels) != 1 {
		t.Errorf("len(labels) = %d, want 1 (iec104 entry must be filtered)", len(labels))
	}
}

func TestLoadCombinesBothDocuments(t *testing.T) {
	cfg, err := Load([]byte(sampleProtocol), []byte(sampleExchange))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.ProtocolComplete || !cfg.ExchangeComplete {
		t.Fatalf("expected both sections complete, got protocol=%v exchange=%v", cfg.ProtocolComplete, cfg.ExchangeComplete)
	}
	if cfg.Protocol.RemoteStationAddr != 12 {
		t.Errorf("rsa = %d, want 12", cfg.Protocol.RemoteStationAddr)
	}
	if len(cfg.Labels) != 1 {
		t.Errorf("len(labels) = %d, want 1", len(cfg.Labels))
	}
}

func TestLoadMalformedExchangeKeepsProtocol(t *testing.T) {
	cfg, err := Load([]byte(sampleProtocol), []byte("not json"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.ProtocolComplete {
		t.Fatal("protocol section should still parse")
	}
	if cfg.ExchangeComplete {
		t.Fatal("expected ExchangeComplete=false for malformed exchanged_data")
	}
	if len(cfg.Labels) != 0 {
		t.Errorf("len(labels) = %d, want 0 on parse failure", len(cfg.Labels))
	}
}

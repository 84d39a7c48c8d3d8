package linklayer

import "testing"

func TestAddresses(t *testing.T) {
	tests := []struct {
		rsa        uint8
		addrA, addrB byte
	}{
		{12, 51, 49},
		{0, 0b11, 0b01},
		{63, (63 << 2) | 0b11, (63 << 2) | 0b01},
	}
	for _, tc := range tests {
		a, b := Addresses(tc.rsa)
		if a != tc.addrA || b != tc.addrB {
			t.Errorf("Addresses(%d) = (%d,%d), want (%d,%d)", tc.rsa, a, b, tc.addrA, tc.addrB)
		}
	}
}

func TestCounters(t *testing.T) {
	var sm StateMachine
	for k := 1; k <= 20; k++ {
		sm.OnInfoSent()
		if want := uint8(k % 8); sm.ns != want {
			t.Fatalf("after %d sends, ns = %d, want %d", k, sm.ns, want)
		}
	}
	for k := 1; k <= 20; k++ {
		sm.OnInfoReceived()
		if want := uint8(k % 8); sm.nr != want {
			t.Fatalf("after %d receives, nr = %d, want %d", k, sm.nr, want)
		}
	}
}

func TestControlRR(t *testing.T) {
	var sm StateMachine
	if got := sm.ControlRR(false); got != 0b0001 {
		t.Errorf("ControlRR(false) at nr=0 = %#b, want 0b0001", got)
	}
	for i := 0; i < 8; i++ {
		sm.OnInfoReceived()
	}
	if got := sm.ControlRR(false); got != 0b0001 {
		t.Errorf("ControlRR after 8 receives = %#b, want 0b0001 (nr wrapped)", got)
	}
}

func TestControlInfo(t *testing.T) {
	var sm StateMachine
	const a, b = 5, 3
	for i := 0; i < a; i++ {
		sm.OnInfoSent()
	}
	for i := 0; i < b; i++ {
		sm.OnInfoReceived()
	}
	want := byte((b%8)<<5 | (a%8)<<1)
	if got := sm.ControlInfo(false); got != want {
		t.Errorf("ControlInfo = %#b, want %#b", got, want)
	}
}

func TestResetThenHandshake(t *testing.T) {
	var sm StateMachine
	sm.OnInfoSent()
	sm.OnInfoReceived()
	sm.Reset()

	sm.OnSarmReceived()
	sm.OnUaReceived()

	if !sm.Connected() {
		t.Fatal("expected connected after sarm+ua")
	}
	if sm.ns != 0 || sm.nr != 0 {
		t.Fatalf("ns=%d nr=%d, want 0,0", sm.ns, sm.nr)
	}
}

func TestStateChart(t *testing.T) {
	var sm StateMachine
	if sm.State() != Disconnected {
		t.Fatalf("initial state = %v, want Disconnected", sm.State())
	}
	sm.OnSarmReceived()
	if sm.State() != SarmSeen {
		t.Fatalf("after sarm = %v, want SarmSeen", sm.State())
	}
	sm.OnUaReceived()
	if sm.State() != Connected {
		t.Fatalf("after sarm+ua = %v, want Connected", sm.State())
	}
	sm.Reset()
	if sm.State() != Disconnected {
		t.Fatalf("after reset = %v, want Disconnected", sm.State())
	}
}

func TestHandshakeIdempotent(t *testing.T) {
	var sm StateMachine
	sm.OnSarmReceived()
	sm.OnUaReceived()
	sm.OnSarmReceived()
	sm.OnUaReceived()
	if !sm.Connected() {
		t.Fatal("expected still connected")
	}
}

func TestAcksDisabledSurvivesReset(t *testing.T) {
	var sm StateMachine
	sm.SetAcksDisabled(true)
	sm.OnSarmReceived()
	sm.OnUaReceived()
	sm.Reset()

	if !sm.AcksDisabled() {
		t.Fatal("expected ack_disabled to survive Reset, since it is config-driven, not per-connection state")
	}

	sm.SetAcksDisabled(false)
	if sm.AcksDisabled() {
		t.Fatal("expected ack_disabled to clear once explicitly unset")
	}
}

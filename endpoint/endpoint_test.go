package endpoint

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fledge-power/hnz-north-go/frame"
	"github.com/fledge-power/hnz-north-go/linklayer"
	"github.com/fledge-power/hnz-north-go/message"
	"github.com/fledge-power/hnz-north-go/tsimage"
)

// fakeCodec is an in-memory frame.Codec double: frames "sent" are
// captured, and a queue of "inbound" frames is drained by
// ReceiveFrame, so handshake and receive-loop behavior can be driven
// without a real socket.
type fakeCodec struct {
	mu        sync.Mutex
	connected bool
	inbound   []*frame.Frame
	sent      []sentFrame
}

type sentFrame struct {
	addr    byte
	payload []byte
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{connected: true}
}

func (c *fakeCodec) Start(port int) error { return nil }
func (c *fakeCodec) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}
func (c *fakeCodec) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeCodec) ReceiveFrame() (*frame.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbound) == 0 {
		return nil, nil
	}
	f := c.inbound[0]
	c.inbound = c.inbound[1:]
	return f, nil
}

func (c *fakeCodec) CheckCRC(f *frame.Frame) bool { return true }

func (c *fakeCodec) SendFrame(addr byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), payload...)
	c.sent = append(c.sent, sentFrame{addr: addr, payload: cp})
	return nil
}

func (c *fakeCodec) push(control byte, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := &frame.Frame{}
	body := append([]byte{0, control}, payload...)
	copy(f.Bytes[:], body)
	f.Len = uint16(len(body))
	c.inbound = append(c.inbound, f)
}

func (c *fakeCodec) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeCodec) lastSent() sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

type recordingHandler struct {
	mu     sync.Mutex
	events []message.Event
}

func (h *recordingHandler) Handle(ep *PathEndpoint, ev message.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func silentLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestWaitReadyCompletesHandshake(t *testing.T) {
	codec := newFakeCodec()
	ep := New(codec, 12, &tsimage.Image{}, &recordingHandler{}, silentLog())

	codec.push(linklayer.SARMCode, nil)
	codec.push(linklayer.UACode, nil)

	if !ep.WaitReady(2 * time.Second) {
		t.Fatal("expected handshake to complete")
	}
	if ep.State() != linklayer.Connected {
		t.Errorf("state = %v, want Connected", ep.State())
	}

	deadline := time.Now().Add(time.Second)
	for !ep.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !ep.IsRunning() {
		t.Fatal("expected receive loop to be running after handshake")
	}
	ep.Stop()
}

func TestWaitReadyIdempotentWhenAlreadyConnected(t *testing.T) {
	codec := newFakeCodec()
	ep := New(codec, 12, &tsimage.Image{}, &recordingHandler{}, silentLog())
	ep.sm.OnSarmReceived()
	ep.sm.OnUaReceived()

	if !ep.WaitReady(time.Second) {
		t.Fatal("expected immediate ready on already-connected endpoint")
	}
	ep.Stop()
}

func TestWaitReadyTimesOutWithoutHandshakeFrames(t *testing.T) {
	codec := newFakeCodec()
	ep := New(codec, 12, &tsimage.Image{}, &recordingHandler{}, silentLog())

	if ep.WaitReady(50 * time.Millisecond) {
		t.Fatal("expected handshake to fail without any frames")
	}
}

func TestReceiveLoopDispatchesInformationFrames(t *testing.T) {
	codec := newFakeCodec()
	handler := &recordingHandler{}
	ep := New(codec, 12, &tsimage.Image{}, handler, silentLog())
	ep.sm.OnSarmReceived()
	ep.sm.OnUaReceived()
	ep.ensureReceiveLoop()
	defer ep.Stop()

	codec.push(0x00, []byte{0x13, 0x01})

	deadline := time.Now().Add(2 * time.Second)
	for handler.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if handler.count() != 1 {
		t.Fatalf("handler invocations = %d, want 1", handler.count())
	}
}

func TestAcksDisabledSuppressesAutoReplies(t *testing.T) {
	codec := newFakeCodec()
	ep := New(codec, 12, &tsimage.Image{}, &recordingHandler{}, silentLog())
	ep.sm.OnSarmReceived()
	ep.sm.OnUaReceived()
	ep.SetAcksDisabled(true)
	ep.ensureReceiveLoop()
	defer ep.Stop()

	codec.push(linklayer.SARMCode, nil)

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := codec.sentCount(); got != 0 {
		t.Errorf("sent count = %d, want 0 with acks disabled", got)
	}
}

func TestAcksEnabledRepliesToSARM(t *testing.T) {
	codec := newFakeCodec()
	ep := New(codec, 12, &tsimage.Image{}, &recordingHandler{}, silentLog())
	ep.sm.OnSarmReceived()
	ep.sm.OnUaReceived()
	ep.ensureReceiveLoop()
	defer ep.Stop()

	codec.push(linklayer.SARMCode, nil)

	deadline := time.Now().Add(2 * time.Second)
	for codec.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := codec.sentCount(); got != 1 {
		t.Fatalf("sent count = %d, want 1 (UA reply)", got)
	}
	if codec.lastSent().payload[0] != linklayer.UACode {
		t.Errorf("reply = %#x, want UACode", codec.lastSent().payload[0])
	}
}

func TestReceiveLoopExitsWhenCodecDisconnects(t *testing.T) {
	codec := newFakeCodec()
	ep := New(codec, 12, &tsimage.Image{}, &recordingHandler{}, silentLog())
	ep.sm.OnSarmReceived()
	ep.sm.OnUaReceived()
	ep.ensureReceiveLoop()

	codec.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for ep.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ep.IsRunning() {
		t.Fatal("expected receive loop to exit after codec disconnects")
	}
}

func TestSendInformationAdvancesNS(t *testing.T) {
	codec := newFakeCodec()
	ep := New(codec, 12, &tsimage.Image{}, &recordingHandler{}, silentLog())

	if err := ep.SendInformation([]byte{0xAA}, false); err != nil {
		t.Fatal(err)
	}
	sent := codec.lastSent()
	if sent.addr != ep.AddrB() {
		t.Errorf("addr = %#x, want addr_B %#x", sent.addr, ep.AddrB())
	}
	if len(sent.payload) != 2 || sent.payload[1] != 0xAA {
		t.Errorf("payload = %v, want [control, 0xAA]", sent.payload)
	}
	if got := ep.sm.ControlInfo(false); got != 1<<1 {
		t.Errorf("control after one send = %#b, want ns=1 (%#b)", got, byte(1<<1))
	}
}

func TestDrainPendingPacesSends(t *testing.T) {
	codec := newFakeCodec()
	ep := New(codec, 12, &tsimage.Image{}, &recordingHandler{}, silentLog())
	ep.Enqueue([]byte{1})
	ep.Enqueue([]byte{2})

	start := time.Now()
	ep.DrainPending()
	elapsed := time.Since(start)

	if codec.sentCount() != 2 {
		t.Fatalf("sent = %d, want 2", codec.sentCount())
	}
	if elapsed < pendingDrainGap {
		t.Errorf("elapsed = %v, want at least one inter-send gap", elapsed)
	}
	if ep.PendingLen() != 0 {
		t.Errorf("pending len = %d, want 0", ep.PendingLen())
	}
}

package conn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark46/signal/internal/wsproto"
)

// fakeTransport records written frames and whether Close was called.
type fakeTransport struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), p...)
	f.writes = append(f.writes, cp)
	return len(p), nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// fakeHooks records the calls a Conn makes against application code.
type fakeHooks struct {
	mu           sync.Mutex
	authOK       bool
	authCreds    any
	connected    []*Peer
	disconnected []disconnectCall
	signals      []signalCall
}

type disconnectCall struct {
	peer   *Peer
	status wsproto.StatusCode
	reason string
}

type signalCall struct {
	peer *Peer
	code int
	data []byte
}

func (h *fakeHooks) Authenticate(peer *Peer, credentials any) (bool, wsproto.StatusCode, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authCreds = credentials
	if h.authOK {
		return true, 0, ""
	}
	status, reason := wsproto.AuthorizationError()
	return false, status, reason
}

func (h *fakeHooks) Connected(peer *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = append(h.connected, peer)
}

func (h *fakeHooks) Disconnected(peer *Peer, status wsproto.StatusCode, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, disconnectCall{peer, status, reason})
}

func (h *fakeHooks) Signal(peer *Peer, code int, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, signalCall{peer, code, data})
}

func newTestConn(authOK bool) (*Conn, *fakeTransport, *fakeHooks) {
	tr := &fakeTransport{}
	hooks := &fakeHooks{authOK: authOK}
	peer := NewPeer("203.0.113.1", 54321)
	c := New(context.Background(), peer, tr, hooks, 0)
	return c, tr, hooks
}

func TestAuthentication_Success(t *testing.T) {
	c, tr, hooks := newTestConn(true)

	envelope, err := wsproto.EncodeSignal(0, map[string]string{"access_token": "1234567890"})
	if err != nil {
		t.Fatalf("EncodeSignal() error = %v", err)
	}
	frame := wsproto.EncodeFrame(true, wsproto.OpcodeBinary, envelope)
	masked := maskClientFrame(frame)
	c.Feed(masked)

	if !c.peer.Verified() {
		t.Fatal("peer not verified after successful auth")
	}
	if c.peer.State() != StateConnected {
		t.Fatalf("peer.State() = %v, want Connected", c.peer.State())
	}
	if len(hooks.connected) != 1 {
		t.Fatalf("Connected called %d times, want 1", len(hooks.connected))
	}
	if tr.writeCount() != 1 {
		t.Fatalf("transport write count = %d, want 1 (auth reply)", tr.writeCount())
	}

	creds, ok := hooks.authCreds.(map[string]any)
	if !ok {
		t.Fatalf("authCreds type = %T, want map[string]any", hooks.authCreds)
	}
	if creds["access_token"] != "1234567890" {
		t.Fatalf("authCreds[access_token] = %v", creds["access_token"])
	}
}

func TestAuthentication_RawStringFallback(t *testing.T) {
	c, _, hooks := newTestConn(true)

	envelope, _ := wsproto.EncodeSignal(0, "ab")
	frame := wsproto.EncodeFrame(true, wsproto.OpcodeBinary, envelope)
	c.Feed(maskClientFrame(frame))

	if hooks.authCreds != "ab" {
		t.Fatalf("authCreds = %v, want raw string %q", hooks.authCreds, "ab")
	}
}

func TestAuthentication_Failure_Closes(t *testing.T) {
	c, tr, hooks := newTestConn(false)

	envelope, _ := wsproto.EncodeSignal(0, nil)
	frame := wsproto.EncodeFrame(true, wsproto.OpcodeBinary, envelope)
	c.Feed(maskClientFrame(frame))

	if c.peer.Verified() {
		t.Fatal("peer verified despite failed auth")
	}
	if len(hooks.disconnected) != 1 {
		t.Fatalf("Disconnected called %d times, want 1", len(hooks.disconnected))
	}
	if hooks.disconnected[0].status != wsproto.StatusAuthorizationError {
		t.Fatalf("status = %v, want StatusAuthorizationError", hooks.disconnected[0].status)
	}
	if !tr.closed {
		t.Fatal("transport not closed after auth failure")
	}
}

func TestPreAuthNonZeroCode_Kicks(t *testing.T) {
	c, _, hooks := newTestConn(true)

	envelope, _ := wsproto.EncodeSignal(42, "hi")
	frame := wsproto.EncodeFrame(true, wsproto.OpcodeBinary, envelope)
	c.Feed(maskClientFrame(frame))

	if len(hooks.disconnected) != 1 {
		t.Fatalf("Disconnected called %d times, want 1", len(hooks.disconnected))
	}
	if hooks.disconnected[0].status != wsproto.StatusKicked {
		t.Fatalf("status = %v, want StatusKicked", hooks.disconnected[0].status)
	}
}

func TestPostAuthSignal_DispatchedToHook(t *testing.T) {
	c, _, hooks := newTestConn(true)

	auth, _ := wsproto.EncodeSignal(0, nil)
	c.Feed(maskClientFrame(wsproto.EncodeFrame(true, wsproto.OpcodeBinary, auth)))

	sig, _ := wsproto.EncodeSignal(17, "payload")
	c.Feed(maskClientFrame(wsproto.EncodeFrame(true, wsproto.OpcodeBinary, sig)))

	if len(hooks.signals) != 1 {
		t.Fatalf("Signal called %d times, want 1", len(hooks.signals))
	}
	if hooks.signals[0].code != 17 {
		t.Fatalf("signal code = %d, want 17", hooks.signals[0].code)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	c, tr, hooks := newTestConn(true)

	status, reason := wsproto.ServerException("boom")
	c.shutdown(status, reason)
	c.shutdown(status, reason)
	c.OnError(&wsproto.ProtocolError{Status: wsproto.StatusProtocolError})

	if len(hooks.disconnected) != 1 {
		t.Fatalf("Disconnected called %d times, want exactly 1", len(hooks.disconnected))
	}
	if tr.writeCount() != 1 {
		t.Fatalf("close frame written %d times, want 1", tr.writeCount())
	}
}

func TestVerifyTimeout_KicksPendingPeer(t *testing.T) {
	tr := &fakeTransport{}
	hooks := &fakeHooks{authOK: true}
	peer := NewPeer("203.0.113.1", 1)

	c := &Conn{peer: peer, transport: tr, hooks: hooks, log: nil}
	c.receiver = wsproto.NewFrameReceiver(c, 0)
	c.verifyTimer = time.AfterFunc(10*time.Millisecond, c.onVerifyTimeout)

	time.Sleep(50 * time.Millisecond)

	if peer.State() != StateDisconnected {
		t.Fatalf("peer.State() = %v, want Disconnected after verify timeout", peer.State())
	}
	if len(hooks.disconnected) != 1 || hooks.disconnected[0].status != wsproto.StatusKicked {
		t.Fatalf("disconnected = %+v, want one StatusKicked", hooks.disconnected)
	}
}

func TestSend_RejectsAfterClose(t *testing.T) {
	c, _, _ := newTestConn(true)
	c.shutdown(wsproto.StatusNormalClosure, "")

	if err := c.Send(1, "x"); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("Send() error = %v, want ErrConnClosed", err)
	}
}

func TestSend_RejectsOversizedPayload(t *testing.T) {
	tr := &fakeTransport{}
	hooks := &fakeHooks{authOK: true}
	peer := NewPeer("203.0.113.1", 1)
	c := &Conn{peer: peer, transport: tr, hooks: hooks}
	c.receiver = wsproto.NewFrameReceiver(c, 0)
	c.verifyTimer = time.NewTimer(time.Hour)
	c.maxPayload = 4

	if err := c.Send(1, "too long for four bytes"); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Send() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestParseCredentials(t *testing.T) {
	tests := []struct {
		name string
		data string
		want any
	}{
		{name: "json_object", data: `{"k":"v"}`, want: map[string]any{"k": "v"}},
		{name: "json_string", data: `"hello"`, want: "hello"},
		{name: "non_json_fallback", data: "ab", want: "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCredentials([]byte(tt.data))
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tt.want)
			if !bytes.Equal(gotJSON, wantJSON) {
				t.Errorf("parseCredentials(%q) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

// maskClientFrame rewrites an unmasked server-style frame header (as
// produced by wsproto.EncodeFrame) into a masked client-style frame, the
// only shape FrameReceiver accepts.
func maskClientFrame(frame []byte) []byte {
	b0 := frame[0]
	hint := frame[1] & 0x7F
	var headerLen int
	switch hint {
	case 126:
		headerLen = 4
	case 127:
		headerLen = 10
	default:
		headerLen = 2
	}
	payload := append([]byte(nil), frame[headerLen:]...)

	mask := [4]byte{0x12, 0x34, 0x56, 0x78}
	for i := range payload {
		payload[i] ^= mask[i&3]
	}

	out := append([]byte(nil), frame[:headerLen]...)
	out[1] |= 0x80
	out = append(out, mask[:]...)
	out = append(out, payload...)
	return out
}

package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark46/signal/internal/logger"
	"github.com/mark46/signal/internal/wsproto"
)

// VerifyTimeout is how long a peer has to send an authentication signal
// (code 0) before being kicked (spec.md §4.4).
const VerifyTimeout = 7 * time.Second

var (
	// ErrConnClosed is returned by Send once the connection has finished.
	ErrConnClosed = errors.New("conn: connection closed")
	// ErrPayloadTooLarge is returned by Send when the encoded signal would
	// reach or exceed the configured max payload.
	ErrPayloadTooLarge = errors.New("conn: encoded signal exceeds max payload")
)

// Transport is the minimal surface a ConnectionFSM needs from the
// underlying socket: write outbound frames, and close the socket once the
// close protocol concludes.
type Transport interface {
	io.Writer
	io.Closer
}

// Hooks is the set of application callbacks a ConnectionFSM drives. A
// [pkg/mark46server.Server] implements this to bridge into the peer
// registry and into user-registered event handlers (spec.md §4.4, §9).
type Hooks interface {
	// Authenticate is called once, with the parsed payload of the peer's
	// code-0 signal. When ok is false, status and reason are used verbatim
	// to close the connection (e.g. [wsproto.AuthorizationError] when a
	// subscriber rejects the peer, [wsproto.ServerFull] when max_clients
	// is reached).
	Authenticate(peer *Peer, credentials any) (ok bool, status wsproto.StatusCode, reason string)
	// Connected is called once authentication succeeds.
	Connected(peer *Peer)
	// Disconnected is called exactly once, regardless of which of the
	// close origins (socket close, socket error, receiver conclude,
	// verify timeout) triggered it.
	Disconnected(peer *Peer, status wsproto.StatusCode, reason string)
	// Signal is called for every signal received after authentication,
	// including further code-0 signals (spec.md §4.4).
	Signal(peer *Peer, code int, data []byte)
}

// Conn is the ConnectionFSM for one peer (spec.md §4.4): it owns the
// Pending -> Connected -> Disconnected transition, the one-shot
// authentication gate, the verify timeout, and merges the three distinct
// close origins the underlying frame receiver can report into a single
// idempotent shutdown path.
type Conn struct {
	peer      *Peer
	transport Transport
	hooks     Hooks
	receiver  *wsproto.FrameReceiver
	log       *slog.Logger

	maxPayload uint64

	closeOnce   sync.Once
	closed      atomic.Bool
	verifyTimer *time.Timer
}

// New constructs a Conn and arms its verify timer. The caller is
// responsible for feeding bytes read from the socket to [Conn.Feed].
func New(ctx context.Context, peer *Peer, transport Transport, hooks Hooks, maxPayload uint64) *Conn {
	c := &Conn{
		peer:       peer,
		transport:  transport,
		hooks:      hooks,
		maxPayload: maxPayload,
		log:        logger.FromContext(ctx),
	}
	c.receiver = wsproto.NewFrameReceiver(c, maxPayload)
	c.verifyTimer = time.AfterFunc(VerifyTimeout, c.onVerifyTimeout)
	return c
}

// Feed hands newly-read socket bytes to the frame receiver.
func (c *Conn) Feed(data []byte) {
	c.receiver.Feed(data)
}

func (c *Conn) onVerifyTimeout() {
	if c.peer.State() != StatePending {
		return
	}
	status, reason := wsproto.Kicked("Server", "Invalid client.")
	c.shutdown(status, reason)
}

// OnSignal implements wsproto.Handler.
func (c *Conn) OnSignal(code int, data []byte) {
	if !c.peer.Verified() {
		c.handleAuthAttempt(code, data)
		return
	}
	c.hooks.Signal(c.peer, code, data)
}

func (c *Conn) handleAuthAttempt(code int, data []byte) {
	if code != 0 {
		status, reason := wsproto.Kicked("Server", "Invalid client.")
		c.shutdown(status, reason)
		return
	}

	credentials := parseCredentials(data)
	if ok, status, reason := c.hooks.Authenticate(c.peer, credentials); !ok {
		c.shutdown(status, reason)
		return
	}

	c.peer.setVerified()
	c.peer.setState(StateConnected)
	c.verifyTimer.Stop()

	infoJSON, err := json.Marshal(c.peer.Info())
	if err != nil {
		c.log.Error("marshal peer info for auth reply", "error", err, "peer_id", c.peer.ID)
		infoJSON = []byte("{}")
	}
	payload := c.peer.ID + string(infoJSON)
	if err := c.Send(0, payload); err != nil {
		c.log.Warn("failed to send auth reply", "error", err, "peer_id", c.peer.ID)
	}

	c.hooks.Connected(c.peer)
}

// parseCredentials parses data as JSON when it is valid JSON, falling
// back to the raw string otherwise (spec.md §4.4's authentication
// payload may be either).
func parseCredentials(data []byte) any {
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		return v
	}
	return string(data)
}

// OnClose implements wsproto.Handler: the peer sent a close control frame.
func (c *Conn) OnClose(status wsproto.StatusCode, reason []byte) {
	c.shutdown(status, wsproto.GetWSCodeReason(status, reason))
}

// OnError implements wsproto.Handler: the byte stream violated the
// framing or envelope grammar.
func (c *Conn) OnError(err *wsproto.ProtocolError) {
	c.shutdown(err.Status, err.Error())
}

// SocketClosed notifies the Conn that the underlying transport reached
// EOF without a close frame (spec.md §4.4's "socket close" origin).
func (c *Conn) SocketClosed() {
	c.shutdown(wsproto.StatusNormalClosure, "")
}

// SocketError notifies the Conn of a transport-level read/write failure
// (spec.md §4.4's "socket error" origin).
func (c *Conn) SocketError(err error) {
	status, reason := wsproto.ServerException(err.Error())
	c.shutdown(status, reason)
}

// Close lets application code (e.g. a kick or ban hook) terminate the
// connection explicitly.
func (c *Conn) Close(status wsproto.StatusCode, reason string) {
	c.shutdown(status, reason)
}

// shutdown merges every close origin into a single idempotent transition
// to Disconnected (spec.md §9's "dual ConnectionFSM" note resolved by
// collapsing all three origins into one method).
func (c *Conn) shutdown(status wsproto.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.verifyTimer.Stop()
		c.closed.Store(true)

		frame := wsproto.EncodeFrame(true, wsproto.OpcodeClose, closePayload(status, reason))
		if _, err := c.transport.Write(frame); err != nil {
			c.log.Debug("write close frame", "error", err, "peer_id", c.peer.ID)
		}
		_ = c.transport.Close()

		c.peer.setState(StateDisconnected)
		c.hooks.Disconnected(c.peer, status, reason)
	})
}

// closePayload builds the wire payload for an outbound close frame
// (spec.md §4.4): big-endian status code followed by "--" + reason, or
// an empty payload for StatusNoStatusReceived.
func closePayload(status wsproto.StatusCode, reason string) []byte {
	if status == wsproto.StatusNoStatusReceived {
		return nil
	}
	body := "--" + reason
	out := make([]byte, 2+len(body))
	out[0] = byte(status >> 8)
	out[1] = byte(status)
	copy(out[2:], body)
	return out
}

// Send encodes a signal and writes it as a single binary frame. It
// returns [ErrConnClosed] once the connection has finished, and
// [ErrPayloadTooLarge] if the encoded envelope's length is at least the
// configured max payload.
func (c *Conn) Send(code int, data any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	encoded, err := wsproto.EncodeSignal(code, data)
	if err != nil {
		return fmt.Errorf("conn: encode signal: %w", err)
	}
	if c.maxPayload > 0 && uint64(len(encoded)) >= c.maxPayload {
		return ErrPayloadTooLarge
	}

	frame := wsproto.EncodeFrame(true, wsproto.OpcodeBinary, encoded)
	if _, err := c.transport.Write(frame); err != nil {
		return fmt.Errorf("conn: write frame: %w", err)
	}
	return nil
}

// Peer returns the peer this connection drives.
func (c *Conn) Peer() *Peer { return c.peer }

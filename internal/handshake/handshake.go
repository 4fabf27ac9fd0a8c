// Package handshake implements the HTTP Upgrade handshake that turns an
// incoming HTTP request into a raw WebSocket byte stream (spec.md §4.5),
// by hijacking the connection out of net/http and writing the upgrade
// response by hand.
package handshake

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"regexp"

	"github.com/lithammer/shortuuid/v4"

	"github.com/mark46/signal/internal/logger"
)

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var secWebSocketKeyRe = regexp.MustCompile(`^[+/0-9A-Za-z]{22}==$`)

// Result is a successfully hijacked and upgraded connection, handed off
// to a ConnectionFSM. Reader must be used instead of reading conn
// directly: it carries any bytes net/http had already buffered.
type Result struct {
	Conn    net.Conn
	Reader  *bufio.Reader
	TraceID string
}

// Gate validates and completes the Upgrade handshake. running reports
// whether the server is currently accepting connections; when it
// reports false, the gate replies 503 without looking at the request.
type Gate struct {
	running func() bool
}

func NewGate(running func() bool) *Gate {
	return &Gate{running: running}
}

// Upgrade hijacks the request's connection and either completes the
// 101 switch (returning ok=true) or writes a terminal 400/503 response
// and returns ok=false. peerID is the id of the Peer the caller has
// already constructed for this connection, echoed in Sec-WebSocket-ID.
func (g *Gate) Upgrade(w http.ResponseWriter, r *http.Request, peerID string) (*Result, bool) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade not supported", http.StatusInternalServerError)
		return nil, false
	}

	conn, rw, err := hj.Hijack()
	if err != nil {
		logger.FromContext(r.Context()).Warn("hijack failed", "error", err)
		return nil, false
	}

	trace := shortuuid.New()
	log := logger.FromContext(r.Context()).With("trace_id", trace)

	if !g.running() {
		log.Debug("rejecting upgrade: server not running")
		writeFailure(rw, http.StatusServiceUnavailable)
		_ = conn.Close()
		return nil, false
	}

	if !validRequest(r) {
		log.Debug("rejecting malformed upgrade request")
		writeFailure(rw, http.StatusBadRequest)
		_ = conn.Close()
		return nil, false
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	protocol := r.Header.Get("Sec-WebSocket-Protocol")
	if protocol == "" {
		protocol = "undefined"
	}

	resp := "HTTP/1.1 101 Switching Protocols (MARK-46)\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey(r.Header.Get("Sec-WebSocket-Key")) + "\r\n" +
		"Sec-WebSocket-Protocol: " + protocol + "\r\n" +
		"Sec-WebSocket-ID: " + peerID + "\r\n\r\n"

	if _, err := rw.WriteString(resp); err != nil {
		_ = conn.Close()
		return nil, false
	}
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return nil, false
	}

	log.Debug("handshake complete", "peer_id", peerID)
	return &Result{Conn: conn, Reader: rw.Reader, TraceID: trace}, true
}

func validRequest(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if !headerEqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	switch r.Header.Get("Sec-WebSocket-Version") {
	case "8", "13":
	default:
		return false
	}
	return secWebSocketKeyRe.MatchString(r.Header.Get("Sec-WebSocket-Key"))
}

func headerEqualFold(got, want string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := 0; i < len(got); i++ {
		a, b := got[i], want[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}

// acceptKey computes Sec-WebSocket-Accept per RFC 6455 §1.3.
func acceptKey(key string) string {
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// writeFailure writes the exact wire format spec.md §5 requires for a
// handshake rejection: status line with the "(MARK-46)" suffix, a
// Connection: close response, and a body equal to the status text.
func writeFailure(rw *bufio.ReadWriter, code int) {
	body := http.StatusText(code)
	msg := fmt.Sprintf(
		"HTTP/1.1 %d %s (MARK-46)\r\nConnection: close\r\nContent-Type: text/html\r\nContent-Length: %d\r\n\r\n%s",
		code, body, len(body), body,
	)
	_, _ = rw.WriteString(msg)
	_ = rw.Flush()
}

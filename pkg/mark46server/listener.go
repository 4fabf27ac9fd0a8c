package mark46server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/mark46/signal/internal/conn"
	"github.com/mark46/signal/internal/handshake"
)

// readBufferSize is how much is read from a socket per syscall before
// being handed to the frame receiver; it has no bearing on the protocol's
// own payload-length limits.
const readBufferSize = 4096

// Listener accepts TCP connections, runs them through the HandshakeGate,
// and drives each resulting ConnectionFSM from its own goroutine
// (spec.md §4.5, §5).
type Listener struct {
	srv        *Server
	gate       *handshake.Gate
	httpServer *http.Server
	running    atomic.Bool
}

// NewListener constructs a Listener bound to addr (e.g. ":8080"),
// dispatching accepted connections into srv.
func NewListener(srv *Server, addr string) *Listener {
	l := &Listener{srv: srv}
	l.gate = handshake.NewGate(l.running.Load)

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleUpgrade)
	l.httpServer = &http.Server{Addr: addr, Handler: mux}

	return l
}

// Run blocks serving HTTP Upgrade requests until Shutdown is called.
func (l *Listener) Run() error {
	l.running.Store(true)
	slog.Info("mark46 server listening", "addr", l.httpServer.Addr)

	err := l.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new handshakes, closes every tracked
// connection with StatusGoingAway (draining client.disconnected for
// each one), and shuts down the HTTP server.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.running.Store(false)
	l.srv.Close()
	return l.httpServer.Shutdown(ctx)
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	host, portStr, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host, portStr = r.RemoteAddr, "0"
	}
	port, _ := strconv.Atoi(portStr)

	peer := conn.NewPeer(host, port)

	res, ok := l.gate.Upgrade(w, r, peer.ID)
	if !ok {
		return
	}

	c := conn.New(r.Context(), peer, res.Conn, l.srv, l.srv.opts.MaxPayload)
	l.srv.registerConn(c)

	go l.readLoop(c, res)
}

func (l *Listener) readLoop(c *conn.Conn, res *handshake.Result) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := res.Reader.Read(buf)
		if n > 0 {
			c.Feed(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.SocketClosed()
			} else {
				c.SocketError(err)
			}
			return
		}
	}
}

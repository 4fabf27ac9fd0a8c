// Package mark46server implements the ServerFacade (spec.md §4.7): typed
// event subscription with removable handles, broadcast to all peers or a
// single room, max_clients enforcement, and the listener that wires
// HandshakeGate, ConnectionFSM, and PeerRegistry together.
package mark46server

import (
	"sync"

	"github.com/mark46/signal/internal/conn"
	"github.com/mark46/signal/internal/wsproto"
	"github.com/mark46/signal/pkg/registry"
)

// AuthFunc is a client.authentication subscriber. All subscribers must
// return true for authentication to succeed (spec.md §4.7's AND-fold).
type AuthFunc func(peer *conn.Peer, credentials any) bool

// ConnectedFunc is a client.connected subscriber.
type ConnectedFunc func(peer *conn.Peer)

// DisconnectedFunc is a client.disconnected subscriber.
type DisconnectedFunc func(peer *conn.Peer, status wsproto.StatusCode, reason string)

// SignalFunc is a client.signal subscriber.
type SignalFunc func(peer *conn.Peer, code int, data []byte)

// Handle identifies one subscription for later removal. A Handle is an
// index into the subscriber list of the event kind that returned it; the
// Off* methods do not check the kind, so a Handle passed to a different
// Off* method removes whichever subscription holds that index there.
type Handle int

// Options configures a Server (spec.md §4.7's max_clients, §4.1's
// max_payload, §4.4's construction-time transport settings).
type Options struct {
	// MaxClients caps the number of simultaneously Connected peers. 0
	// means unlimited.
	MaxClients int
	// MaxPayload caps the size of a single encoded signal. 0 means
	// unlimited.
	MaxPayload uint64
}

// Server is the ServerFacade: it owns the peer registry, the four
// subscriber lists, and the live connections needed to route sends. It
// implements [conn.Hooks].
type Server struct {
	opts Options

	registry *registry.Registry

	connsMu sync.RWMutex
	conns   map[string]*conn.Conn

	subsMu       sync.RWMutex
	authSubs     []AuthFunc
	connectedSubs []ConnectedFunc
	disconnSubs  []DisconnectedFunc
	signalSubs   []SignalFunc
}

// New constructs an empty Server with the given options.
func New(opts Options) *Server {
	return &Server{
		opts:     opts,
		registry: registry.New(),
		conns:    make(map[string]*conn.Conn),
	}
}

// Registry exposes the underlying PeerRegistry for read access (e.g.
// clients_filtered from application code).
func (s *Server) Registry() *registry.Registry { return s.registry }

// OnAuthentication subscribes to client.authentication.
func (s *Server) OnAuthentication(fn AuthFunc) Handle {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.authSubs = append(s.authSubs, fn)
	return Handle(len(s.authSubs) - 1)
}

// OffAuthentication removes a client.authentication subscription.
func (s *Server) OffAuthentication(h Handle) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if int(h) >= 0 && int(h) < len(s.authSubs) {
		s.authSubs[h] = nil
	}
}

// OnConnected subscribes to client.connected.
func (s *Server) OnConnected(fn ConnectedFunc) Handle {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.connectedSubs = append(s.connectedSubs, fn)
	return Handle(len(s.connectedSubs) - 1)
}

// OffConnected removes a client.connected subscription.
func (s *Server) OffConnected(h Handle) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if int(h) >= 0 && int(h) < len(s.connectedSubs) {
		s.connectedSubs[h] = nil
	}
}

// OnDisconnected subscribes to client.disconnected.
func (s *Server) OnDisconnected(fn DisconnectedFunc) Handle {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.disconnSubs = append(s.disconnSubs, fn)
	return Handle(len(s.disconnSubs) - 1)
}

// OffDisconnected removes a client.disconnected subscription.
func (s *Server) OffDisconnected(h Handle) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if int(h) >= 0 && int(h) < len(s.disconnSubs) {
		s.disconnSubs[h] = nil
	}
}

// OnSignal subscribes to client.signal.
func (s *Server) OnSignal(fn SignalFunc) Handle {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.signalSubs = append(s.signalSubs, fn)
	return Handle(len(s.signalSubs) - 1)
}

// OffSignal removes a client.signal subscription.
func (s *Server) OffSignal(h Handle) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if int(h) >= 0 && int(h) < len(s.signalSubs) {
		s.signalSubs[h] = nil
	}
}

// registerConn tracks the live Conn for a peer so broadcast and direct
// sends can reach it. Called by the listener right after construction.
func (s *Server) registerConn(c *conn.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c.Peer().ID] = c
}

func (s *Server) unregisterConn(peerID string) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, peerID)
}

// Clients returns every currently-connected peer (spec.md §6's
// `clients` entry in the public API).
func (s *Server) Clients() []*conn.Peer {
	return s.registry.ClientsFiltered("", nil)
}

// Client looks up one connected peer by ID (spec.md §6's `client`).
func (s *Server) Client(peerID string) (*conn.Peer, bool) {
	return s.registry.Get(peerID)
}

// ClientCount returns the number of connected peers (spec.md §6's
// `client_count`).
func (s *Server) ClientCount() int {
	return s.registry.Count()
}

// Close stops accepting new signals on every tracked connection and
// closes each with StatusGoingAway, draining client.disconnected for
// each peer exactly once (SPEC_FULL.md's supplemented graceful-shutdown
// feature; conn.Conn.shutdown's sync.Once keeps this idempotent even if
// a peer is already mid-close for another reason).
func (s *Server) Close() {
	s.connsMu.RLock()
	conns := make([]*conn.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.RUnlock()

	for _, c := range conns {
		c.Close(wsproto.StatusGoingAway, "")
	}
}

// Authenticate implements [conn.Hooks]. It AND-folds every
// client.authentication subscriber, then enforces max_clients exactly as
// spec.md §4.7 orders it: the max_clients check only fires once the
// subscribers would otherwise have accepted the peer.
func (s *Server) Authenticate(peer *conn.Peer, credentials any) (bool, wsproto.StatusCode, string) {
	s.subsMu.RLock()
	subs := append([]AuthFunc(nil), s.authSubs...)
	s.subsMu.RUnlock()

	for _, fn := range subs {
		if fn == nil {
			continue
		}
		if !fn(peer, credentials) {
			status, reason := wsproto.AuthorizationError()
			return false, status, reason
		}
	}

	if s.opts.MaxClients > 0 && s.registry.Count() >= s.opts.MaxClients {
		status, reason := wsproto.ServerFull()
		return false, status, reason
	}

	return true, 0, ""
}

// Connected implements [conn.Hooks]: it inserts the peer into the
// registry (a peer only appears in clients while Connected) and fires
// client.connected subscribers.
func (s *Server) Connected(peer *conn.Peer) {
	s.registry.Insert(peer)

	s.subsMu.RLock()
	subs := append([]ConnectedFunc(nil), s.connectedSubs...)
	s.subsMu.RUnlock()

	for _, fn := range subs {
		if fn != nil {
			fn(peer)
		}
	}
}

// Disconnected implements [conn.Hooks]: it removes the peer from the
// registry and every room, unregisters its Conn, and fires
// client.disconnected subscribers.
func (s *Server) Disconnected(peer *conn.Peer, status wsproto.StatusCode, reason string) {
	s.registry.LeaveAll(peer.ID, nil)
	s.registry.Remove(peer.ID)
	s.unregisterConn(peer.ID)

	s.subsMu.RLock()
	subs := append([]DisconnectedFunc(nil), s.disconnSubs...)
	s.subsMu.RUnlock()

	for _, fn := range subs {
		if fn != nil {
			fn(peer, status, reason)
		}
	}
}

// Signal implements [conn.Hooks]: it fires client.signal subscribers for
// every signal received after authentication.
func (s *Server) Signal(peer *conn.Peer, code int, data []byte) {
	s.subsMu.RLock()
	subs := append([]SignalFunc(nil), s.signalSubs...)
	s.subsMu.RUnlock()

	for _, fn := range subs {
		if fn != nil {
			fn(peer, code, data)
		}
	}
}

// Join adds peer to room (spec.md §4.7).
func (s *Server) Join(peer *conn.Peer, room string) {
	s.registry.Join(room, peer.ID)
}

// Leave removes peer from room, reporting whether it was a member.
func (s *Server) Leave(peer *conn.Peer, room string) bool {
	return s.registry.Leave(room, peer.ID)
}

// LeaveAll removes peer from every room it belongs to.
func (s *Server) LeaveAll(peer *conn.Peer, onRoom func(room string)) {
	s.registry.LeaveAll(peer.ID, onRoom)
}

// Broadcast sends (code, data) to every connected peer not in except.
func (s *Server) Broadcast(code int, data any, except []string) {
	s.broadcastTo(s.registry.ClientsFiltered("", nil), code, data, except)
}

// BroadcastInRoom sends (code, data) to every peer in room not in except.
func (s *Server) BroadcastInRoom(code int, data any, room string, except []string) {
	s.broadcastTo(s.registry.ClientsFiltered(room, nil), code, data, except)
}

func (s *Server) broadcastTo(peers []*conn.Peer, code int, data any, except []string) {
	excluded := make(map[string]bool, len(except))
	for _, id := range except {
		excluded[id] = true
	}

	s.connsMu.RLock()
	defer s.connsMu.RUnlock()

	for _, p := range peers {
		if excluded[p.ID] {
			continue
		}
		if c, ok := s.conns[p.ID]; ok {
			_ = c.Send(code, data)
		}
	}
}

// Package conn implements the per-connection lifecycle state machine
// (spec.md §4.4): the Peer data model, the verify gate, the verify
// timeout, and the ordered close protocol.
package conn

import (
	"encoding/hex"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// State is a peer's position in the Pending -> Connected -> Disconnected
// lifecycle (spec.md §3). Transitions only ever move forward.
type State int

const (
	StatePending State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Peer is one connected client (spec.md §3). Its mutable fields are
// guarded by a mutex because the registry's broadcast path may read them
// from a different connection's goroutine than the one driving this
// peer's ConnectionFSM (spec.md §5).
type Peer struct {
	ID         string
	RemoteAddr string
	RemotePort int

	mu       sync.RWMutex
	info     map[string]any
	settings map[string]any
	state    State
	verified bool
}

// newPeerID derives a "MK"-prefixed, 12-uppercase-hex-char identifier
// from a UUIDv4, as required by spec.md §3.
func newPeerID() string {
	id := uuid.New()
	suffix := id[10:16] // last 6 bytes -> 12 hex chars
	return "MK" + strings.ToUpper(hex.EncodeToString(suffix[:]))
}

// NewPeer constructs a Peer in the Pending state, with info seeded with
// client_id (spec.md §3) and settings defaulting to {online: false}.
func NewPeer(remoteAddr string, remotePort int) *Peer {
	id := newPeerID()
	return &Peer{
		ID:         id,
		RemoteAddr: remoteAddr,
		RemotePort: remotePort,
		info:       map[string]any{"client_id": id},
		settings:   map[string]any{"online": false},
		state:      StatePending,
	}
}

func (p *Peer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *Peer) Verified() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.verified
}

// setVerified flips verified to true. It is a no-op if already verified,
// keeping the false->true transition monotonic (spec.md §3).
func (p *Peer) setVerified() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verified = true
}

// Info returns a copy of the peer's application-visible info map.
func (p *Peer) Info() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneMap(p.info)
}

// SetInfo sets a single key in the peer's info map.
func (p *Peer) SetInfo(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info[key] = value
}

// Settings returns a copy of the peer's settings map.
func (p *Peer) Settings() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneMap(p.settings)
}

// SetSetting sets a single key in the peer's settings map.
func (p *Peer) SetSetting(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings[key] = value
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

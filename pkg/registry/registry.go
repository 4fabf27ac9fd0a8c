// Package registry implements the peer and room membership table
// (spec.md §4.6): O(1) insert and lookup, removal that also prunes the
// peer from every room, non-deduplicating room membership, and idempotent
// bulk removal.
package registry

import (
	"sync"

	"github.com/mark46/signal/internal/conn"
)

// Registry tracks connected peers and their room memberships. It is safe
// for concurrent use: broadcast and membership operations may run from
// any connection's goroutine (spec.md §5).
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]*conn.Peer
	rooms  map[string][]string // room -> member peer IDs, in join order
}

func New() *Registry {
	return &Registry{
		peers: make(map[string]*conn.Peer),
		rooms: make(map[string][]string),
	}
}

// Insert adds peer to the registry. It returns false if a peer with the
// same ID is already present.
func (r *Registry) Insert(peer *conn.Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[peer.ID]; ok {
		return false
	}
	r.peers[peer.ID] = peer
	return true
}

// Remove deletes a peer and prunes it from every room it had joined. It
// returns false if the peer was not present.
func (r *Registry) Remove(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[peerID]; !ok {
		return false
	}
	delete(r.peers, peerID)
	for room, members := range r.rooms {
		r.rooms[room] = removeAll(members, peerID)
		if len(r.rooms[room]) == 0 {
			delete(r.rooms, room)
		}
	}
	return true
}

// Get looks up a peer by ID.
func (r *Registry) Get(peerID string) (*conn.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	return p, ok
}

// Count returns the number of registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Join adds peerID to room, creating the room on first membership. It
// deliberately does not deduplicate: joining twice adds two entries
// (spec.md §4.6's documented quirk, carried from the original behavior).
func (r *Registry) Join(room, peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room] = append(r.rooms[room], peerID)
}

// Leave removes every occurrence of peerID from room. It returns true only
// if the peer was actually a member.
func (r *Registry) Leave(room, peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok || !contains(members, peerID) {
		return false
	}
	r.rooms[room] = removeAll(members, peerID)
	if len(r.rooms[room]) == 0 {
		delete(r.rooms, room)
	}
	return true
}

// LeaveAll removes peerID from every room it belongs to, invoking onRoom
// (if non-nil) once per room it was actually removed from.
func (r *Registry) LeaveAll(peerID string, onRoom func(room string)) {
	r.mu.Lock()
	var left []string
	for room, members := range r.rooms {
		if !contains(members, peerID) {
			continue
		}
		r.rooms[room] = removeAll(members, peerID)
		if len(r.rooms[room]) == 0 {
			delete(r.rooms, room)
		}
		left = append(left, room)
	}
	r.mu.Unlock()

	if onRoom == nil {
		return
	}
	for _, room := range left {
		onRoom(room)
	}
}

// ClientsFiltered returns every peer matching predicate, optionally
// restricted to a single room. A nil predicate matches everything, and
// an empty room matches every peer regardless of membership.
func (r *Registry) ClientsFiltered(room string, predicate func(*conn.Peer) bool) []*conn.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	if room == "" {
		ids = make([]string, 0, len(r.peers))
		for id := range r.peers {
			ids = append(ids, id)
		}
	} else {
		ids = r.rooms[room]
	}

	seen := make(map[string]bool, len(ids))
	out := make([]*conn.Peer, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue // a room may list the same peer more than once
		}
		seen[id] = true
		p, ok := r.peers[id]
		if !ok {
			continue
		}
		if predicate == nil || predicate(p) {
			out = append(out, p)
		}
	}
	return out
}

// CountInRoom returns the number of membership entries in room,
// including duplicates from non-deduplicated joins.
func (r *Registry) CountInRoom(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func removeAll(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

package registry

import (
	"sort"
	"testing"

	"github.com/mark46/signal/internal/conn"
)

func newPeer(t *testing.T) *conn.Peer {
	t.Helper()
	return conn.NewPeer("203.0.113.1", 1234)
}

func TestInsertRemoveGetCount(t *testing.T) {
	r := New()
	p := newPeer(t)

	if !r.Insert(p) {
		t.Fatal("Insert() = false on first insert")
	}
	if r.Insert(p) {
		t.Fatal("Insert() = true on duplicate insert")
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}

	got, ok := r.Get(p.ID)
	if !ok || got != p {
		t.Fatalf("Get(%q) = (%v, %v), want (%v, true)", p.ID, got, ok, p)
	}

	if !r.Remove(p.ID) {
		t.Fatal("Remove() = false on present peer")
	}
	if r.Remove(p.ID) {
		t.Fatal("Remove() = true on already-removed peer")
	}
	if r.Count() != 0 {
		t.Fatalf("Count() = %d after removal, want 0", r.Count())
	}
}

func TestJoinDoesNotDeduplicate(t *testing.T) {
	r := New()
	p := newPeer(t)
	r.Insert(p)

	r.Join("lobby", p.ID)
	r.Join("lobby", p.ID)

	if got := r.CountInRoom("lobby"); got != 2 {
		t.Fatalf("CountInRoom() = %d, want 2 (joins are not deduplicated)", got)
	}

	members := r.ClientsFiltered("lobby", nil)
	if len(members) != 1 {
		t.Fatalf("ClientsFiltered() returned %d distinct peers, want 1", len(members))
	}
}

func TestLeave(t *testing.T) {
	r := New()
	p := newPeer(t)
	r.Insert(p)
	r.Join("lobby", p.ID)

	if !r.Leave("lobby", p.ID) {
		t.Fatal("Leave() = false for a member")
	}
	if r.Leave("lobby", p.ID) {
		t.Fatal("Leave() = true for a peer no longer a member")
	}
	if r.Leave("nonexistent-room", p.ID) {
		t.Fatal("Leave() = true for a nonexistent room")
	}
}

func TestLeaveAll(t *testing.T) {
	r := New()
	p := newPeer(t)
	r.Insert(p)
	r.Join("lobby", p.ID)
	r.Join("vip", p.ID)

	var left []string
	r.LeaveAll(p.ID, func(room string) { left = append(left, room) })

	sort.Strings(left)
	want := []string{"lobby", "vip"}
	if len(left) != len(want) || left[0] != want[0] || left[1] != want[1] {
		t.Fatalf("LeaveAll() callback rooms = %v, want %v", left, want)
	}
	if r.CountInRoom("lobby") != 0 || r.CountInRoom("vip") != 0 {
		t.Fatal("peer still counted in a room after LeaveAll()")
	}
}

func TestRemovePrunesRoomMembership(t *testing.T) {
	r := New()
	p := newPeer(t)
	r.Insert(p)
	r.Join("lobby", p.ID)

	r.Remove(p.ID)

	if r.CountInRoom("lobby") != 0 {
		t.Fatalf("CountInRoom() = %d after Remove(), want 0", r.CountInRoom("lobby"))
	}
}

func TestClientsFiltered(t *testing.T) {
	r := New()
	p1, p2 := newPeer(t), newPeer(t)
	r.Insert(p1)
	r.Insert(p2)
	p1.SetInfo("tag", "a")
	p2.SetInfo("tag", "b")

	onlyA := r.ClientsFiltered("", func(p *conn.Peer) bool {
		return p.Info()["tag"] == "a"
	})
	if len(onlyA) != 1 || onlyA[0] != p1 {
		t.Fatalf("ClientsFiltered(predicate) = %v, want [p1]", onlyA)
	}

	all := r.ClientsFiltered("", nil)
	if len(all) != 2 {
		t.Fatalf("ClientsFiltered(nil) returned %d peers, want 2", len(all))
	}
}

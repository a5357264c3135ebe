package ws

import "testing"

func drain(s *Session) [][]byte {
	var frames [][]byte
	for {
		select {
		case f := <-s.send:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestRegistrySubscribeAndDeliver(t *testing.T) {
	r := NewRegistry()
	alice := newSession("alice", nil)
	bob := newSession("bob", nil)

	r.Subscribe(alice, "project:p1")
	r.Subscribe(bob, "project:p1")
	r.Subscribe(bob, "user:bob")

	if n := r.Deliver([]byte("ev"), "project:p1"); n != 2 {
		t.Fatalf("expected delivery to 2 sessions, got %d", n)
	}
	if got := len(drain(alice)); got != 1 {
		t.Fatalf("alice received %d frames, want 1", got)
	}
	if got := len(drain(bob)); got != 1 {
		t.Fatalf("bob received %d frames, want 1", got)
	}
}

func TestRegistryDeliverDeduplicatesAcrossRooms(t *testing.T) {
	r := NewRegistry()
	bob := newSession("bob", nil)
	r.Subscribe(bob, "project:p1")
	r.Subscribe(bob, "user:bob")

	// A member-joined event targets both rooms; bob must get it once.
	if n := r.Deliver([]byte("ev"), "project:p1", "user:bob"); n != 1 {
		t.Fatalf("expected single delivery, got %d", n)
	}
	if got := len(drain(bob)); got != 1 {
		t.Fatalf("bob received %d frames, want 1", got)
	}
}

func TestRegistryRoomIsolation(t *testing.T) {
	r := NewRegistry()
	alice := newSession("alice", nil)
	outsider := newSession("eve", nil)
	r.Subscribe(alice, "project:p1")
	r.Subscribe(outsider, "user:eve")

	r.Deliver([]byte("ev"), "project:p1")
	if got := len(drain(outsider)); got != 0 {
		t.Fatalf("outsider received %d frames, want 0", got)
	}
}

func TestRegistryUnsubscribeIdempotent(t *testing.T) {
	r := NewRegistry()
	s := newSession("alice", nil)
	r.Subscribe(s, "project:p1")

	r.Unsubscribe(s, "project:p1")
	r.Unsubscribe(s, "project:p1")
	r.Unsubscribe(s, "project:never-joined")

	if r.InRoom(s, "project:p1") {
		t.Fatal("expected session out of room")
	}
	if n := r.Deliver([]byte("ev"), "project:p1"); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
}

func TestRegistryRemoveDropsAllSubscriptions(t *testing.T) {
	r := NewRegistry()
	s := newSession("alice", nil)
	r.Subscribe(s, "user:alice")
	r.Subscribe(s, "project:p1")
	r.Subscribe(s, "project:p2")

	r.Remove(s)

	for _, room := range []string{"user:alice", "project:p1", "project:p2"} {
		if r.InRoom(s, room) {
			t.Fatalf("expected session removed from %s", room)
		}
		if size := r.RoomSize(room); size != 0 {
			t.Fatalf("room %s still has %d members", room, size)
		}
	}
}

func TestSessionSendDropsWhenBufferFull(t *testing.T) {
	s := newSession("alice", nil)
	for i := 0; i < sendBufferSize; i++ {
		if !s.Send([]byte("x")) {
			t.Fatalf("send %d rejected before buffer full", i)
		}
	}
	if s.Send([]byte("overflow")) {
		t.Fatal("expected overflow frame to be dropped")
	}
}

func TestSessionSendAfterCloseRejected(t *testing.T) {
	s := newSession("alice", nil)
	s.close()
	if s.Send([]byte("x")) {
		t.Fatal("expected send to closed session to fail")
	}
}

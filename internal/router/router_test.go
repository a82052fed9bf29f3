package router

import (
	"context"
	"testing"
	"time"

	"github.com/gapmesh/core/internal/identity"
)

type fakeTransport struct {
	kind      Kind
	reachable map[identity.PeerID]bool
	sent      [][]byte
	failNext  bool
}

func (f *fakeTransport) Kind() Kind { return f.kind }
func (f *fakeTransport) IsPeerReachable(peer identity.PeerID) bool {
	return f.reachable[peer]
}
func (f *fakeTransport) SendPrivate(_ context.Context, _ identity.PeerID, payload []byte) error {
	f.sent = append(f.sent, payload)
	return nil
}
func (f *fakeTransport) SendBroadcast(_ context.Context, payload []byte) error {
	f.sent = append(f.sent, payload)
	return nil
}

func TestOutboxFlushOnReachability(t *testing.T) {
	peer := identity.PeerID{1, 2, 3, 4, 5, 6, 7, 8}
	mesh := &fakeTransport{kind: KindMesh, reachable: map[identity.PeerID]bool{}}
	r := New(mesh)
	ctx := context.Background()

	if err := r.SendPrivate(ctx, peer, "m1", []byte("hello"), ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(mesh.sent) != 0 {
		t.Fatalf("expected nothing sent while unreachable")
	}
	if r.OutboxLen(peer) != 1 {
		t.Fatalf("expected 1 queued entry")
	}

	mesh.reachable[peer] = true
	r.PeerReachable(ctx, peer)

	if len(mesh.sent) != 1 {
		t.Fatalf("expected exactly one delivery after becoming reachable, got %d", len(mesh.sent))
	}
	if r.OutboxLen(peer) != 0 {
		t.Fatalf("expected outbox drained")
	}
}

func TestPreferenceOrderPicksFirstReachable(t *testing.T) {
	peer := identity.PeerID{9}
	mesh := &fakeTransport{kind: KindMesh, reachable: map[identity.PeerID]bool{peer: false}}
	internet := &fakeTransport{kind: KindInternet, reachable: map[identity.PeerID]bool{peer: true}}
	r := New(mesh, internet)

	if err := r.SendPrivate(context.Background(), peer, "m1", []byte("hi"), ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(internet.sent) != 1 || len(mesh.sent) != 0 {
		t.Fatalf("expected delivery via internet transport since mesh unreachable")
	}
}

func TestOutboxCapacityEvictsOldest(t *testing.T) {
	peer := identity.PeerID{1}
	r := New(&fakeTransport{kind: KindMesh, reachable: map[identity.PeerID]bool{}})
	for i := 0; i < MaxOutboxPerPeer+5; i++ {
		_ = r.SendPrivate(context.Background(), peer, "m", []byte("x"), "")
	}
	if r.OutboxLen(peer) != MaxOutboxPerPeer {
		t.Fatalf("expected outbox bounded at %d, got %d", MaxOutboxPerPeer, r.OutboxLen(peer))
	}
}

func TestSweepExpiredDropsOldEntries(t *testing.T) {
	peer := identity.PeerID{2}
	r := New(&fakeTransport{kind: KindMesh, reachable: map[identity.PeerID]bool{}})
	r.enqueue(peer, OutboxEntry{MessageID: "old", EnqueuedAt: time.Now().Add(-73 * time.Hour)})
	r.enqueue(peer, OutboxEntry{MessageID: "new", EnqueuedAt: time.Now()})

	dropped := r.SweepExpired(time.Now())
	if dropped != 1 {
		t.Fatalf("expected 1 dropped entry, got %d", dropped)
	}
	if r.OutboxLen(peer) != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", r.OutboxLen(peer))
	}
}

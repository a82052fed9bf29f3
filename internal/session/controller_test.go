package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gapmesh/core/internal/favorites"
	"github.com/gapmesh/core/internal/identity"
	"github.com/gapmesh/core/internal/keychain"
	"github.com/gapmesh/core/internal/router"
	"github.com/gapmesh/core/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// loopbackTransport hands encoded frames straight to a paired Controller's
// HandleInbound, so two Controllers can exchange handshakes and messages
// without a real BLE or Nostr transport.
type loopbackTransport struct {
	kind      router.Kind
	peer      identity.PeerID
	reachable bool
	deliverTo func(p *wire.Packet)
}

func (t *loopbackTransport) Kind() router.Kind { return t.kind }
func (t *loopbackTransport) IsPeerReachable(peer identity.PeerID) bool {
	return t.reachable && peer == t.peer
}
func (t *loopbackTransport) SendPrivate(ctx context.Context, peer identity.PeerID, payload []byte) error {
	p, err := wire.Decode(payload)
	if err != nil {
		return err
	}
	t.deliverTo(p)
	return nil
}
func (t *loopbackTransport) SendBroadcast(ctx context.Context, payload []byte) error {
	p, err := wire.Decode(payload)
	if err != nil {
		return err
	}
	t.deliverTo(p)
	return nil
}

func newTestController(t *testing.T) (*Controller, *identity.Identity) {
	t.Helper()
	ctx := context.Background()
	kc := keychain.NewMemory()
	id, err := identity.LoadOrGenerate(ctx, kc)
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	favStore, err := favorites.Open(ctx, kc)
	if err != nil {
		t.Fatalf("open favorites: %v", err)
	}
	r := router.New()
	c := New(id, kc, r, favStore, testLogger())
	return c, id
}

func TestSendPublicBroadcastsOverRouter(t *testing.T) {
	c, _ := newTestController(t)

	var received *wire.Packet
	transport := &loopbackTransport{
		kind:      router.KindMesh,
		reachable: true,
		deliverTo: func(p *wire.Packet) { received = p },
	}
	c.router.AddTransport(transport)

	if err := c.SendPublic("hello mesh", nil); err != nil {
		t.Fatalf("send public: %v", err)
	}
	if received == nil {
		t.Fatalf("expected broadcast to reach transport")
	}
	if string(received.Payload) != "hello mesh" {
		t.Fatalf("unexpected payload %q", received.Payload)
	}
}

func TestHandshakeAndPrivateMessageRoundTrip(t *testing.T) {
	alice, _ := newTestController(t)
	bob, bobID := newTestController(t)

	bobPeer := bobID.PeerID
	aliceID := alice.identity.PeerID

	aliceTransport := &loopbackTransport{kind: router.KindMesh, peer: bobPeer, reachable: true}
	bobTransport := &loopbackTransport{kind: router.KindMesh, peer: aliceID, reachable: true}

	aliceTransport.deliverTo = func(p *wire.Packet) { bob.HandleInbound(router.KindMesh, p) }
	bobTransport.deliverTo = func(p *wire.Packet) { alice.HandleInbound(router.KindMesh, p) }

	alice.router.AddTransport(aliceTransport)
	bob.router.AddTransport(bobTransport)

	if err := alice.StartHandshake(bobPeer); err != nil {
		t.Fatalf("start handshake: %v", err)
	}

	if !waitForEvent(t, alice.Events(), EventNoiseHandshakeComplete) {
		t.Fatalf("alice never observed handshake completion")
	}

	if err := alice.SendPrivate(bobPeer, "secret"); err != nil {
		t.Fatalf("send private: %v", err)
	}

	ev, ok := findEvent(t, bob.Events(), EventMessageReceived)
	if !ok {
		t.Fatalf("bob never received the private message")
	}
	if ev.Text != "secret" {
		t.Fatalf("unexpected message text %q", ev.Text)
	}
}

// waitForEvent drains ch until it sees an event of kind or one second has
// passed, whichever comes first.
func waitForEvent(t *testing.T, ch <-chan Event, kind EventKind) bool {
	t.Helper()
	_, ok := findEvent(t, ch, kind)
	return ok
}

func findEvent(t *testing.T, ch <-chan Event, kind EventKind) (Event, bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev, true
			}
		case <-deadline:
			return Event{}, false
		}
	}
}

func TestSendPrivateFragmentsOversizedMessages(t *testing.T) {
	alice, _ := newTestController(t)
	bob, bobID := newTestController(t)

	bobPeer := bobID.PeerID
	aliceID := alice.identity.PeerID

	aliceTransport := &loopbackTransport{kind: router.KindMesh, peer: bobPeer, reachable: true}
	bobTransport := &loopbackTransport{kind: router.KindMesh, peer: aliceID, reachable: true}

	var fragmentCount int
	aliceTransport.deliverTo = func(p *wire.Packet) {
		if p.Type == wire.TypeFragment {
			fragmentCount++
		}
		bob.HandleInbound(router.KindMesh, p)
	}
	bobTransport.deliverTo = func(p *wire.Packet) { alice.HandleInbound(router.KindMesh, p) }

	alice.router.AddTransport(aliceTransport)
	bob.router.AddTransport(bobTransport)

	if err := alice.StartHandshake(bobPeer); err != nil {
		t.Fatalf("start handshake: %v", err)
	}
	if !waitForEvent(t, alice.Events(), EventNoiseHandshakeComplete) {
		t.Fatalf("alice never observed handshake completion")
	}

	big := make([]byte, 9000)
	for i := range big {
		big[i] = byte(i)
	}
	if err := alice.SendPrivate(bobPeer, string(big)); err != nil {
		t.Fatalf("send private: %v", err)
	}

	ev, ok := findEvent(t, bob.Events(), EventMessageReceived)
	if !ok {
		t.Fatalf("bob never received the reassembled private message")
	}
	if ev.Text != string(big) {
		t.Fatalf("reassembled message mismatch: got %d bytes, want %d", len(ev.Text), len(big))
	}
	if fragmentCount < 5 {
		t.Fatalf("expected at least 5 fragments for a 9000-byte message, got %d", fragmentCount)
	}
}

func TestHandleInboundDeduplicatesBroadcasts(t *testing.T) {
	c, _ := newTestController(t)

	var sender identity.PeerID
	sender[0] = 0xAB
	p := &wire.Packet{
		Version:   wire.Version2,
		Type:      wire.TypeMessage,
		TTL:       3,
		Timestamp: 12345,
		SenderID:  [wire.SenderIDSize]byte(sender),
		Payload:   []byte("hi"),
	}

	c.HandleInbound(router.KindMesh, p)
	c.HandleInbound(router.KindMesh, p)

	events := 0
drain:
	for {
		select {
		case <-c.Events():
			events++
		default:
			break drain
		}
	}
	// One peerAppeared + one messageReceived for the first delivery; the
	// duplicate must produce nothing.
	if events != 2 {
		t.Fatalf("expected exactly 2 events from a duplicated broadcast, got %d", events)
	}
}

func TestSetNicknameTriggersAnnounce(t *testing.T) {
	c, _ := newTestController(t)

	var received *wire.Packet
	transport := &loopbackTransport{
		kind:      router.KindMesh,
		reachable: true,
		deliverTo: func(p *wire.Packet) { received = p },
	}
	c.router.AddTransport(transport)

	c.SetNickname("alice")
	if received == nil || received.Type != wire.TypeAnnounce {
		t.Fatalf("expected an announce packet, got %+v", received)
	}
	if string(received.Payload) != "alice" {
		t.Fatalf("unexpected announce payload %q", received.Payload)
	}
}

func TestPanicWipeClearsPeerTableAndIdentity(t *testing.T) {
	ctx := context.Background()
	c, id := newTestController(t)

	var peer identity.PeerID
	peer[0] = 0x01
	c.peers.touch(peer, "someone")

	if err := c.PanicWipe(ctx); err != nil {
		t.Fatalf("panic wipe: %v", err)
	}
	if len(c.peers.snapshot()) != 0 {
		t.Fatalf("expected peer table cleared")
	}
	if id.StaticPublic != ([32]byte{}) {
		t.Fatalf("expected static public key zeroed")
	}
}

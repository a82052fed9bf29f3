package nostr

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gapmesh/core/internal/dedup"
	"github.com/gapmesh/core/internal/favorites"
	"github.com/gapmesh/core/internal/identity"
	"github.com/gapmesh/core/internal/router"
	"github.com/gapmesh/core/internal/wire"
)

// Inbound is the callback the Transport hands every unwrapped, decoded
// Packet to — normally session.Controller.HandleInbound.
type Inbound func(p *wire.Packet)

// Transport implements router.Transport over a pool of public Nostr
// relays: outbound private sends are gift-wrapped (NIP-17/NIP-59) to the
// recipient's asserted Nostr pubkey; inbound kind-1059 wraps addressed to
// our own pubkey are unwrapped back into core Packets.
type Transport struct {
	self      identity.PeerID
	keypair   *Keypair
	favorites *favorites.Store
	onInbound Inbound
	log       *slog.Logger

	dedup *dedup.Set

	mu     sync.Mutex
	relays []*relay

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a nostr Transport that connects to relayURLs (DefaultRelays
// if empty). Call Start to begin the relay connection loops.
func New(self identity.PeerID, kp *Keypair, favStore *favorites.Store, relayURLs []string, onInbound Inbound, log *slog.Logger) *Transport {
	if len(relayURLs) == 0 {
		relayURLs = DefaultRelays
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		self:      self,
		keypair:   kp,
		favorites: favStore,
		onInbound: onInbound,
		log:       log,
		dedup:     dedup.New(dedup.DefaultCapacity),
		ctx:       ctx,
		cancel:    cancel,
	}

	filter := map[string]any{
		"kinds": []int{int(KindWrap)},
		"#p":    []string{kp.PublicKeyHex()},
		"since": time.Now().Unix(),
	}
	for _, url := range relayURLs {
		t.relays = append(t.relays, newRelay(url, filter, t.handleEvent, log))
	}
	return t
}

func (t *Transport) Kind() router.Kind { return router.KindInternet }

// Start launches one goroutine per relay running its connect/reconnect
// loop; each relay's lifecycle is independent, per §5.
func (t *Transport) Start() {
	for _, r := range t.relays {
		t.wg.Add(1)
		go func(r *relay) {
			defer t.wg.Done()
			r.Run(t.ctx)
		}(r)
	}
}

func (t *Transport) Stop() {
	t.cancel()
	t.wg.Wait()
}

func (t *Transport) handleEvent(ev *Event) {
	if ev.Kind != KindWrap {
		return
	}
	if !t.dedup.Insert(ev.ID) {
		return
	}

	senderPub, packetBytes, err := Unwrap(t.keypair, ev)
	if err != nil {
		t.log.Warn("nostr: failed to unwrap event", "id", ev.ID, "err", err)
		return
	}

	p, err := wire.Decode(packetBytes)
	if err != nil {
		t.log.Warn("nostr: embedded packet decode failed", "err", err)
		return
	}

	if peer, ok := t.favorites.PeerByNostrPubKey(hex.EncodeToString(senderPub[:])); ok {
		t.favorites.Touch(peer)
	}
	t.onInbound(p)
}

// IsPeerReachable reports whether peer is a mutual favorite who has
// asserted a Nostr pubkey and at least one relay is currently connected.
func (t *Transport) IsPeerReachable(peer identity.PeerID) bool {
	rec, ok := t.favorites.Get(peer)
	if !ok || !rec.Mutual() || rec.NostrPubKey == "" {
		return false
	}
	return t.anyRelayConnected()
}

func (t *Transport) anyRelayConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.relays {
		if r.isConnected() {
			return true
		}
	}
	return false
}

// SendPrivate gift-wraps payload (an already wire-encoded Packet) to peer's
// asserted Nostr pubkey and publishes it to every connected relay.
func (t *Transport) SendPrivate(ctx context.Context, peer identity.PeerID, payload []byte) error {
	rec, ok := t.favorites.Get(peer)
	if !ok || rec.NostrPubKey == "" {
		return fmt.Errorf("nostr: no known pubkey for peer %s", peer)
	}
	recipient, err := hexPub(rec.NostrPubKey)
	if err != nil {
		return fmt.Errorf("nostr: malformed favorite pubkey: %w", err)
	}

	wrap, err := GiftWrap(t.keypair, recipient, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("nostr: giftwrap: %w", err)
	}

	return t.publishAll(ctx, wrap)
}

// SendBroadcast is a no-op: the gift-wrap DM path this transport implements
// has no broadcast/flood analogue (ephemeral pub/sub channels are out of
// scope, per §1 overview point 6).
func (t *Transport) SendBroadcast(ctx context.Context, payload []byte) error { return nil }

func (t *Transport) publishAll(ctx context.Context, ev *Event) error {
	t.mu.Lock()
	relays := append([]*relay(nil), t.relays...)
	t.mu.Unlock()

	var firstErr error
	sent := 0
	for _, r := range relays {
		if !r.isConnected() {
			continue
		}
		if err := r.Publish(ctx, ev); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}
	if sent == 0 {
		if firstErr != nil {
			return fmt.Errorf("nostr: publish failed on every connected relay: %w", firstErr)
		}
		return fmt.Errorf("nostr: no connected relay to publish to")
	}
	return nil
}

var _ router.Transport = (*Transport)(nil)

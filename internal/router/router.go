// Package router implements per-peer transport arbitration: choosing which
// transport reaches a peer, queuing sends until one does, and draining that
// outbox the moment a transport or the favorites component reports a peer
// newly reachable.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gapmesh/core/internal/identity"
)

// MaxOutboxPerPeer bounds the outbox queue; oldest entries are evicted when
// it is full.
const MaxOutboxPerPeer = 256

// MaxOutboxAge is how long an outbox entry is kept before being discarded.
const MaxOutboxAge = 72 * time.Hour

// Kind distinguishes the capability classes the Router depends on: the
// required mesh and internet transports, plus an optional "extra" slot
// (e.g. WiFi-Aware) that is not required for the system to function.
type Kind int

const (
	KindMesh Kind = iota
	KindInternet
	KindExtra
)

// Transport is the capability interface the Router depends on. Concrete
// transports (BLE, Nostr, WiFi-Aware) each implement it; the Router never
// depends on their concrete types.
type Transport interface {
	Kind() Kind
	IsPeerReachable(peer identity.PeerID) bool
	SendPrivate(ctx context.Context, peer identity.PeerID, payload []byte) error
	SendBroadcast(ctx context.Context, payload []byte) error
}

// OutboxEntry is one queued outbound send awaiting a reachable transport.
type OutboxEntry struct {
	MessageID          string
	Content            []byte
	RecipientNickname  string
	EnqueuedAt         time.Time
}

// Router arbitrates outbound sends across transports, ordered by
// preference, and maintains the per-peer outbox for unreachable peers.
type Router struct {
	mu         sync.Mutex
	transports []Transport // in preference order: Mesh, Internet, then Extras
	outbox     map[identity.PeerID][]OutboxEntry

	onDrop func(peer identity.PeerID, entry OutboxEntry, reason string)
}

// New creates a Router with the given transports in preference order.
func New(transports ...Transport) *Router {
	return &Router{
		transports: transports,
		outbox:     make(map[identity.PeerID][]OutboxEntry),
	}
}

// OnDrop registers a callback invoked whenever an outbox entry is evicted
// (capacity exceeded or exceeded max age), so the Session Controller can
// surface a system-message event.
func (r *Router) OnDrop(fn func(peer identity.PeerID, entry OutboxEntry, reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDrop = fn
}

// AddTransport appends a transport to the preference order. Used to attach
// an optional extra transport (WiFi-Aware) after construction.
func (r *Router) AddTransport(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports = append(r.transports, t)
}

// preferredTransport returns the first transport, in preference order, that
// reports the peer reachable.
func (r *Router) preferredTransport(peer identity.PeerID) Transport {
	for _, t := range r.transports {
		if t.IsPeerReachable(peer) {
			return t
		}
	}
	return nil
}

// SendPrivate attempts to deliver content to peer immediately via the
// preferred reachable transport; if none is reachable, it is queued.
func (r *Router) SendPrivate(ctx context.Context, peer identity.PeerID, messageID string, content []byte, recipientNickname string) error {
	r.mu.Lock()
	t := r.preferredTransport(peer)
	r.mu.Unlock()

	if t == nil {
		r.enqueue(peer, OutboxEntry{
			MessageID:         messageID,
			Content:           content,
			RecipientNickname: recipientNickname,
			EnqueuedAt:        time.Now(),
		})
		return nil
	}
	return t.SendPrivate(ctx, peer, content)
}

func (r *Router) enqueue(peer identity.PeerID, entry OutboxEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.outbox[peer]
	if len(q) >= MaxOutboxPerPeer {
		dropped := q[0]
		q = q[1:]
		if r.onDrop != nil {
			go r.onDrop(peer, dropped, "capacity")
		}
	}
	r.outbox[peer] = append(q, entry)
}

// PeerReachable should be called by a transport (or the favorites
// component) when it learns peer has become reachable; it flushes that
// peer's outbox in enqueue order over whichever transport is now
// preferred.
func (r *Router) PeerReachable(ctx context.Context, peer identity.PeerID) {
	r.mu.Lock()
	q := r.outbox[peer]
	delete(r.outbox, peer)
	t := r.preferredTransport(peer)
	r.mu.Unlock()

	if t == nil || len(q) == 0 {
		if len(q) > 0 {
			// Still unreachable: put it back.
			r.mu.Lock()
			r.outbox[peer] = append(q, r.outbox[peer]...)
			r.mu.Unlock()
		}
		return
	}

	for i, entry := range q {
		if err := t.SendPrivate(ctx, peer, entry.Content); err != nil {
			// Re-queue the remainder (including this failed entry) rather
			// than silently dropping user-visible messages.
			r.mu.Lock()
			r.outbox[peer] = append(append([]OutboxEntry(nil), q[i:]...), r.outbox[peer]...)
			r.mu.Unlock()
			return
		}
	}
}

// SweepExpired discards outbox entries older than MaxOutboxAge, invoking
// onDrop for each.
func (r *Router) SweepExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for peer, q := range r.outbox {
		kept := q[:0:0]
		for _, entry := range q {
			if now.Sub(entry.EnqueuedAt) > MaxOutboxAge {
				dropped++
				if r.onDrop != nil {
					go r.onDrop(peer, entry, "max-age")
				}
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 {
			delete(r.outbox, peer)
		} else {
			r.outbox[peer] = kept
		}
	}
	return dropped
}

// OutboxLen returns the number of queued entries for peer, for tests and
// metrics.
func (r *Router) OutboxLen(peer identity.PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox[peer])
}

// SendReceipt sends a best-effort delivery/read acknowledgement: dropped
// (not queued) if the preferred transport cannot carry it right now.
func (r *Router) SendReceipt(ctx context.Context, peer identity.PeerID, payload []byte) error {
	r.mu.Lock()
	t := r.preferredTransport(peer)
	r.mu.Unlock()
	if t == nil {
		return fmt.Errorf("router: no reachable transport for receipt to %s", peer)
	}
	return t.SendPrivate(ctx, peer, payload)
}

// Broadcast fans a public send out to every transport capable of carrying
// broadcasts (mesh flood, and any extra transport that supports it).
func (r *Router) Broadcast(ctx context.Context, payload []byte) {
	r.mu.Lock()
	transports := append([]Transport(nil), r.transports...)
	r.mu.Unlock()
	for _, t := range transports {
		_ = t.SendBroadcast(ctx, payload)
	}
}

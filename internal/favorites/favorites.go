// Package favorites tracks the local peer↔public-key binding a user has
// asserted matters, and the mutual-favorite state that makes a peer
// eligible for the internet transport fallback.
package favorites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gapmesh/core/internal/identity"
	"github.com/gapmesh/core/internal/keychain"
)

// Record is a local assertion that a peer is important, per spec §3.
//
// LocalFavorite and RemoteAsserted are tracked separately because each side
// of a favorite relationship is only ever set by its own owner: LocalFavorite
// by SetFavorite (the local user's own choice), RemoteAsserted by
// RecordRemoteAssertion (the peer's self-reported claim, received over the
// wire and therefore unverifiable). Mutual favorite status, the only state
// that grants internet-transport eligibility, is their conjunction — never
// either flag alone.
type Record struct {
	PeerPublicKey  [32]byte  `json:"peerPublicKey"`
	Nickname       string    `json:"nickname,omitempty"`
	LocalFavorite  bool      `json:"localFavorite"`
	RemoteAsserted bool      `json:"remoteAsserted"`
	NostrPubKey    string    `json:"nostrPubKey,omitempty"`
	LastSeen       time.Time `json:"lastSeen"`
}

// Mutual reports whether both sides have favorited each other. This is the
// only state that should ever gate internet-transport eligibility.
func (r *Record) Mutual() bool {
	return r.LocalFavorite && r.RemoteAsserted
}

// Event is emitted when a peer's reachability via the internet transport
// changes as a result of a favorite/mutual-favorite assertion.
type Event struct {
	Peer      identity.PeerID
	Reachable bool
}

// Store persists favorites through the injected keychain and notifies
// subscribers of reachability events.
type Store struct {
	mu        sync.RWMutex
	kc        keychain.Keychain
	records   map[identity.PeerID]*Record
	listeners []chan<- Event
}

// Open loads the favorites store from kc, creating an empty one if absent.
func Open(ctx context.Context, kc keychain.Keychain) (*Store, error) {
	s := &Store{kc: kc, records: make(map[identity.PeerID]*Record)}
	blob, err := kc.Get(ctx, keychain.KeyFavorites)
	if err != nil {
		if errors.Is(err, keychain.ErrNotFound) {
			return s, nil
		}
		return nil, fmt.Errorf("favorites: load: %w", err)
	}
	var raw map[string]*Record
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("favorites: decode: %w", err)
	}
	for hexPeer, rec := range raw {
		peer, err := identity.FromHex(hexPeer)
		if err != nil {
			continue
		}
		s.records[peer] = rec
	}
	return s, nil
}

func (s *Store) persist(ctx context.Context) error {
	raw := make(map[string]*Record, len(s.records))
	for peer, rec := range s.records {
		raw[peer.String()] = rec
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("favorites: encode: %w", err)
	}
	return s.kc.Set(ctx, keychain.KeyFavorites, blob)
}

// Subscribe registers a channel to receive reachability events.
func (s *Store) Subscribe(ch chan<- Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, ch)
}

func (s *Store) emit(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SetFavorite records (or clears) the local favorite assertion for peer.
// It never sets RemoteAsserted: that half of mutual status belongs solely to
// RecordRemoteAssertion, which reflects what the peer itself has claimed.
func (s *Store) SetFavorite(ctx context.Context, peer identity.PeerID, peerPub [32]byte, nickname string, favorite bool) error {
	s.mu.Lock()
	rec, ok := s.records[peer]
	if !ok {
		rec = &Record{PeerPublicKey: peerPub}
		s.records[peer] = rec
	}
	rec.Nickname = nickname
	wasMutual := rec.Mutual()
	rec.LocalFavorite = favorite
	nowMutual := rec.Mutual()
	err := s.persist(ctx)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if nowMutual && !wasMutual {
		s.emit(Event{Peer: peer, Reachable: true})
	} else if !nowMutual && wasMutual {
		s.emit(Event{Peer: peer, Reachable: false})
	}
	return nil
}

// RecordRemoteAssertion applies a peer's "favorite-notification" payload:
// whether they favorite us, and optionally their Nostr pubkey for fallback.
// This only ever updates RemoteAsserted — the peer's own claim is never
// enough on its own to grant mutual status, which also requires that we
// favorited them back via SetFavorite.
func (s *Store) RecordRemoteAssertion(ctx context.Context, peer identity.PeerID, peerPub [32]byte, isFavorite bool, nostrPubKey string) error {
	s.mu.Lock()
	rec, ok := s.records[peer]
	if !ok {
		rec = &Record{PeerPublicKey: peerPub}
		s.records[peer] = rec
	}
	if nostrPubKey != "" {
		rec.NostrPubKey = nostrPubKey
	}
	rec.LastSeen = time.Now()
	wasMutual := rec.Mutual()
	rec.RemoteAsserted = isFavorite
	nowMutual := rec.Mutual()
	err := s.persist(ctx)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if nowMutual && !wasMutual {
		s.emit(Event{Peer: peer, Reachable: true})
	} else if !nowMutual && wasMutual {
		s.emit(Event{Peer: peer, Reachable: false})
	}
	return nil
}

// Get returns the favorite record for peer, if any.
func (s *Store) Get(peer identity.PeerID) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[peer]
	return rec, ok
}

// IsMutualFavorite reports whether peer is eligible for internet fallback.
func (s *Store) IsMutualFavorite(peer identity.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[peer]
	return ok && rec.Mutual()
}

// PeerByNostrPubKey reverse-looks-up the peer asserting nostrPubKey as its
// internet-transport identity, used by the Nostr transport to attribute an
// unwrapped event to a known peer.
func (s *Store) PeerByNostrPubKey(nostrPubKey string) (identity.PeerID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for peer, rec := range s.records {
		if rec.NostrPubKey == nostrPubKey {
			return peer, true
		}
	}
	return identity.PeerID{}, false
}

// Touch updates a peer's LastSeen to now, called whenever traffic from them
// arrives over any transport.
func (s *Store) Touch(peer identity.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[peer]; ok {
		rec.LastSeen = time.Now()
	}
}

// All returns a snapshot of every known favorite record, keyed by peer.
func (s *Store) All() map[identity.PeerID]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[identity.PeerID]Record, len(s.records))
	for peer, rec := range s.records {
		out[peer] = *rec
	}
	return out
}

// Clear wipes all favorites, used by identity panic wipe.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[identity.PeerID]*Record)
	return s.kc.Delete(ctx, keychain.KeyFavorites)
}

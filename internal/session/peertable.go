package session

import (
	"sync"
	"time"

	"github.com/gapmesh/core/internal/identity"
)

// peerRecord is the known-peer bookkeeping the Controller keeps in memory:
// born on first packet from a new key, forgotten when that peer sends Leave
// or on panic wipe.
type peerRecord struct {
	nickname string
	lastSeen time.Time
}

type peerTable struct {
	mu    sync.RWMutex
	peers map[identity.PeerID]*peerRecord
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[identity.PeerID]*peerRecord)}
}

// touch records activity from peer, returning true if this is the first
// time the peer has been observed.
func (t *peerTable) touch(peer identity.PeerID, nickname string) (isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[peer]
	if !ok {
		t.peers[peer] = &peerRecord{nickname: nickname, lastSeen: time.Now()}
		return true
	}
	rec.lastSeen = time.Now()
	if nickname != "" {
		rec.nickname = nickname
	}
	return false
}

func (t *peerTable) nicknameOf(peer identity.PeerID) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.peers[peer]; ok {
		return rec.nickname
	}
	return ""
}

func (t *peerTable) forget(peer identity.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peer)
}

func (t *peerTable) wipe() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[identity.PeerID]*peerRecord)
}

func (t *peerTable) snapshot() map[identity.PeerID]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[identity.PeerID]string, len(t.peers))
	for p, rec := range t.peers {
		out[p] = rec.nickname
	}
	return out
}

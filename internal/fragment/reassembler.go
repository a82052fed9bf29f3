package fragment

import (
	"encoding/hex"
	"sync"
	"time"
)

// DefaultTimeout is how long an incomplete transfer is kept before being
// abandoned and its memory freed.
const DefaultTimeout = 30 * time.Second

// DefaultCompletionGrace is how long a completed transfer's ID is
// remembered afterward, to silently drop late duplicate fragments.
const DefaultCompletionGrace = 30 * time.Second

type pending struct {
	total    uint16
	chunks   map[uint16][]byte
	firstSeen time.Time
	lastSeen  time.Time
}

// Reassembler reconstructs fragmented payloads, keyed by transfer ID.
type Reassembler struct {
	mu              sync.Mutex
	timeout         time.Duration
	completionGrace time.Duration
	transfers       map[string]*pending
	completed       map[string]time.Time
}

// NewReassembler creates a Reassembler with the given timeout and
// completion grace window; zero values use the package defaults.
func NewReassembler(timeout, completionGrace time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if completionGrace <= 0 {
		completionGrace = DefaultCompletionGrace
	}
	return &Reassembler{
		timeout:         timeout,
		completionGrace: completionGrace,
		transfers:       make(map[string]*pending),
		completed:       make(map[string]time.Time),
	}
}

func transferKey(id [TransferIDSize]byte) string {
	return hex.EncodeToString(id[:])
}

// Add feeds in one fragment. It returns the reassembled payload (non-nil)
// exactly once per transfer, on the fragment that completes it. Duplicate
// fragments, and fragments belonging to a transfer already completed within
// its grace window, are silently discarded.
func (r *Reassembler) Add(f *Fragment, now time.Time) (payload []byte, complete bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := transferKey(f.TransferID)
	if completedAt, ok := r.completed[key]; ok {
		if now.Sub(completedAt) < r.completionGrace {
			return nil, false
		}
		delete(r.completed, key)
	}

	p, ok := r.transfers[key]
	if !ok {
		p = &pending{
			total:     f.Total,
			chunks:    make(map[uint16][]byte),
			firstSeen: now,
		}
		r.transfers[key] = p
	}
	p.lastSeen = now

	if _, dup := p.chunks[f.Index]; dup {
		return nil, false
	}
	p.chunks[f.Index] = f.Chunk

	if len(p.chunks) < int(p.total) {
		return nil, false
	}

	out := make([]byte, 0, int(p.total)*len(f.Chunk))
	for i := uint16(0); i < p.total; i++ {
		out = append(out, p.chunks[i]...)
	}

	delete(r.transfers, key)
	r.completed[key] = now
	return out, true
}

// Sweep evicts transfers that have been incomplete longer than the
// reassembler's timeout, and completed-transfer markers older than the
// completion grace window. Call periodically from a maintenance loop.
func (r *Reassembler) Sweep(now time.Time) (expiredTransfers int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, p := range r.transfers {
		if now.Sub(p.lastSeen) >= r.timeout {
			delete(r.transfers, key)
			expiredTransfers++
		}
	}
	for key, completedAt := range r.completed {
		if now.Sub(completedAt) >= r.completionGrace {
			delete(r.completed, key)
		}
	}
	return expiredTransfers
}

// Pending returns the number of in-flight (incomplete) transfers, for tests
// and metrics.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

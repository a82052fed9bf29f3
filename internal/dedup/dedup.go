// Package dedup provides a bounded, thread-safe set of packet fingerprints
// used to suppress re-delivery of already-seen broadcasts and fragments.
package dedup

import (
	"encoding/hex"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is the default number of fingerprints retained before LRU
// eviction begins.
const DefaultCapacity = 4096

// Set is a bounded, concurrency-safe seen-fingerprint set. The zero value is
// not usable; construct with New.
type Set struct {
	cache *lru.Cache[string, struct{}]
}

// New creates a Set with the given capacity. Capacity <= 0 uses DefaultCapacity.
func New(capacity int) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		// Only returned by golang-lru on a non-positive size, which New
		// above already rules out.
		panic(err)
	}
	return &Set{cache: cache}
}

// Insert records fingerprint as seen. It returns true iff the fingerprint
// was not already present (i.e. this is the first time it has been seen).
func (s *Set) Insert(fingerprint string) bool {
	existed, _ := s.cache.ContainsOrAdd(fingerprint, struct{}{})
	return !existed
}

// Contains reports whether fingerprint has been seen and not yet evicted.
func (s *Set) Contains(fingerprint string) bool {
	return s.cache.Contains(fingerprint)
}

// Len returns the number of fingerprints currently retained.
func (s *Set) Len() int {
	return s.cache.Len()
}

// BroadcastFingerprint computes the dedup fingerprint for a broadcast packet:
// hex(senderID) + ":" + timestamp.
func BroadcastFingerprint(senderID []byte, timestampMillis int64) string {
	return hex.EncodeToString(senderID) + ":" + strconv.FormatInt(timestampMillis, 10)
}

// FragmentFingerprint computes the dedup fingerprint for a fragment: its
// transfer ID, hex-encoded.
func FragmentFingerprint(transferID []byte) string {
	return hex.EncodeToString(transferID)
}

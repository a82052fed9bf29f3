package nostr

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

func marshalEvent(e *Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("nostr: marshal event: %w", err)
	}
	return raw, nil
}

// marshalRumor is identical to marshalEvent; kept distinct so the gift-wrap
// call sites read as "rumor" vs "seal"/"wrap" at their point of use.
func marshalRumor(e *Event) ([]byte, error) { return marshalEvent(e) }

func unmarshalEvent(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("nostr: unmarshal event: %w", err)
	}
	return &e, nil
}

// randInt63n returns a cryptographically random value in [0, n).
func randInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	v := int64(binary.BigEndian.Uint64(buf[:]) & 0x7fffffffffffffff)
	return v % n
}

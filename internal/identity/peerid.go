package identity

import (
	"encoding/hex"
	"fmt"
)

// Size is the byte length of a PeerID.
const Size = 8

// PeerID is the 8-byte routing address derived from a peer's static
// Curve25519 public key: its first 8 bytes, taken verbatim.
type PeerID [Size]byte

// FromPublicKey derives the PeerID that corresponds to a static public key.
func FromPublicKey(pubKey []byte) PeerID {
	var id PeerID
	copy(id[:], pubKey[:Size])
	return id
}

// FromHex parses a hex-encoded PeerID string.
func FromHex(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid hex peer id: %w", err)
	}
	if len(b) != Size {
		return id, fmt.Errorf("peer id must be %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

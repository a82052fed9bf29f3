// Package nostr implements the internet relay transport: gift-wrapped
// (NIP-17/NIP-59) private messages carrying the core's binary Packet over
// a pool of public Nostr relays, reached over WebSocket with exponential
// backoff reconnect per relay.
package nostr

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/gapmesh/core/internal/keychain"
)

// Keypair is a device's Nostr identity: a secp256k1 keypair distinct from
// the Noise/Curve25519 static identity, used only to sign and address
// gift-wrapped events.
type Keypair struct {
	Private *secp256k1.PrivateKey
	// PublicKeyXOnly is the 32-byte x-only public key used throughout the
	// Nostr wire format (NIP-01 §"Events are hex-encoded x-only pubkeys").
	PublicKeyXOnly [32]byte
}

// PublicKeyHex returns the lowercase hex x-only pubkey, as used in event
// "pubkey" fields and "p" tags.
func (k *Keypair) PublicKeyHex() string {
	return hex.EncodeToString(k.PublicKeyXOnly[:])
}

// GenerateKeypair creates a brand-new, unpersisted Nostr keypair.
func GenerateKeypair() (*Keypair, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("nostr: generate key: %w", err)
	}
	priv := secp256k1.PrivKeyFromBytes(seed[:])
	return keypairFromPrivate(priv), nil
}

// EphemeralKeypair generates a throwaway keypair used to sign exactly one
// gift-wrap event (NIP-59 §"Wrap"), so relays cannot correlate the wrap to
// the sender's real Nostr identity.
func EphemeralKeypair() (*Keypair, error) { return GenerateKeypair() }

func keypairFromPrivate(priv *secp256k1.PrivateKey) *Keypair {
	pub := priv.PubKey()
	kp := &Keypair{Private: priv}
	copy(kp.PublicKeyXOnly[:], xOnly(pub))
	return kp
}

// xOnly extracts the 32-byte x-coordinate used by BIP-340/NIP-01, dropping
// the parity byte a compressed secp256k1 point would otherwise carry.
func xOnly(pub *secp256k1.PublicKey) []byte {
	return pub.SerializeCompressed()[1:]
}

// LoadOrGenerateKeypair loads the persisted Nostr keypair from kc,
// generating and saving a fresh one if none is present.
func LoadOrGenerateKeypair(ctx context.Context, kc keychain.Keychain) (*Keypair, error) {
	blob, err := kc.Get(ctx, keychain.KeyIdentityNostr)
	if err != nil {
		if !errors.Is(err, keychain.ErrNotFound) {
			return nil, fmt.Errorf("nostr: load key: %w", err)
		}
		kp, err := GenerateKeypair()
		if err != nil {
			return nil, err
		}
		if err := kc.Set(ctx, keychain.KeyIdentityNostr, kp.Private.Serialize()); err != nil {
			return nil, fmt.Errorf("nostr: persist key: %w", err)
		}
		return kp, nil
	}
	if len(blob) != 32 {
		return nil, fmt.Errorf("nostr: stored key has unexpected length %d", len(blob))
	}
	priv := secp256k1.PrivKeyFromBytes(blob)
	return keypairFromPrivate(priv), nil
}

// sharedSecretX returns the x-coordinate of priv*pub, the ECDH input NIP-44
// derives its conversation key from (NIP-04/NIP-44 §"Encryption").
func sharedSecretX(priv *secp256k1.PrivateKey, pubXOnly [32]byte) ([32]byte, error) {
	pub, err := parseXOnlyPubKey(pubXOnly)
	if err != nil {
		return [32]byte{}, err
	}
	var point secp256k1.JacobianPoint
	pub.AsJacobian(&point)

	var result secp256k1.JacobianPoint
	scalar := priv.Key
	secp256k1.ScalarMultNonConst(&scalar, &point, &result)
	result.ToAffine()

	var out [32]byte
	result.X.PutBytesUnchecked(out[:])
	return out, nil
}

// parseXOnlyPubKey recovers a full secp256k1 point from a BIP-340 x-only
// public key, choosing the even-y candidate as the standard mandates.
func parseXOnlyPubKey(x [32]byte) (*secp256k1.PublicKey, error) {
	var fx secp256k1.FieldVal
	if overflow := fx.SetByteSlice(x[:]); overflow {
		return nil, fmt.Errorf("nostr: x-only pubkey out of range")
	}
	// 0x02 is the compressed-point prefix byte for an even y-coordinate;
	// BIP-340/NIP-01 x-only keys are defined to always use the even-y
	// candidate of the two points sharing that x-coordinate.
	compressed := make([]byte, 33)
	compressed[0] = 0x02
	copy(compressed[1:], x[:])
	return secp256k1.ParsePubKey(compressed)
}

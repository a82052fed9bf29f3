// Package identity holds the device's long-term key material: a static
// Curve25519 keypair used for Noise sessions and an Ed25519 signing keypair
// used for packet signatures, plus the panic-wipe primitive that destroys
// them. Keys are persisted through an injected keychain.Keychain; this
// package never touches a filesystem or database directly.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/gapmesh/core/internal/keychain"
)

const (
	staticPrivateSize = 32
	signingSeedSize   = ed25519.SeedSize
)

// Identity is a device's complete key material.
type Identity struct {
	StaticPrivate [32]byte
	StaticPublic  [32]byte

	SigningPrivate ed25519.PrivateKey
	SigningPublic  ed25519.PublicKey

	PeerID      PeerID
	Fingerprint Fingerprint

	kc keychain.Keychain
}

// Generate creates a brand-new identity in memory without persisting it.
func Generate() (*Identity, error) {
	id := &Identity{}
	if _, err := rand.Read(id.StaticPrivate[:]); err != nil {
		return nil, fmt.Errorf("identity: generate static key: %w", err)
	}
	clamp(&id.StaticPrivate)

	pub, err := curve25519.X25519(id.StaticPrivate[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive static public key: %w", err)
	}
	copy(id.StaticPublic[:], pub)

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate signing key: %w", err)
	}
	id.SigningPublic = signPub
	id.SigningPrivate = signPriv

	id.derive()
	return id, nil
}

// clamp applies the standard Curve25519 private-key clamping.
func clamp(priv *[32]byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

func (id *Identity) derive() {
	id.PeerID = FromPublicKey(id.StaticPublic[:])
	id.Fingerprint = FingerprintFromPublicKey(id.StaticPublic[:])
}

// LoadOrGenerate loads persisted key material from kc, generating and saving
// a fresh identity if none is present.
func LoadOrGenerate(ctx context.Context, kc keychain.Keychain) (*Identity, error) {
	staticBlob, err := kc.Get(ctx, keychain.KeyIdentityStatic)
	if err != nil && !errors.Is(err, keychain.ErrNotFound) {
		return nil, fmt.Errorf("identity: read static key: %w", err)
	}
	signingBlob, serr := kc.Get(ctx, keychain.KeyIdentitySigning)
	if serr != nil && !errors.Is(serr, keychain.ErrNotFound) {
		return nil, fmt.Errorf("identity: read signing key: %w", serr)
	}

	if len(staticBlob) == staticPrivateSize && len(signingBlob) == signingSeedSize {
		id := &Identity{kc: kc}
		copy(id.StaticPrivate[:], staticBlob)
		pub, err := curve25519.X25519(id.StaticPrivate[:], curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("identity: derive static public key: %w", err)
		}
		copy(id.StaticPublic[:], pub)
		id.SigningPrivate = ed25519.NewKeyFromSeed(signingBlob)
		id.SigningPublic = id.SigningPrivate.Public().(ed25519.PublicKey)
		id.derive()
		return id, nil
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	id.kc = kc
	if err := id.persist(ctx); err != nil {
		return nil, err
	}
	return id, nil
}

func (id *Identity) persist(ctx context.Context) error {
	if err := id.kc.Set(ctx, keychain.KeyIdentityStatic, id.StaticPrivate[:]); err != nil {
		return fmt.Errorf("identity: persist static key: %w", err)
	}
	seed := id.SigningPrivate.Seed()
	if err := id.kc.Set(ctx, keychain.KeyIdentitySigning, seed); err != nil {
		return fmt.Errorf("identity: persist signing key: %w", err)
	}
	return nil
}

// Sign signs a message with the device's Ed25519 signing key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.SigningPrivate, message)
}

// Verify checks an Ed25519 signature against an arbitrary signing public key.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(pub, message, sig)
}

// PanicWipe destroys this identity's key material, in memory and in the
// keychain, and wipes every other keychain-backed record (favorites store
// included). Known-peer records and the outbox live in other components;
// the Session Controller is responsible for clearing those alongside this
// call. After PanicWipe, the *Identity must not be reused.
func (id *Identity) PanicWipe(ctx context.Context) error {
	zero(id.StaticPrivate[:])
	zero(id.StaticPublic[:])
	zero(id.SigningPrivate)
	zero(id.SigningPublic)
	id.PeerID = PeerID{}
	id.Fingerprint = ""

	if id.kc == nil {
		return nil
	}
	if err := id.kc.WipeAll(ctx); err != nil {
		return fmt.Errorf("identity: wipe keychain: %w", err)
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (id *Identity) String() string {
	return fmt.Sprintf("Identity{peer=%s, fingerprint=%s}", id.PeerID, id.Fingerprint)
}

// Package noise implements Noise_XX_25519_ChaChaPoly_SHA256: the three
// message XX handshake, the post-handshake transport ciphers with a
// 1024-wide per-direction replay window, and the session state machine
// (Idle → HandshakeSent → HandshakeReceived → Established → {Rekeying,
// Closed}) that drives it per peer.
package noise

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	DHLen     = 32
	HashLen   = sha256.Size
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead
)

// ProtocolName is the Noise protocol identifier mixed into the initial hash.
var ProtocolName = []byte("Noise_XX_25519_ChaChaPoly_SHA256")

// symmetricState tracks the evolving chaining key and transcript hash used
// during a handshake, mirroring the Noise spec's SymmetricState object.
type symmetricState struct {
	chainingKey [HashLen]byte
	hash        [HashLen]byte
	hasKey      bool
	key         [KeySize]byte
}

func newSymmetricState(protocolName []byte) *symmetricState {
	s := &symmetricState{}
	if len(protocolName) <= HashLen {
		copy(s.hash[:], protocolName)
	} else {
		s.hash = sha256.Sum256(protocolName)
	}
	s.chainingKey = s.hash
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	h := sha256.New()
	h.Write(s.hash[:])
	h.Write(data)
	copy(s.hash[:], h.Sum(nil))
}

// hkdf extracts a temp key from ck and inputKeyMaterial, then expands it
// into n chained outputs, as Noise's HKDF(ck, input, n) specifies.
func hkdf(ck [HashLen]byte, inputKeyMaterial []byte, n int) [][HashLen]byte {
	extractor := hmac.New(sha256.New, ck[:])
	extractor.Write(inputKeyMaterial)
	tempKey := extractor.Sum(nil)

	outs := make([][HashLen]byte, n)
	var prev []byte
	for i := 0; i < n; i++ {
		h := hmac.New(sha256.New, tempKey)
		h.Write(prev)
		h.Write([]byte{byte(i + 1)})
		sum := h.Sum(nil)
		copy(outs[i][:], sum)
		prev = outs[i][:]
	}
	return outs
}

func hkdf2(ck [HashLen]byte, inputKeyMaterial []byte) (out1, out2 [HashLen]byte) {
	outs := hkdf(ck, inputKeyMaterial, 2)
	return outs[0], outs[1]
}

func (s *symmetricState) mixKey(inputKeyMaterial []byte) {
	outs := hkdf(s.chainingKey, inputKeyMaterial, 2)
	s.chainingKey = outs[0]
	s.key = [KeySize]byte(outs[1])
	s.hasKey = true
}

func (s *symmetricState) mixKeyAndHash(inputKeyMaterial []byte) {
	outs := hkdf(s.chainingKey, inputKeyMaterial, 3)
	s.chainingKey = outs[0]
	s.mixHash(outs[1][:])
	s.key = [KeySize]byte(outs[2])
	s.hasKey = true
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if !s.hasKey {
		s.mixHash(plaintext)
		return append([]byte(nil), plaintext...), nil
	}
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, err
	}
	var nonce [NonceSize]byte
	ciphertext := aead.Seal(nil, nonce[:], plaintext, s.hash[:])
	s.mixHash(ciphertext)
	return ciphertext, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !s.hasKey {
		s.mixHash(ciphertext)
		return append([]byte(nil), ciphertext...), nil
	}
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, err
	}
	var nonce [NonceSize]byte
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, s.hash[:])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	s.mixHash(ciphertext)
	return plaintext, nil
}

// split derives the two one-way transport keys once the handshake
// transcript is final.
func (s *symmetricState) split() (k1, k2 [KeySize]byte) {
	a, b := hkdf2(s.chainingKey, nil)
	return [KeySize]byte(a), [KeySize]byte(b)
}

func dh(priv, pub [DHLen]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("noise: DH: %w", err)
	}
	return out, nil
}

func dhBase(priv [DHLen]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("noise: DH base: %w", err)
	}
	return out, nil
}

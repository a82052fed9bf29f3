package nostr

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const nip44Version = 0x02

// nip44ChachaKeySize and nip44HMACKeySize are the lengths of the ChaCha20 and
// HMAC keys expanded from the conversation key; nip44NonceSize is the length
// of the random per-message nonce.
const (
	nip44ChachaKeySize = 32
	nip44HMACKeySize   = 32
	nip44NonceSize     = 32
)

// conversationKey derives the NIP-44 v2 conversation key for the pair
// (priv, pub) via ECDH over secp256k1 followed by HKDF-extract with the
// fixed salt "nip44-v2".
func conversationKey(priv *secp256k1.PrivateKey, pub [32]byte) ([32]byte, error) {
	sharedX, err := sharedSecretX(priv, pub)
	if err != nil {
		return [32]byte{}, err
	}
	extracted := hkdf.Extract(sha256.New, sharedX[:], []byte("nip44-v2"))
	var out [32]byte
	copy(out[:], extracted)
	return out, nil
}

// messageKeys expands the conversation key with the per-message nonce into
// the ChaCha20 key/nonce and HMAC key, per NIP-44's "get_message_keys".
func messageKeys(convKey [32]byte, nonce [nip44NonceSize]byte) (chachaKey, hmacKey [32]byte, chachaNonce [12]byte, err error) {
	expander := hkdf.Expand(sha256.New, convKey[:], nonce[:])
	buf := make([]byte, nip44ChachaKeySize+12+nip44HMACKeySize)
	if _, err = io.ReadFull(expander, buf); err != nil {
		return chachaKey, hmacKey, chachaNonce, fmt.Errorf("nostr: nip44 expand keys: %w", err)
	}
	copy(chachaKey[:], buf[:32])
	copy(chachaNonce[:], buf[32:44])
	copy(hmacKey[:], buf[44:76])
	return
}

// calcPaddedLen implements NIP-44's custom padding-bucket scheme, rounding
// up to one of a small set of sizes so ciphertext length leaks less about
// the plaintext's exact length.
func calcPaddedLen(n int) int {
	if n <= 32 {
		return 32
	}
	nextPower := 1
	for nextPower*2 <= n-1 {
		nextPower <<= 1
	}
	nextPower <<= 1
	chunk := nextPower / 8
	if nextPower <= 256 {
		chunk = 32
	}
	return chunk * ((n-1)/chunk + 1)
}

func pad(plaintext []byte) []byte {
	n := len(plaintext)
	out := make([]byte, 2+calcPaddedLen(n))
	out[0] = byte(n >> 8)
	out[1] = byte(n)
	copy(out[2:], plaintext)
	return out
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, fmt.Errorf("nostr: nip44 padded content too short")
	}
	n := int(padded[0])<<8 | int(padded[1])
	if n < 0 || 2+n > len(padded) {
		return nil, fmt.Errorf("nostr: nip44 declared length exceeds payload")
	}
	if len(padded) != 2+calcPaddedLen(n) {
		return nil, fmt.Errorf("nostr: nip44 padded length mismatch")
	}
	return padded[2 : 2+n], nil
}

// nip44Encrypt implements NIP-44 v2 payload encryption: ChaCha20 over a
// length-padded plaintext, authenticated with HMAC-SHA256 over nonce||ct,
// base64-encoded as version||nonce||ciphertext||mac.
func nip44Encrypt(priv *secp256k1.PrivateKey, recipient [32]byte, plaintext []byte) (string, error) {
	convKey, err := conversationKey(priv, recipient)
	if err != nil {
		return "", err
	}
	var nonce [nip44NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("nostr: nip44 nonce: %w", err)
	}
	chachaKey, hmacKey, chachaNonce, err := messageKeys(convKey, nonce)
	if err != nil {
		return "", err
	}

	padded := pad(plaintext)
	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey[:], chachaNonce[:])
	if err != nil {
		return "", fmt.Errorf("nostr: nip44 cipher: %w", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.XORKeyStream(ciphertext, padded)

	mac := hmacOf(hmacKey, nonce[:], ciphertext)

	out := make([]byte, 0, 1+nip44NonceSize+len(ciphertext)+32)
	out = append(out, nip44Version)
	out = append(out, nonce[:]...)
	out = append(out, ciphertext...)
	out = append(out, mac...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// nip44Decrypt reverses nip44Encrypt, using sender as the counterparty's
// x-only public key in the ECDH.
func nip44Decrypt(priv *secp256k1.PrivateKey, sender [32]byte, payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("nostr: nip44 base64: %w", err)
	}
	if len(raw) < 1+nip44NonceSize+32 {
		return nil, fmt.Errorf("nostr: nip44 payload too short")
	}
	if raw[0] != nip44Version {
		return nil, fmt.Errorf("nostr: nip44 unsupported version %d", raw[0])
	}
	var nonce [nip44NonceSize]byte
	copy(nonce[:], raw[1:1+nip44NonceSize])
	ciphertext := raw[1+nip44NonceSize : len(raw)-32]
	gotMAC := raw[len(raw)-32:]

	convKey, err := conversationKey(priv, sender)
	if err != nil {
		return nil, err
	}
	chachaKey, hmacKey, chachaNonce, err := messageKeys(convKey, nonce)
	if err != nil {
		return nil, err
	}

	wantMAC := hmacOf(hmacKey, nonce[:], ciphertext)
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, errors.New("nostr: nip44 mac mismatch")
	}

	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey[:], chachaNonce[:])
	if err != nil {
		return nil, fmt.Errorf("nostr: nip44 cipher: %w", err)
	}
	padded := make([]byte, len(ciphertext))
	cipher.XORKeyStream(padded, ciphertext)

	return unpad(padded)
}

func hmacOf(key [32]byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key[:])
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

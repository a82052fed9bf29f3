package noise

import (
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCiphertextTooShort is returned when a transport message is too short
// to contain even the nonce prefix and AEAD tag.
var ErrCiphertextTooShort = errors.New("noise: ciphertext too short")

// ErrReplay is the terminal error raised when a nonce has already been
// consumed or falls below the trailing edge of the replay window.
var ErrReplay = errors.New("noise: nonce replay or out of window")

// replayWindowSize is the width, in bits, of the sliding acceptance window
// per direction (spec: 1024).
const replayWindowSize = 1024

// replayWindow implements the sliding-window nonce replay check used by
// WireGuard-style transport ciphers: nonces within [highest-windowSize+1,
// highest] are tracked individually; anything older is rejected outright.
type replayWindow struct {
	mu      sync.Mutex
	highest uint64
	bitmap  [replayWindowSize / 64]uint64
	started bool
}

func (w *replayWindow) accept(counter uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		w.started = true
		w.highest = counter
		w.setBit(counter)
		return true
	}

	if counter > w.highest {
		shift := counter - w.highest
		w.advance(shift)
		w.highest = counter
		w.setBit(counter)
		return true
	}

	diff := w.highest - counter
	if diff >= replayWindowSize {
		return false
	}
	if w.testBit(counter) {
		return false
	}
	w.setBit(counter)
	return true
}

func (w *replayWindow) advance(shift uint64) {
	if shift >= replayWindowSize {
		for i := range w.bitmap {
			w.bitmap[i] = 0
		}
		return
	}
	// Older nonces move toward lower bit indices as highest grows.
	wordShift := shift / 64
	bitShift := shift % 64
	if wordShift > 0 {
		n := len(w.bitmap)
		for i := 0; i < n; i++ {
			src := i + int(wordShift)
			if src < n {
				w.bitmap[i] = w.bitmap[src]
			} else {
				w.bitmap[i] = 0
			}
		}
	}
	if bitShift > 0 {
		var carry uint64
		for i := len(w.bitmap) - 1; i >= 0; i-- {
			cur := w.bitmap[i]
			w.bitmap[i] = (cur >> bitShift) | carry
			carry = cur << (64 - bitShift)
		}
	}
}

func (w *replayWindow) bitIndex(counter uint64) (word int, bit uint) {
	offset := w.highest - counter
	idx := replayWindowSize - 1 - offset
	return int(idx / 64), uint(idx % 64)
}

func (w *replayWindow) setBit(counter uint64) {
	word, bit := w.bitIndex(counter)
	w.bitmap[word] |= 1 << bit
}

func (w *replayWindow) testBit(counter uint64) bool {
	word, bit := w.bitIndex(counter)
	return w.bitmap[word]&(1<<bit) != 0
}

// Cipher provides authenticated transport encryption in one direction pair:
// a send key with a monotonic counter, and a receive key guarded by a
// replay window. Wire format: 8-byte little-endian counter, then the AEAD
// ciphertext and tag.
type Cipher struct {
	sendKey [KeySize]byte
	recvKey [KeySize]byte

	sendMu     sync.Mutex
	sendNonce  uint64
	recvWindow replayWindow

	messageCount uint64
	countMu      sync.Mutex
}

// NewCipher builds a transport cipher pair from handshake-derived keys.
func NewCipher(sendKey, recvKey [KeySize]byte) *Cipher {
	return &Cipher{sendKey: sendKey, recvKey: recvKey}
}

// Encrypt seals plaintext under the next send nonce.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.sendKey[:])
	if err != nil {
		return nil, err
	}

	c.sendMu.Lock()
	counter := c.sendNonce
	c.sendNonce++
	c.sendMu.Unlock()
	c.bumpMessageCount()

	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	out := make([]byte, 8, 8+len(plaintext)+TagSize)
	binary.LittleEndian.PutUint64(out, counter)
	out = aead.Seal(out, nonce[:], plaintext, nil)
	return out, nil
}

// Decrypt opens a transport message, enforcing the replay window.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < 8+TagSize {
		return nil, ErrCiphertextTooShort
	}
	counter := binary.LittleEndian.Uint64(data[:8])

	aead, err := chacha20poly1305.New(c.recvKey[:])
	if err != nil {
		return nil, err
	}
	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	plaintext, err := aead.Open(nil, nonce[:], data[8:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	if !c.recvWindow.accept(counter) {
		return nil, ErrReplay
	}
	c.bumpMessageCount()
	return plaintext, nil
}

func (c *Cipher) bumpMessageCount() {
	c.countMu.Lock()
	c.messageCount++
	c.countMu.Unlock()
}

// MessageCount returns the number of messages encrypted or decrypted with
// this cipher, used to trigger the rekey policy.
func (c *Cipher) MessageCount() uint64 {
	c.countMu.Lock()
	defer c.countMu.Unlock()
	return c.messageCount
}

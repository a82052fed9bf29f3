package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// Kind enumerates the event kinds this transport emits or consumes, per
// NIP-17/NIP-59.
type Kind int

const (
	KindRumor  Kind = 14   // unsigned DM payload
	KindSeal   Kind = 13   // rumor encrypted to the recipient
	KindWrap   Kind = 1059 // seal encrypted under an ephemeral key
	KindFavNot Kind = 30078
)

// Tag is a single NIP-01 tag array, e.g. ["p", "<pubkey>"].
type Tag []string

// Event is a NIP-01 event. Rumors (kind 14) are carried unsigned inside a
// seal's encrypted content, per NIP-59; Seal and Wrap events are always
// signed.
type Event struct {
	ID        string `json:"id,omitempty"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      Kind   `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig,omitempty"`
}

// serializationArray builds the exact 6-element array NIP-01 specifies for
// computing an event's id: [0, pubkey, created_at, kind, tags, content].
func (e *Event) serializationArray() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = []Tag{}
	}
	arr := []any{0, e.PubKey, e.CreatedAt, int(e.Kind), tags, e.Content}
	return json.Marshal(arr)
}

// computeID sets e.ID to the lowercase hex SHA-256 of the serialized event.
func (e *Event) computeID() error {
	raw, err := e.serializationArray()
	if err != nil {
		return fmt.Errorf("nostr: serialize event: %w", err)
	}
	sum := sha256.Sum256(raw)
	e.ID = hex.EncodeToString(sum[:])
	return nil
}

// Sign computes the event id and a Schnorr signature over it under kp,
// setting both ID, PubKey and Sig.
func (e *Event) Sign(kp *Keypair) error {
	e.PubKey = kp.PublicKeyHex()
	if err := e.computeID(); err != nil {
		return err
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("nostr: decode event id: %w", err)
	}
	sig, err := schnorr.Sign(kp.Private, idBytes)
	if err != nil {
		return fmt.Errorf("nostr: sign event: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that e.ID matches its content and e.Sig is a valid
// signature over it by e.PubKey.
func (e *Event) Verify() error {
	want := *e
	want.ID = ""
	want.Sig = ""
	if err := want.computeID(); err != nil {
		return err
	}
	if want.ID != e.ID {
		return fmt.Errorf("nostr: event id mismatch")
	}

	pubBytes, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pubBytes) != 32 {
		return fmt.Errorf("nostr: malformed event pubkey")
	}
	var pubArr [32]byte
	copy(pubArr[:], pubBytes)
	pub, err := parseXOnlyPubKey(pubArr)
	if err != nil {
		return fmt.Errorf("nostr: parse event pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("nostr: malformed signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("nostr: parse signature: %w", err)
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("nostr: decode event id: %w", err)
	}
	if !sig.Verify(idBytes, pub) {
		return fmt.Errorf("nostr: signature verification failed")
	}
	return nil
}

// FirstTagValue returns the second element of the first tag whose name
// matches key, e.g. FirstTagValue("p") for a "p" recipient tag.
func (e *Event) FirstTagValue(key string) (string, bool) {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == key {
			return t[1], true
		}
	}
	return "", false
}

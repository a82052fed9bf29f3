package nostr

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// PacketMarker is the literal prefix identifying an embedded core Packet
// inside a rumor's content, per §6: "bitchat1:" followed by base64 of the
// raw encoded Packet (after Noise encryption, before any BLE-layer padding).
const PacketMarker = "bitchat1:"

// EncodeRumorContent wraps an already wire-encoded Packet for embedding in
// a kind-14 rumor's content field.
func EncodeRumorContent(encodedPacket []byte) string {
	return PacketMarker + base64.StdEncoding.EncodeToString(encodedPacket)
}

// DecodeRumorContent extracts the raw encoded Packet bytes from a rumor's
// content, or reports ok=false if the marker is absent.
func DecodeRumorContent(content string) (packet []byte, ok bool) {
	if !strings.HasPrefix(content, PacketMarker) {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(content[len(PacketMarker):])
	if err != nil {
		return nil, false
	}
	return raw, true
}

// GiftWrap builds the full kind 14 → 13 → 1059 envelope for sending
// encodedPacket to recipientPub, per NIP-17/NIP-59.
func GiftWrap(sender *Keypair, recipientPub [32]byte, encodedPacket []byte, createdAt int64) (*Event, error) {
	rumor := &Event{
		PubKey:    sender.PublicKeyHex(),
		CreatedAt: createdAt,
		Kind:      KindRumor,
		Tags:      []Tag{{"p", hex.EncodeToString(recipientPub[:])}},
		Content:   EncodeRumorContent(encodedPacket),
	}
	// NIP-59 rumors are unsigned but still carry a content-addressed id, so
	// a later unwrap can detect tampering even though nothing here checks
	// the rumor's signature.
	if err := rumor.computeID(); err != nil {
		return nil, fmt.Errorf("nostr: giftwrap rumor id: %w", err)
	}

	rumorJSON, err := marshalRumor(rumor)
	if err != nil {
		return nil, err
	}

	sealedContent, err := nip44Encrypt(sender.Private, recipientPub, rumorJSON)
	if err != nil {
		return nil, fmt.Errorf("nostr: seal rumor: %w", err)
	}
	seal := &Event{
		CreatedAt: jitterTimestamp(createdAt),
		Kind:      KindSeal,
		Tags:      []Tag{},
		Content:   sealedContent,
	}
	if err := seal.Sign(sender); err != nil {
		return nil, fmt.Errorf("nostr: sign seal: %w", err)
	}

	ephemeral, err := EphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("nostr: ephemeral key: %w", err)
	}
	sealJSON, err := marshalEvent(seal)
	if err != nil {
		return nil, err
	}
	wrappedContent, err := nip44Encrypt(ephemeral.Private, recipientPub, sealJSON)
	if err != nil {
		return nil, fmt.Errorf("nostr: wrap seal: %w", err)
	}
	wrap := &Event{
		CreatedAt: jitterTimestamp(createdAt),
		Kind:      KindWrap,
		Tags:      []Tag{{"p", hex.EncodeToString(recipientPub[:])}},
		Content:   wrappedContent,
	}
	if err := wrap.Sign(ephemeral); err != nil {
		return nil, fmt.Errorf("nostr: sign wrap: %w", err)
	}
	return wrap, nil
}

// Unwrap reverses GiftWrap given the recipient's own key: unwrap the wrap
// event's content with the ephemeral pubkey embedded as wrap.PubKey,
// unseal the seal, and extract the embedded Packet bytes.
func Unwrap(recipient *Keypair, wrap *Event) (senderPub [32]byte, packet []byte, err error) {
	ephemeralPub, err := hexPub(wrap.PubKey)
	if err != nil {
		return senderPub, nil, fmt.Errorf("nostr: wrap pubkey: %w", err)
	}
	sealJSON, err := nip44Decrypt(recipient.Private, ephemeralPub, wrap.Content)
	if err != nil {
		return senderPub, nil, fmt.Errorf("nostr: unwrap: %w", err)
	}
	seal, err := unmarshalEvent(sealJSON)
	if err != nil {
		return senderPub, nil, fmt.Errorf("nostr: unmarshal seal: %w", err)
	}
	if seal.Kind != KindSeal {
		return senderPub, nil, fmt.Errorf("nostr: expected seal event, got kind %d", seal.Kind)
	}
	if err := seal.Verify(); err != nil {
		return senderPub, nil, fmt.Errorf("nostr: seal signature: %w", err)
	}

	sealSender, err := hexPub(seal.PubKey)
	if err != nil {
		return senderPub, nil, fmt.Errorf("nostr: seal pubkey: %w", err)
	}
	rumorJSON, err := nip44Decrypt(recipient.Private, sealSender, seal.Content)
	if err != nil {
		return senderPub, nil, fmt.Errorf("nostr: unseal rumor: %w", err)
	}
	rumor, err := unmarshalEvent(rumorJSON)
	if err != nil {
		return senderPub, nil, fmt.Errorf("nostr: unmarshal rumor: %w", err)
	}
	if rumor.Kind != KindRumor {
		return senderPub, nil, fmt.Errorf("nostr: expected rumor event, got kind %d", rumor.Kind)
	}

	packetBytes, ok := DecodeRumorContent(rumor.Content)
	if !ok {
		return senderPub, nil, fmt.Errorf("nostr: rumor missing %s marker", PacketMarker)
	}
	return sealSender, packetBytes, nil
}

func hexPub(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("malformed pubkey %q", s)
	}
	copy(out[:], raw)
	return out, nil
}

// jitterTimestamp randomizes an event's created_at within the preceding
// two days, per NIP-59's guidance to decorrelate seal/wrap timing from the
// rumor's real send time.
func jitterTimestamp(createdAt int64) int64 {
	const twoDaysSeconds = 2 * 24 * 60 * 60
	return createdAt - randInt63n(twoDaysSeconds)
}

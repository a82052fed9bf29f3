package nostr

import "testing"

func TestGiftWrapRoundTrip(t *testing.T) {
	alice, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate alice: %v", err)
	}
	bob, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate bob: %v", err)
	}

	encodedPacket := []byte("pretend this is an encoded wire.Packet")
	wrap, err := GiftWrap(alice, bob.PublicKeyXOnly, encodedPacket, 1700000000)
	if err != nil {
		t.Fatalf("giftwrap: %v", err)
	}
	if wrap.Kind != KindWrap {
		t.Fatalf("expected wrap kind %d, got %d", KindWrap, wrap.Kind)
	}
	if err := wrap.Verify(); err != nil {
		t.Fatalf("wrap signature invalid: %v", err)
	}
	if wrap.PubKey == alice.PublicKeyHex() {
		t.Fatalf("wrap must be signed by an ephemeral key, not alice's real key")
	}

	sender, packet, err := Unwrap(bob, wrap)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if sender != alice.PublicKeyXOnly {
		t.Fatalf("unwrapped sender mismatch")
	}
	if string(packet) != string(encodedPacket) {
		t.Fatalf("unwrapped packet mismatch: got %q want %q", packet, encodedPacket)
	}
}

func TestUnwrapRejectsWrongRecipient(t *testing.T) {
	alice, _ := GenerateKeypair()
	bob, _ := GenerateKeypair()
	eve, _ := GenerateKeypair()

	wrap, err := GiftWrap(alice, bob.PublicKeyXOnly, []byte("secret"), 1700000000)
	if err != nil {
		t.Fatalf("giftwrap: %v", err)
	}

	if _, _, err := Unwrap(eve, wrap); err == nil {
		t.Fatalf("expected unwrap by the wrong recipient to fail")
	}
}

func TestRumorMarkerRoundTrip(t *testing.T) {
	packet := []byte{0x02, 0x11, 0xaa, 0xbb}
	content := EncodeRumorContent(packet)
	got, ok := DecodeRumorContent(content)
	if !ok {
		t.Fatalf("expected marker to be recognized")
	}
	if string(got) != string(packet) {
		t.Fatalf("got %x want %x", got, packet)
	}

	if _, ok := DecodeRumorContent("not a marked payload"); ok {
		t.Fatalf("expected non-prefixed content to be rejected")
	}
}

package stream

import (
	"bytes"
	"testing"
	"time"

	"github.com/gapmesh/core/internal/wire"
)

func mustEncode(t *testing.T, payload string, ttl uint8) []byte {
	t.Helper()
	p := &wire.Packet{
		Version:   wire.Version1,
		Type:      wire.TypeMessage,
		TTL:       ttl,
		Timestamp: 1234,
		Payload:   []byte(payload),
	}
	out, err := wire.Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return out
}

func TestAssemblerLivenessArbitraryChunking(t *testing.T) {
	f1 := mustEncode(t, "first message", 1)
	f2 := mustEncode(t, "second", 2)
	f3 := mustEncode(t, "a third, somewhat longer message", 3)
	stream := append(append(append([]byte{}, f1...), f2...), f3...)

	chunkSizes := []int{1, 3, 7, 16, 40, 1000}
	for _, size := range chunkSizes {
		a := NewAssembler(0, 0)
		now := time.Now()
		var got [][]byte
		for off := 0; off < len(stream); off += size {
			end := off + size
			if end > len(stream) {
				end = len(stream)
			}
			res := a.Append(stream[off:end], now)
			got = append(got, res.Frames...)
		}
		if len(got) != 3 {
			t.Fatalf("chunk size %d: got %d frames, want 3", size, len(got))
		}
		if !bytes.Equal(got[0], f1) || !bytes.Equal(got[1], f2) || !bytes.Equal(got[2], f3) {
			t.Fatalf("chunk size %d: frames out of order or corrupted", size)
		}
	}
}

func TestAssemblerDropsLeadingGarbageByte(t *testing.T) {
	good := mustEncode(t, "hi", 1)
	stream := append([]byte{0xFF}, good...)

	a := NewAssembler(0, 0)
	res := a.Append(stream, time.Now())
	if res.DroppedPrefixBytes != 1 {
		t.Fatalf("expected 1 dropped prefix byte, got %d", res.DroppedPrefixBytes)
	}
	if len(res.Frames) != 1 || !bytes.Equal(res.Frames[0], good) {
		t.Fatalf("expected the valid frame to still be extracted")
	}
}

func TestAssemblerResetsOnStall(t *testing.T) {
	good := mustEncode(t, "hello", 1)
	a := NewAssembler(100*time.Millisecond, 0)
	now := time.Now()

	res := a.Append(good[:len(good)-2], now)
	if res.DidReset {
		t.Fatalf("should not reset immediately on a partial frame")
	}

	res = a.Append(nil, now.Add(200*time.Millisecond))
	if !res.DidReset {
		t.Fatalf("expected reset after stall threshold elapsed")
	}
}

func TestAssemblerNeverExceedsHardCap(t *testing.T) {
	a := NewAssembler(0, 32)
	// A well-formed header declaring a huge payload length should trigger
	// an immediate reset rather than buffering unbounded bytes.
	huge := mustEncode(t, string(make([]byte, 1000)), 1)
	res := a.Append(huge, time.Now())
	if !res.DidReset {
		t.Fatalf("expected reset when declared frame length exceeds hard cap")
	}
	if a.Len() > 32 {
		t.Fatalf("assembler buffered more than hard cap: %d", a.Len())
	}
}

package fragment

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

func TestSplitReassembleRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("gap-mesh-payload-"), 600) // ~10KB
	frags, err := Split(payload, 512)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(frags) < 5 {
		t.Fatalf("expected at least 5 fragments for ~10KB at mtu 512, got %d", len(frags))
	}

	// Shuffle to exercise out-of-order arrival.
	shuffled := append([]*Fragment(nil), frags...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	r := NewReassembler(0, 0)
	now := time.Now()
	var result []byte
	for i, f := range shuffled {
		out, complete := r.Add(f, now)
		if complete {
			result = out
			if i != len(shuffled)-1 {
				t.Fatalf("completed early at fragment %d of %d", i, len(shuffled))
			}
		}
	}
	if !bytes.Equal(result, payload) {
		t.Fatalf("reassembled payload does not match original")
	}
}

func TestDroppedFragmentNeverCompletes(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 3000)
	frags, err := Split(payload, 512)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	r := NewReassembler(30*time.Second, 0)
	now := time.Now()
	for i, f := range frags {
		if i == 2 {
			continue // drop fragment index 2
		}
		if _, complete := r.Add(f, now); complete {
			t.Fatalf("should not complete with a missing fragment")
		}
	}
	if r.Pending() != 1 {
		t.Fatalf("expected 1 pending transfer, got %d", r.Pending())
	}
	expired := r.Sweep(now.Add(31 * time.Second))
	if expired != 1 {
		t.Fatalf("expected transfer to expire after timeout, got %d expired", expired)
	}
	if r.Pending() != 0 {
		t.Fatalf("expected buffer freed after timeout")
	}
}

func TestDuplicateFragmentsSuppressed(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 1500)
	frags, err := Split(payload, 512)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	r := NewReassembler(0, 0)
	now := time.Now()
	for _, f := range frags {
		r.Add(f, now)
		r.Add(f, now) // duplicate
	}
	if _, complete := r.Add(frags[0], now); complete {
		t.Fatalf("duplicate of the completing fragment must not re-complete")
	}
}

func TestLateDuplicateAfterCompletionSuppressedWithinGrace(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 1000)
	frags, err := Split(payload, 512)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	r := NewReassembler(30*time.Second, 10*time.Second)
	now := time.Now()
	for _, f := range frags {
		r.Add(f, now)
	}
	if _, complete := r.Add(frags[0], now.Add(5*time.Second)); complete {
		t.Fatalf("late duplicate within grace window must not re-complete")
	}
}

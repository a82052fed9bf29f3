package noise

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/gapmesh/core/internal/identity"
)

// establishedPair runs a full handshake between two fresh Managers and
// returns both, already Established on each other.
func establishedPair(t *testing.T) (a, b *Manager, aPeer, bPeer identity.PeerID) {
	t.Helper()
	aPriv, aPub := genStaticKeypair(t)
	bPriv, bPub := genStaticKeypair(t)
	aPeer = identity.FromPublicKey(aPub[:])
	bPeer = identity.FromPublicKey(bPub[:])

	a = NewManager(aPriv, aPub)
	b = NewManager(bPriv, bPub)

	msg1, err := a.InitiateHandshake(bPeer)
	if err != nil {
		t.Fatalf("a initiate: %v", err)
	}
	msg2, _, err := b.ProcessHandshake(aPeer, msg1)
	if err != nil {
		t.Fatalf("b process msg1: %v", err)
	}
	msg3, established, err := a.ProcessHandshake(bPeer, msg2)
	if err != nil {
		t.Fatalf("a process msg2: %v", err)
	}
	if !established {
		t.Fatalf("a should be established after message 2")
	}
	_, established, err = b.ProcessHandshake(aPeer, msg3)
	if err != nil {
		t.Fatalf("b process msg3: %v", err)
	}
	if !established {
		t.Fatalf("b should be established after message 3")
	}
	return a, b, aPeer, bPeer
}

func genStaticKeypair(t *testing.T) (priv, pub [DHLen]byte) {
	t.Helper()
	if _, err := rand.Read(priv[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("derive pub: %v", err)
	}
	copy(pub[:], p)
	return
}

func runHandshake(t *testing.T, initPriv, initPub, respPriv, respPub [DHLen]byte) (initCipher, respCipher *Cipher) {
	t.Helper()
	initHS := NewHandshakeState(Initiator, initPriv, initPub)
	respHS := NewHandshakeState(Responder, respPriv, respPub)

	msg1, err := initHS.WriteMessage1()
	if err != nil {
		t.Fatalf("write msg1: %v", err)
	}
	if err := respHS.ReadMessage1(msg1); err != nil {
		t.Fatalf("read msg1: %v", err)
	}

	msg2, err := respHS.WriteMessage2()
	if err != nil {
		t.Fatalf("write msg2: %v", err)
	}
	if err := initHS.ReadMessage2(msg2); err != nil {
		t.Fatalf("read msg2: %v", err)
	}

	msg3, err := initHS.WriteMessage3()
	if err != nil {
		t.Fatalf("write msg3: %v", err)
	}
	if err := respHS.ReadMessage3(msg3); err != nil {
		t.Fatalf("read msg3: %v", err)
	}

	if !initHS.Complete() || !respHS.Complete() {
		t.Fatalf("expected both handshakes complete")
	}

	iSend, iRecv, err := initHS.Split()
	if err != nil {
		t.Fatalf("init split: %v", err)
	}
	rSend, rRecv, err := respHS.Split()
	if err != nil {
		t.Fatalf("resp split: %v", err)
	}
	if iSend != rRecv || iRecv != rSend {
		t.Fatalf("expected symmetric transport keys")
	}

	if initHS.RemoteStatic() != respPub {
		t.Fatalf("initiator learned wrong remote static key")
	}
	if respHS.RemoteStatic() != initPub {
		t.Fatalf("responder learned wrong remote static key")
	}

	return NewCipher(iSend, iRecv), NewCipher(rSend, rRecv)
}

func TestHandshakeSymmetryAndTransport(t *testing.T) {
	initPriv, initPub := genStaticKeypair(t)
	respPriv, respPub := genStaticKeypair(t)

	initCipher, respCipher := runHandshake(t, initPriv, initPub, respPriv, respPub)

	msg := []byte("hello mesh")
	ct, err := initCipher.Encrypt(msg)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := respCipher.Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, msg) {
		t.Fatalf("got %q want %q", pt, msg)
	}
}

func TestReplayRejection(t *testing.T) {
	initPriv, initPub := genStaticKeypair(t)
	respPriv, respPub := genStaticKeypair(t)
	initCipher, respCipher := runHandshake(t, initPriv, initPub, respPriv, respPub)

	var ciphertexts [][]byte
	for i := 0; i < 1100; i++ {
		ct, err := initCipher.Encrypt([]byte("m"))
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		ciphertexts = append(ciphertexts, ct)
	}
	for i, ct := range ciphertexts {
		if _, err := respCipher.Decrypt(ct); err != nil {
			t.Fatalf("decrypt %d: unexpected error %v", i, err)
		}
	}

	// Replaying the same message must fail.
	if _, err := respCipher.Decrypt(ciphertexts[len(ciphertexts)-1]); err == nil {
		t.Fatalf("expected replay of last message to fail")
	}

	// A nonce far below the trailing edge of the window must fail.
	if _, err := respCipher.Decrypt(ciphertexts[0]); err == nil {
		t.Fatalf("expected stale out-of-window nonce to fail")
	}
}

func TestSessionManagerHandshakeAndEncrypt(t *testing.T) {
	aPriv, aPub := genStaticKeypair(t)
	bPriv, bPub := genStaticKeypair(t)
	aPeer := identity.FromPublicKey(aPub[:])
	bPeer := identity.FromPublicKey(bPub[:])

	a := NewManager(aPriv, aPub)
	b := NewManager(bPriv, bPub)

	msg1, err := a.InitiateHandshake(bPeer)
	if err != nil {
		t.Fatalf("a initiate: %v", err)
	}

	msg2, established, err := b.ProcessHandshake(aPeer, msg1)
	if err != nil {
		t.Fatalf("b process msg1: %v", err)
	}
	if established {
		t.Fatalf("b should not be established after message 1")
	}

	msg3, established, err := a.ProcessHandshake(bPeer, msg2)
	if err != nil {
		t.Fatalf("a process msg2: %v", err)
	}
	if !established {
		t.Fatalf("a should be established after message 2")
	}

	_, established, err = b.ProcessHandshake(aPeer, msg3)
	if err != nil {
		t.Fatalf("b process msg3: %v", err)
	}
	if !established {
		t.Fatalf("b should be established after message 3")
	}

	if a.HandshakeRequired(bPeer) || b.HandshakeRequired(aPeer) {
		t.Fatalf("expected both sides established")
	}

	ct, err := a.Encrypt(bPeer, []byte("ping"))
	if err != nil {
		t.Fatalf("a encrypt: %v", err)
	}
	pt, err := b.Decrypt(aPeer, ct)
	if err != nil {
		t.Fatalf("b decrypt: %v", err)
	}
	if string(pt) != "ping" {
		t.Fatalf("got %q", pt)
	}
}

func TestConcurrentHandshakeTieBreak(t *testing.T) {
	aPriv, aPub := genStaticKeypair(t)
	bPriv, bPub := genStaticKeypair(t)
	aPeer := identity.FromPublicKey(aPub[:])
	bPeer := identity.FromPublicKey(bPub[:])

	a := NewManager(aPriv, aPub)
	b := NewManager(bPriv, bPub)

	aMsg1, err := a.InitiateHandshake(bPeer)
	if err != nil {
		t.Fatalf("a initiate: %v", err)
	}
	bMsg1, err := b.InitiateHandshake(aPeer)
	if err != nil {
		t.Fatalf("b initiate: %v", err)
	}

	// Each delivers its message 1 to the other, simulating a collision.
	outFromB, estB, err := b.ProcessHandshake(aPeer, aMsg1)
	if err != nil {
		t.Fatalf("b process a's msg1: %v", err)
	}
	outFromA, estA, err := a.ProcessHandshake(bPeer, bMsg1)
	if err != nil {
		t.Fatalf("a process b's msg1: %v", err)
	}
	if estA || estB {
		t.Fatalf("neither side should be established yet")
	}

	// Exactly one side keeps its own initiation (ignores the inbound
	// message 1 and produced no new outbound bytes); the other abandons its
	// own initiation and returns message 2.
	aKept := outFromA == nil
	bKept := outFromB == nil
	if aKept == bKept {
		t.Fatalf("expected exactly one side to win the tie-break, aKept=%v bKept=%v", aKept, bKept)
	}
}

// TestRekeyContinuity exercises spec's rekey-continuity property: once both
// sides independently call Rekey, their derived keys must still agree, and
// traffic keeps flowing under the new keys until ConfirmRekey settles both
// sessions back to Established.
func TestRekeyContinuity(t *testing.T) {
	a, b, aPeer, bPeer := establishedPair(t)

	if err := a.Rekey(bPeer); err != nil {
		t.Fatalf("a rekey: %v", err)
	}
	if err := b.Rekey(aPeer); err != nil {
		t.Fatalf("b rekey: %v", err)
	}
	if got := a.State(bPeer); got != StateRekeying {
		t.Fatalf("a: expected StateRekeying, got %v", got)
	}
	if got := b.State(aPeer); got != StateRekeying {
		t.Fatalf("b: expected StateRekeying, got %v", got)
	}

	ct, err := a.Encrypt(bPeer, []byte("post-rekey"))
	if err != nil {
		t.Fatalf("a encrypt under new keys: %v", err)
	}
	pt, err := b.Decrypt(aPeer, ct)
	if err != nil {
		t.Fatalf("b decrypt under new keys: %v", err)
	}
	if !bytes.Equal(pt, []byte("post-rekey")) {
		t.Fatalf("got %q want %q", pt, "post-rekey")
	}

	b.ConfirmRekey(aPeer)
	if got := b.State(aPeer); got != StateEstablished {
		t.Fatalf("b: expected StateEstablished after confirm, got %v", got)
	}

	reply, err := b.Encrypt(aPeer, []byte("ack"))
	if err != nil {
		t.Fatalf("b encrypt reply: %v", err)
	}
	pt, err = a.Decrypt(bPeer, reply)
	if err != nil {
		t.Fatalf("a decrypt reply: %v", err)
	}
	if !bytes.Equal(pt, []byte("ack")) {
		t.Fatalf("got %q want %q", pt, "ack")
	}
	a.ConfirmRekey(bPeer)
	if got := a.State(bPeer); got != StateEstablished {
		t.Fatalf("a: expected StateEstablished after confirm, got %v", got)
	}
}

// TestExpireRekeyGraceClosesStaleRekeyingSession confirms a session that
// rekeyed but whose peer never followed gets closed once the grace period
// elapses, per spec's "session enters Closed" rule.
func TestExpireRekeyGraceClosesStaleRekeyingSession(t *testing.T) {
	a, _, _, bPeer := establishedPair(t)

	if err := a.Rekey(bPeer); err != nil {
		t.Fatalf("rekey: %v", err)
	}

	// Still within the grace period: nothing should happen.
	a.ExpireRekeyGrace(bPeer)
	if got := a.State(bPeer); got != StateRekeying {
		t.Fatalf("expected session to remain Rekeying inside the grace period, got %v", got)
	}

	// Backdate rekeyedAt past the grace period to simulate its elapse
	// without sleeping the test.
	s := a.sessionFor(bPeer)
	s.mu.Lock()
	s.rekeyedAt = time.Now().Add(-RekeyGracePeriod - time.Second)
	s.mu.Unlock()

	a.ExpireRekeyGrace(bPeer)
	if got := a.State(bPeer); got != StateClosed {
		t.Fatalf("expected session closed after grace period elapsed, got %v", got)
	}
}

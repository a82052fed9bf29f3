package noise

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gapmesh/core/internal/identity"
)

// State is a position in the per-peer session state machine:
// Idle → HandshakeSent → HandshakeReceived → Established → {Rekeying, Closed}.
type State int

const (
	StateIdle State = iota
	StateHandshakeSent
	StateHandshakeReceived
	StateEstablished
	StateRekeying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateHandshakeSent:
		return "HandshakeSent"
	case StateHandshakeReceived:
		return "HandshakeReceived"
	case StateEstablished:
		return "Established"
	case StateRekeying:
		return "Rekeying"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Rekey policy: trigger on whichever comes first.
const (
	RekeyAge          = time.Hour
	RekeyMessageCount = 10000
	RekeyGracePeriod  = 2 * time.Minute
)

var (
	ErrSessionClosed   = errors.New("noise: session closed")
	ErrNotEstablished  = errors.New("noise: session not established")
	ErrNewRemoteStatic = errors.New("noise: remote static key differs from trusted fingerprint")
)

// Session is one Noise_XX session with a single remote peer.
type Session struct {
	mu sync.Mutex

	peer  identity.PeerID
	state State

	hs     *HandshakeState
	cipher *Cipher

	remoteStaticPub  [DHLen]byte
	remoteFingerprint identity.Fingerprint
	haveTrustedRemote bool

	startedAt    time.Time
	rekeyedAt    time.Time
	pendingRekey bool
}

// NewIdentityEvent is returned by ProcessHandshake (wrapped in an error via
// errors.As) when the remote static key does not match a previously trusted
// fingerprint for this peer.
type NewIdentityEvent struct {
	Peer        identity.PeerID
	Fingerprint identity.Fingerprint
}

func (e *NewIdentityEvent) Error() string {
	return fmt.Sprintf("noise: new identity for peer %s: fingerprint %s", e.Peer, e.Fingerprint)
}

// Manager owns one Session per remote peer and mediates handshake
// concurrency/tie-breaking.
type Manager struct {
	mu sync.RWMutex

	localStaticPriv [DHLen]byte
	localStaticPub  [DHLen]byte

	sessions map[identity.PeerID]*Session
	// trusted remembers the fingerprint last seen as Established for a peer,
	// so a differing static key on a later handshake is detected.
	trusted map[identity.PeerID]identity.Fingerprint
}

// NewManager creates a session manager bound to the device's own static
// keypair.
func NewManager(staticPriv, staticPub [DHLen]byte) *Manager {
	return &Manager{
		localStaticPriv: staticPriv,
		localStaticPub:  staticPub,
		sessions:        make(map[identity.PeerID]*Session),
		trusted:         make(map[identity.PeerID]identity.Fingerprint),
	}
}

func (m *Manager) sessionFor(peer identity.PeerID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	if !ok {
		s = &Session{peer: peer, state: StateIdle}
		m.sessions[peer] = s
	}
	return s
}

// preferLocalInitiator implements the tie-break rule: the side whose static
// public key sorts lower becomes the initiator on a concurrent collision.
func (m *Manager) preferLocalInitiator(peer identity.PeerID) bool {
	return bytes.Compare(m.localStaticPub[:identity.Size], peer[:]) < 0
}

// InitiateHandshake begins (or resumes) a handshake as initiator, returning
// the bytes of message 1 to carry in a NoiseHandshake packet.
func (m *Manager) InitiateHandshake(peer identity.PeerID) ([]byte, error) {
	s := m.sessionFor(peer)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		s.reset()
	}
	if s.state != StateIdle {
		return nil, fmt.Errorf("noise: initiate: %w: peer in state %s", ErrWrongState, s.state)
	}

	s.hs = NewHandshakeState(Initiator, m.localStaticPriv, m.localStaticPub)
	msg, err := s.hs.WriteMessage1()
	if err != nil {
		return nil, err
	}
	s.state = StateHandshakeSent
	s.startedAt = time.Now()
	return msg, nil
}

// ProcessHandshake feeds an inbound NoiseHandshake message into the session
// for peer. It returns outbound bytes to send in reply (nil if none), and
// whether the session reached Established as a result of this call.
func (m *Manager) ProcessHandshake(peer identity.PeerID, msg []byte) (outbound []byte, established bool, err error) {
	s := m.sessionFor(peer)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle, StateClosed:
		// Fresh inbound handshake: we are the responder.
		s.reset()
		s.hs = NewHandshakeState(Responder, m.localStaticPriv, m.localStaticPub)
		if err := s.hs.ReadMessage1(msg); err != nil {
			return nil, false, err
		}
		out, err := s.hs.WriteMessage2()
		if err != nil {
			return nil, false, err
		}
		s.state = StateHandshakeReceived
		s.startedAt = time.Now()
		return out, false, nil

	case StateHandshakeSent:
		// We already sent message 1 as initiator. An inbound message of
		// ephemeral-only length signals the peer tried to initiate too.
		if len(msg) == DHLen {
			if m.preferLocalInitiator(peer) {
				// We win the tie; the remote is expected to discard its
				// own message 1 and respond to ours. Ignore this message.
				return nil, false, nil
			}
			// We lose the tie: abandon our own initiation and respond.
			s.hs = NewHandshakeState(Responder, m.localStaticPriv, m.localStaticPub)
			if err := s.hs.ReadMessage1(msg); err != nil {
				return nil, false, err
			}
			out, err := s.hs.WriteMessage2()
			if err != nil {
				return nil, false, err
			}
			s.state = StateHandshakeReceived
			return out, false, nil
		}
		// Otherwise this is message 2, completing our initiation.
		if err := s.hs.ReadMessage2(msg); err != nil {
			return nil, false, err
		}
		out, err := s.hs.WriteMessage3()
		if err != nil {
			return nil, false, err
		}
		if err := s.finishEstablishing(m, peer); err != nil {
			return nil, false, err
		}
		return out, true, nil

	case StateHandshakeReceived:
		// This must be message 3, completing our responder role.
		if err := s.hs.ReadMessage3(msg); err != nil {
			return nil, false, err
		}
		if err := s.finishEstablishing(m, peer); err != nil {
			return nil, false, err
		}
		return nil, true, nil

	case StateEstablished, StateRekeying:
		return nil, false, fmt.Errorf("noise: process handshake: %w: peer already established", ErrWrongState)

	default:
		return nil, false, ErrWrongState
	}
}

func (s *Session) finishEstablishing(m *Manager, peer identity.PeerID) error {
	remoteStatic := s.hs.RemoteStatic()
	fp := identity.FingerprintFromPublicKey(remoteStatic[:])

	m.mu.Lock()
	trustedFP, hadTrusted := m.trusted[peer]
	m.trusted[peer] = fp
	m.mu.Unlock()

	sendKey, recvKey, err := s.hs.Split()
	if err != nil {
		return err
	}
	s.cipher = NewCipher(sendKey, recvKey)
	s.remoteStaticPub = remoteStatic
	s.remoteFingerprint = fp
	s.haveTrustedRemote = true
	s.state = StateEstablished
	s.rekeyedAt = time.Now()

	if hadTrusted && trustedFP != fp {
		return &NewIdentityEvent{Peer: peer, Fingerprint: fp}
	}
	return nil
}

// HandshakeRequired reports whether peer has no live, established session.
func (m *Manager) HandshakeRequired(peer identity.PeerID) bool {
	m.mu.RLock()
	s, ok := m.sessions[peer]
	m.mu.RUnlock()
	if !ok {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateEstablished && s.state != StateRekeying
}

// NeedsRekey reports whether the session has crossed the age or message
// count threshold and should initiate a rekey.
func (m *Manager) NeedsRekey(peer identity.PeerID) bool {
	m.mu.RLock()
	s, ok := m.sessions[peer]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished || s.cipher == nil {
		return false
	}
	if time.Since(s.rekeyedAt) >= RekeyAge {
		return true
	}
	return s.cipher.MessageCount() >= RekeyMessageCount
}

// Encrypt encrypts plaintext for an Established (or Rekeying) session.
func (m *Manager) Encrypt(peer identity.PeerID, plaintext []byte) ([]byte, error) {
	s := m.sessionFor(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished && s.state != StateRekeying {
		return nil, ErrNotEstablished
	}
	return s.cipher.Encrypt(plaintext)
}

// Decrypt decrypts ciphertext for an Established (or Rekeying) session. A
// replay or nonce error is terminal: the session is purged and the caller
// must re-handshake.
func (m *Manager) Decrypt(peer identity.PeerID, ciphertext []byte) ([]byte, error) {
	s := m.sessionFor(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished && s.state != StateRekeying {
		return nil, ErrNotEstablished
	}
	plaintext, err := s.cipher.Decrypt(ciphertext)
	if err != nil {
		s.state = StateClosed
		s.cipher = nil
		return nil, err
	}
	return plaintext, nil
}

// Close tears down the session for peer, requiring a fresh handshake for
// any future traffic.
func (m *Manager) Close(peer identity.PeerID) {
	s := m.sessionFor(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	s.state = StateClosed
}

func (s *Session) reset() {
	s.hs = nil
	s.cipher = nil
	s.pendingRekey = false
	s.state = StateIdle
}

// Fingerprint returns the remote peer's fingerprint, valid once the session
// has been Established at least once.
func (m *Manager) Fingerprint(peer identity.PeerID) (identity.Fingerprint, bool) {
	s := m.sessionFor(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteFingerprint, s.haveTrustedRemote
}

// State returns the current state of the session with peer.
func (m *Manager) State(peer identity.PeerID) State {
	s := m.sessionFor(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// rekeyContext is the fixed context mixed into the current key to derive the
// next one, independently per direction, per the Noise rekey primitive.
var rekeyContext = []byte("gap-mesh-noise-rekey-v1")

func rekey(key [KeySize]byte) [KeySize]byte {
	sum := hkdf([HashLen]byte(key), rekeyContext, 1)
	return [KeySize]byte(sum[0])
}

// Rekey performs an independent-per-direction rekey of an Established
// session's transport keys and enters Rekeying, starting the grace period
// within which the peer must follow with its own rekey.
func (m *Manager) Rekey(peer identity.PeerID) error {
	s := m.sessionFor(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished || s.cipher == nil {
		return ErrNotEstablished
	}
	s.cipher = NewCipher(rekey(s.cipher.sendKey), rekey(s.cipher.recvKey))
	s.state = StateRekeying
	s.rekeyedAt = time.Now()
	s.pendingRekey = true
	return nil
}

// ConfirmRekey marks a Rekeying session as having observed traffic
// successfully decrypted under the new keys, returning it to Established.
func (m *Manager) ConfirmRekey(peer identity.PeerID) {
	s := m.sessionFor(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRekeying {
		s.state = StateEstablished
		s.pendingRekey = false
	}
}

// ExpireRekeyGrace closes any session still in Rekeying after the grace
// period elapsed without the peer following, per spec: "If one side rekeys
// and the other fails to follow within a grace period, the session enters
// Closed."
func (m *Manager) ExpireRekeyGrace(peer identity.PeerID) {
	s := m.sessionFor(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRekeying && s.pendingRekey && time.Since(s.rekeyedAt) >= RekeyGracePeriod {
		s.reset()
		s.state = StateClosed
	}
}

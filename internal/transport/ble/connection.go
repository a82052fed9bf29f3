// Package ble implements the BLE mesh transport: central+peripheral dual
// role scanning/advertising over the rotating service UUID, a per-connection
// lifecycle state machine, and the flood relay policy.
package ble

import (
	"sync"
	"time"

	"github.com/gapmesh/core/internal/identity"
)

// State is a connection's position in the per-remote lifecycle.
type State int

const (
	StateDiscovered State = iota
	StateConnecting
	StateConnected
	StateHandshaking
	StateReady
	StateStale
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "Discovered"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateHandshaking:
		return "Handshaking"
	case StateReady:
		return "Ready"
	case StateStale:
		return "Stale"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// InactivityThreshold is how long a Ready connection may go without traffic
// before it is marked Stale and scheduled for disconnect.
const InactivityThreshold = 30 * time.Second

// WriteTimeout bounds an outbound characteristic write waiting for
// confirmation before the write is failed.
const WriteTimeout = 10 * time.Second

// InFlightWindow is a limit on unconfirmed outbound writes per connection.
// No send path reads it or the connection's inFlight count: sendToConn
// issues its chunk writes one after another, each bounded by WriteTimeout.
const InFlightWindow = 4

// connection tracks one remote device across discovery, GATT connect, and
// the Noise handshake, independent of which side initiated.
type connection struct {
	mu sync.Mutex

	peer  identity.PeerID
	state State

	handle bleHandle // platform connection handle; nil until Connecting succeeds

	lastSeen time.Time
	lastRX   time.Time

	inFlight int
}

func newConnection(peer identity.PeerID) *connection {
	return &connection{peer: peer, state: StateDiscovered, lastSeen: time.Now()}
}

func (c *connection) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = now
	c.lastRX = now
	if c.state == StateStale {
		c.state = StateReady
	}
}

func (c *connection) getPeer() identity.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *connection) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *connection) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// isStale reports whether the connection has gone quiet long enough to be
// considered for disconnect.
func (c *connection) isStale(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateReady && now.Sub(c.lastRX) >= InactivityThreshold
}

// connectionTable is the set of known remotes: every discovery is keyed by
// its device reference in byRef, and additionally by PeerID in byPeer once
// bindPeer learns it.
type connectionTable struct {
	mu    sync.RWMutex
	byRef map[string]*connection // deviceRef -> connection, before PeerID is known
	byPeer map[identity.PeerID]*connection
}

func newConnectionTable() *connectionTable {
	return &connectionTable{
		byRef:  make(map[string]*connection),
		byPeer: make(map[identity.PeerID]*connection),
	}
}

func (t *connectionTable) discovered(ref string) *connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.byRef[ref]; ok {
		return c
	}
	c := &connection{state: StateDiscovered, lastSeen: time.Now()}
	t.byRef[ref] = c
	return c
}

// bindPeer associates a connection (known so far only by device ref) with
// its PeerID once learned from an Announce or handshake message.
func (t *connectionTable) bindPeer(ref string, peer identity.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byRef[ref]
	if !ok {
		return
	}
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
	t.byPeer[peer] = c
}

func (t *connectionTable) byPeerID(peer identity.PeerID) (*connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byPeer[peer]
	return c, ok
}

func (t *connectionTable) get(ref string) (*connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byRef[ref]
	return c, ok
}

func (t *connectionTable) remove(ref string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byRef[ref]
	if !ok {
		return
	}
	delete(t.byRef, ref)
	if peer := c.getPeer(); !peer.IsZero() {
		delete(t.byPeer, peer)
	}
}

// readyPeers returns every peer currently in the Ready state, used by the
// flood relay policy to fan a packet out to every connected neighbor but
// the one it arrived from.
func (t *connectionTable) readyPeers(except identity.PeerID) []identity.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []identity.PeerID
	for peer, c := range t.byPeer {
		if peer == except {
			continue
		}
		if c.getState() == StateReady {
			out = append(out, peer)
		}
	}
	return out
}

// staleRefs returns device refs whose connection has gone quiet past
// InactivityThreshold, for the maintenance loop to disconnect.
func (t *connectionTable) staleRefs(now time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for ref, c := range t.byRef {
		if c.isStale(now) {
			out = append(out, ref)
		}
	}
	return out
}

package session

import (
	"time"

	"github.com/gapmesh/core/internal/identity"
)

// EventKind enumerates the events the Controller emits to the application.
type EventKind int

const (
	EventPeerAppeared EventKind = iota
	EventPeerDisappeared
	EventMessageReceived
	EventNoiseHandshakeComplete
	EventDeliveryAck
	EventReadAck
	EventSystemMessage
)

// Event is a single notification posted to the application's inbox.
type Event struct {
	Kind        EventKind
	Peer        identity.PeerID
	Nickname    string
	Text        string
	Fingerprint identity.Fingerprint
	MessageID   string
	Timestamp   time.Time
	Detail      string
}

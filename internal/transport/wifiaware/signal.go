package wifiaware

import "github.com/gapmesh/core/internal/identity"

// SignalMessage carries the ICE credentials and candidates one peer offers
// the other; how it actually reaches the peer (out-of-band, e.g. over an
// already-connected BLE or Nostr link as a NoiseEncrypted payload) is the
// Signaler's concern, not this package's.
type SignalMessage struct {
	Ufrag      string
	Pwd        string
	Candidates []string
}

// Signaler delivers SignalMessages to a peer over whatever channel the host
// application has available; the transport never assumes a specific one.
type Signaler interface {
	SendSignal(peer identity.PeerID, msg SignalMessage) error
}

// Package wifiaware implements the optional extra LAN transport: a direct
// UDP datagram path negotiated per peer with github.com/pion/ice, for
// devices sharing a LAN but out of BLE range and without internet egress to
// reach Nostr relays. Wire format on this transport is identical to BLE's:
// Noise-encrypted, fragmented Packets, one per UDP datagram.
package wifiaware

// TURNServer holds TURN server credentials.
type TURNServer struct {
	URL      string
	Username string
	Password string
}

// Config configures the ICE agents this transport creates, one per peer.
type Config struct {
	STUNServers []string
	TURNServers []TURNServer
}

// DefaultSTUNServers matches the Control API's public default, per §6.
var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gapmesh/core/internal/dedup"
	"github.com/gapmesh/core/internal/identity"
	"github.com/gapmesh/core/internal/rotation"
	"github.com/gapmesh/core/internal/router"
	"github.com/gapmesh/core/internal/stream"
	"github.com/gapmesh/core/internal/wire"
)

// writeChunkSize bounds a single characteristic write; larger padded frames
// are written across several writes and reassembled by the peer's stream
// Assembler, which tolerates arbitrary chunking.
const writeChunkSize = 180

// ScanInterval is how often the scan set is recomputed and a fresh Scan call
// issued against the platform (service UUIDs rotate hourly, per §4.7).
const ScanInterval = time.Minute

// MaintenanceInterval drives stale-connection detection and announce.
const MaintenanceInterval = 5 * time.Second

// Inbound is the callback the Transport hands every reassembled, decoded
// Packet to — normally session.Controller.HandleInbound.
type Inbound func(p *wire.Packet)

// Transport implements router.Transport over a BLE Platform: central+
// peripheral dual role, rotating service UUID, per-connection stream
// assembly, and mesh flood relay.
type Transport struct {
	platform Platform
	self     identity.PeerID
	log      *slog.Logger
	onInbound Inbound

	legacyCompat bool

	table       *connectionTable
	assemblers  map[string]*stream.Assembler
	assemblersMu sync.Mutex

	dedup *dedup.Set

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a BLE Transport. Call Start to begin advertising/scanning.
func New(platform Platform, self identity.PeerID, legacyCompat bool, onInbound Inbound, log *slog.Logger) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		platform:     platform,
		self:         self,
		log:          log,
		onInbound:    onInbound,
		legacyCompat: legacyCompat,
		table:        newConnectionTable(),
		assemblers:   make(map[string]*stream.Assembler),
		dedup:        dedup.New(dedup.DefaultCapacity),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (t *Transport) Kind() router.Kind { return router.KindMesh }

// Start begins advertising under the current transmit set and scanning the
// current scan set, plus the maintenance loop that rotates both hourly and
// evicts stale connections.
func (t *Transport) Start() error {
	now := time.Now()
	if err := t.platform.Advertise(t.ctx, rotation.TransmitSet(now), CharacteristicUUID); err != nil {
		return fmt.Errorf("ble: start advertise: %w", err)
	}
	discoveries, err := t.platform.Scan(t.ctx, rotation.ScanSet(now, t.legacyCompat))
	if err != nil {
		return fmt.Errorf("ble: start scan: %w", err)
	}

	t.wg.Add(2)
	go t.discoveryLoop(discoveries)
	go t.maintenanceLoop()
	return nil
}

func (t *Transport) Stop() {
	t.cancel()
	t.wg.Wait()
	_ = t.platform.StopAdvertise()
	_ = t.platform.StopScan()
}

func (t *Transport) discoveryLoop(discoveries <-chan Discovery) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case d, ok := <-discoveries:
			if !ok {
				return
			}
			t.handleDiscovery(d)
		}
	}
}

func (t *Transport) handleDiscovery(d Discovery) {
	c := t.table.discovered(d.DeviceRef)
	if c.getState() != StateDiscovered {
		return
	}
	c.setState(StateConnecting)

	conn, err := t.platform.Connect(t.ctx, d.DeviceRef)
	if err != nil {
		t.log.Warn("ble: connect failed", "ref", d.DeviceRef, "err", err)
		c.setState(StateDisconnected)
		t.table.remove(d.DeviceRef)
		return
	}

	notifications, err := t.platform.SubscribeNotifications(conn)
	if err != nil {
		t.log.Warn("ble: subscribe failed", "ref", d.DeviceRef, "err", err)
		_ = t.platform.Disconnect(conn)
		c.setState(StateDisconnected)
		t.table.remove(d.DeviceRef)
		return
	}

	c.mu.Lock()
	c.handle = conn
	c.state = StateConnected
	c.mu.Unlock()

	t.assemblersMu.Lock()
	t.assemblers[d.DeviceRef] = stream.NewAssembler(stream.DefaultStallThreshold, stream.DefaultHardCap)
	t.assemblersMu.Unlock()

	t.wg.Add(1)
	go t.notificationLoop(d.DeviceRef, c, notifications)

	t.sendAnnounceOn(conn)
	c.setState(StateHandshaking)
}

func (t *Transport) notificationLoop(ref string, c *connection, notifications <-chan []byte) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case chunk, ok := <-notifications:
			if !ok {
				t.table.remove(ref)
				c.setState(StateDisconnected)
				return
			}
			t.assemblersMu.Lock()
			asm := t.assemblers[ref]
			t.assemblersMu.Unlock()
			if asm == nil {
				continue
			}
			result := asm.Append(chunk, time.Now())
			c.touch(time.Now())
			for _, frame := range result.Frames {
				t.handleFrame(ref, c, frame)
			}
		}
	}
}

func (t *Transport) handleFrame(ref string, c *connection, raw []byte) {
	// The Stream Assembler slices frames using the Codec's own declared
	// length fields (Append, assembler.go), never the padded block size, so
	// what it hands back here is already the exact unpadded wire frame.
	// wire.Unpad is deliberately not called on this path: the trailing PKCS#7
	// bytes sendToConn added were never included in the slice to begin with,
	// and the padding itself is discarded upstream, byte-by-byte, as an
	// unrecognized prefix ahead of the next frame (§4.6 liveness).
	p, err := wire.Decode(raw)
	if err != nil {
		t.log.Warn("ble: decode failed", "ref", ref, "err", err)
		return
	}

	var peer identity.PeerID
	copy(peer[:], p.SenderID[:])
	if c.getPeer().IsZero() {
		t.table.bindPeer(ref, peer)
	}
	if c.getState() == StateHandshaking || c.getState() == StateConnected {
		c.setState(StateReady)
	}

	t.relay(peer, p)
	t.onInbound(p)
}

// relay implements the mesh flood policy: forward packets with ttl > 0 that
// are not addressed to us and not a Leave/Announce aimed at us, to every
// other Ready connection, decrementing TTL.
func (t *Transport) relay(from identity.PeerID, p *wire.Packet) {
	if p.TTL == 0 {
		return
	}
	if p.HasRecipient() {
		var recipient identity.PeerID
		copy(recipient[:], p.RecipientID[:])
		if recipient == t.self {
			return
		}
	}
	if p.Type == wire.TypeLeave || p.Type == wire.TypeAnnounce {
		var recipient identity.PeerID
		copy(recipient[:], p.RecipientID[:])
		if p.HasRecipient() && recipient == t.self {
			return
		}
	}

	fp := dedup.BroadcastFingerprint(p.SenderID[:], p.Timestamp)
	if !t.dedup.Insert(fp) {
		return
	}

	relayed := *p
	relayed.TTL--

	encoded, err := wire.Encode(&relayed)
	if err != nil {
		return
	}
	for _, peer := range t.table.readyPeers(from) {
		_ = t.sendToPeer(peer, encoded)
	}
}

func (t *Transport) sendAnnounceOn(conn Conn) {
	// The caller (session.Controller) owns nickname state and periodic
	// announces; on fresh connection we only need to flush any already
	// queued outbound bytes, which happens via the normal send path once
	// the handshake and first Announce are driven by the controller.
	_ = conn
}

func (t *Transport) IsPeerReachable(peer identity.PeerID) bool {
	c, ok := t.table.byPeerID(peer)
	if !ok {
		return false
	}
	return c.getState() == StateReady
}

func (t *Transport) SendPrivate(ctx context.Context, peer identity.PeerID, payload []byte) error {
	c, ok := t.table.byPeerID(peer)
	if !ok {
		return fmt.Errorf("ble: send private: peer %s not connected", peer)
	}
	return t.sendToConn(ctx, c, payload)
}

func (t *Transport) SendBroadcast(ctx context.Context, payload []byte) error {
	for _, peer := range t.table.readyPeers(identity.PeerID{}) {
		_ = t.sendToPeer(peer, payload)
	}
	return nil
}

func (t *Transport) sendToPeer(peer identity.PeerID, payload []byte) error {
	c, ok := t.table.byPeerID(peer)
	if !ok {
		return fmt.Errorf("ble: peer %s not connected", peer)
	}
	return t.sendToConn(t.ctx, c, payload)
}

func (t *Transport) sendToConn(ctx context.Context, c *connection, payload []byte) error {
	// Padding (§4.2) rounds the frame up to the nearest block size before it
	// hits the air, so an eavesdropper watching chunk sizes can't fingerprint
	// message length. The peer's Stream Assembler finds frame boundaries from
	// the Codec header alone, so it discards this trailing padding itself
	// (§4.6 liveness) without needing an explicit unpad step.
	padded, err := wire.Pad(payload)
	if err != nil {
		return fmt.Errorf("ble: pad frame: %w", err)
	}

	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	if handle == nil {
		return fmt.Errorf("ble: no live GATT connection")
	}

	writeCtx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()

	for off := 0; off < len(padded); off += writeChunkSize {
		end := off + writeChunkSize
		if end > len(padded) {
			end = len(padded)
		}
		if err := t.platform.WriteCharacteristic(writeCtx, handle, padded[off:end]); err != nil {
			c.setState(StateStale)
			return fmt.Errorf("ble: write characteristic: %w", err)
		}
	}
	return nil
}

func (t *Transport) maintenanceLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(MaintenanceInterval)
	defer ticker.Stop()
	rotateTicker := time.NewTicker(ScanInterval)
	defer rotateTicker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case now := <-ticker.C:
			for _, ref := range t.table.staleRefs(now) {
				if c, ok := t.table.get(ref); ok {
					c.mu.Lock()
					handle := c.handle
					c.mu.Unlock()
					if handle != nil {
						_ = t.platform.Disconnect(handle)
					}
				}
				t.table.remove(ref)
			}
		case now := <-rotateTicker.C:
			_ = t.platform.StopAdvertise()
			_ = t.platform.Advertise(t.ctx, rotation.TransmitSet(now), CharacteristicUUID)
			_ = t.platform.StopScan()
			if discoveries, err := t.platform.Scan(t.ctx, rotation.ScanSet(now, t.legacyCompat)); err == nil {
				t.wg.Add(1)
				go t.discoveryLoop(discoveries)
			}
		}
	}
}

var _ router.Transport = (*Transport)(nil)

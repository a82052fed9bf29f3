// Package session implements the Session Controller: the only component
// applications see. It wires together identity, Noise sessions, the codec,
// the fragmenter, the router, dedup, and favorites into the high-level
// send/receive/presence API applications use.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gapmesh/core/internal/dedup"
	"github.com/gapmesh/core/internal/favorites"
	"github.com/gapmesh/core/internal/fragment"
	"github.com/gapmesh/core/internal/identity"
	"github.com/gapmesh/core/internal/keychain"
	"github.com/gapmesh/core/internal/noise"
	"github.com/gapmesh/core/internal/router"
	"github.com/gapmesh/core/internal/wire"
)

// AnnounceInterval is how often a broadcast Announce is sent.
const AnnounceInterval = 60 * time.Second

// DefaultTTL is the hop budget given to new public sends.
const DefaultTTL = 7

// DefaultMTU bounds a single wire frame before fragmentation kicks in.
const DefaultMTU = 500

// Controller is the application-facing facade over the whole core.
type Controller struct {
	identity  *identity.Identity
	noise     *noise.Manager
	router    *router.Router
	dedup     *dedup.Set
	favorites *favorites.Store
	reasm     *fragment.Reassembler
	kc        keychain.Keychain
	log       *slog.Logger

	peers    *peerTable
	nickname string
	nickMu   sync.RWMutex

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Controller bound to the given identity and keychain,
// ready for Start. The router must already have its transports attached.
func New(id *identity.Identity, kc keychain.Keychain, r *router.Router, favStore *favorites.Store, log *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		identity:  id,
		noise:     noise.NewManager(id.StaticPrivate, id.StaticPublic),
		router:    r,
		dedup:     dedup.New(dedup.DefaultCapacity),
		favorites: favStore,
		reasm:     fragment.NewReassembler(0, 0),
		kc:        kc,
		log:       log,
		peers:     newPeerTable(),
		events:    make(chan Event, 256),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Events returns the channel the application should drain for presence and
// message notifications.
func (c *Controller) Events() <-chan Event { return c.events }

// Peers returns a snapshot of every known peer and its last-announced
// nickname, for a host surface (e.g. the Control API) to list.
func (c *Controller) Peers() map[identity.PeerID]string { return c.peers.snapshot() }

// Identity returns the local device's key material, for a host surface
// that needs to report PeerID/fingerprint without linking against
// internal/identity directly.
func (c *Controller) Identity() *identity.Identity { return c.identity }

// Nickname returns the locally set nickname, as last passed to SetNickname.
func (c *Controller) Nickname() string {
	c.nickMu.RLock()
	defer c.nickMu.RUnlock()
	return c.nickname
}

func (c *Controller) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event channel full, dropping event", "kind", ev.Kind)
	}
}

// Start launches the Controller's maintenance goroutines (announce beacon,
// outbox sweep, fragment reassembly sweep).
func (c *Controller) Start() {
	c.router.OnDrop(func(peer identity.PeerID, entry router.OutboxEntry, reason string) {
		c.emit(Event{Kind: EventSystemMessage, Peer: peer, MessageID: entry.MessageID, Detail: "outbox entry dropped: " + reason})
	})

	c.wg.Add(2)
	go c.announceLoop()
	go c.maintenanceLoop()
}

// Stop halts all goroutines. It does not wipe any state.
func (c *Controller) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) announceLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.broadcastAnnounce()
		}
	}
}

func (c *Controller) maintenanceLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			c.reasm.Sweep(now)
			c.router.SweepExpired(now)
			c.rekeySweep()
		}
	}
}

// rekeySweep drives the Noise rekey policy for every known peer: sessions
// that have crossed the age or message-count threshold are rekeyed, and
// sessions stuck in Rekeying past the grace period are closed because the
// peer never followed.
func (c *Controller) rekeySweep() {
	for peer := range c.peers.snapshot() {
		if c.noise.NeedsRekey(peer) {
			if err := c.noise.Rekey(peer); err != nil {
				c.log.Warn("rekey failed", "peer", peer, "err", err)
			} else {
				c.log.Info("session rekeyed", "peer", peer)
			}
		}
		wasRekeying := c.noise.State(peer) == noise.StateRekeying
		c.noise.ExpireRekeyGrace(peer)
		if wasRekeying && c.noise.State(peer) == noise.StateClosed {
			c.log.Warn("rekey grace period expired, session closed", "peer", peer)
			c.emit(Event{Kind: EventSystemMessage, Peer: peer, Detail: "rekey grace period expired, re-handshake required"})
		}
	}
}

func (c *Controller) broadcastAnnounce() {
	c.nickMu.RLock()
	nick := c.nickname
	c.nickMu.RUnlock()

	p := &wire.Packet{
		Version:   wire.Version2,
		Type:      wire.TypeAnnounce,
		TTL:       DefaultTTL,
		Timestamp: nowMillis(),
		SenderID:  [wire.SenderIDSize]byte(c.identity.PeerID),
		Payload:   []byte(nick),
	}
	encoded, err := wire.Encode(p)
	if err != nil {
		c.log.Warn("encode announce failed", "err", err)
		return
	}
	c.router.Broadcast(c.ctx, encoded)
}

// SetNickname updates the local nickname and immediately broadcasts a fresh
// Announce.
func (c *Controller) SetNickname(name string) {
	c.nickMu.Lock()
	c.nickname = name
	c.nickMu.Unlock()
	c.broadcastAnnounce()
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func newMessageID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x", b)
}

// SendPublic broadcasts plaintext to the mesh with TTL-bounded flood relay.
// mentions is carried verbatim in the payload as UI-level text; the core
// does not interpret it.
func (c *Controller) SendPublic(text string, mentions []string) error {
	p := &wire.Packet{
		Version:   wire.Version2,
		Type:      wire.TypeMessage,
		TTL:       DefaultTTL,
		Timestamp: nowMillis(),
		SenderID:  [wire.SenderIDSize]byte(c.identity.PeerID),
		Payload:   []byte(text),
	}
	encoded, err := wire.Encode(p)
	if err != nil {
		return fmt.Errorf("session: encode public message: %w", err)
	}
	c.router.Broadcast(c.ctx, encoded)
	return nil
}

// SendPrivate Noise-encrypts text for peer and hands it to the Router,
// which queues it if no transport currently reaches peer.
func (c *Controller) SendPrivate(peer identity.PeerID, text string) error {
	if c.noise.HandshakeRequired(peer) {
		if err := c.StartHandshake(peer); err != nil {
			return fmt.Errorf("session: send private: %w", err)
		}
	}

	ciphertext, err := c.noise.Encrypt(peer, []byte(text))
	if err != nil {
		return fmt.Errorf("session: encrypt: %w", err)
	}

	p := &wire.Packet{
		Version:     wire.Version2,
		Type:        wire.TypeNoiseEncrypted,
		TTL:         0,
		Timestamp:   nowMillis(),
		Flags:       wire.FlagHasRecipient,
		SenderID:    [wire.SenderIDSize]byte(c.identity.PeerID),
		RecipientID: [wire.RecipientIDSize]byte(peer),
		Payload:     ciphertext,
	}
	encoded, err := wire.Encode(p)
	if err != nil {
		return fmt.Errorf("session: encode private message: %w", err)
	}

	if len(encoded) > DefaultMTU {
		return c.SendFragmented(peer, encoded, 0)
	}

	nickname := c.peers.nicknameOf(peer)
	return c.router.SendPrivate(c.ctx, peer, newMessageID(), encoded, nickname)
}

// StartHandshake initiates a Noise XX handshake with peer, sending message 1
// over the Router.
func (c *Controller) StartHandshake(peer identity.PeerID) error {
	msg1, err := c.noise.InitiateHandshake(peer)
	if err != nil {
		return err
	}
	p := &wire.Packet{
		Version:     wire.Version2,
		Type:        wire.TypeNoiseHandshake,
		Timestamp:   nowMillis(),
		Flags:       wire.FlagHasRecipient,
		SenderID:    [wire.SenderIDSize]byte(c.identity.PeerID),
		RecipientID: [wire.RecipientIDSize]byte(peer),
		Payload:     msg1,
	}
	encoded, err := wire.Encode(p)
	if err != nil {
		return err
	}
	nickname := c.peers.nicknameOf(peer)
	return c.router.SendPrivate(c.ctx, peer, newMessageID(), encoded, nickname)
}

// HandleInbound dedup-checks and dispatches one decoded packet received by
// any transport. Transports own stream assembly/decoding up to this call.
func (c *Controller) HandleInbound(fromTransport router.Kind, p *wire.Packet) {
	fp := dedup.BroadcastFingerprint(p.SenderID[:], p.Timestamp)
	if p.HasRecipient() {
		// Addressed packets from one sender can share a millisecond (e.g.
		// handshake messages 1 and 3), so their payload is part of the key.
		sum := sha256.Sum256(p.Payload)
		fp += ":" + hex.EncodeToString(sum[:8])
	}
	if p.Type == wire.TypeFragment {
		fp = fragmentFingerprintFromPayload(p.Payload)
	}
	if !c.dedup.Insert(fp) {
		return
	}

	var peer identity.PeerID
	copy(peer[:], p.SenderID[:])

	isNew := c.peers.touch(peer, "")
	if isNew {
		c.emit(Event{Kind: EventPeerAppeared, Peer: peer})
	}

	switch p.Type {
	case wire.TypeAnnounce:
		nick := string(p.Payload)
		c.peers.touch(peer, nick)
	case wire.TypeLeave:
		c.peers.forget(peer)
		c.emit(Event{Kind: EventPeerDisappeared, Peer: peer})
	case wire.TypeNoiseHandshake:
		c.handleHandshake(peer, p.Payload)
	case wire.TypeNoiseEncrypted:
		c.handleEncrypted(peer, p.Payload)
	case wire.TypeMessage:
		c.emit(Event{Kind: EventMessageReceived, Peer: peer, Text: string(p.Payload), MessageID: newMessageID()})
	case wire.TypeFragment:
		c.handleFragment(peer, p)
	}
}

func fragmentFingerprintFromPayload(payload []byte) string {
	f, err := fragment.Decode(payload)
	if err != nil {
		return dedup.FragmentFingerprint(payload)
	}
	// Every fragment of a transfer shares its transfer ID, so the index is
	// part of the key; otherwise only the first fragment would get through.
	return fmt.Sprintf("%s:%d", dedup.FragmentFingerprint(f.TransferID[:]), f.Index)
}

func (c *Controller) handleHandshake(peer identity.PeerID, payload []byte) {
	out, established, err := c.noise.ProcessHandshake(peer, payload)
	if err != nil {
		c.log.Warn("noise handshake failed", "peer", peer, "err", err)
		c.emit(Event{Kind: EventSystemMessage, Peer: peer, Detail: "handshake failed: re-establish required"})
		return
	}
	if out != nil {
		p := &wire.Packet{
			Version:     wire.Version2,
			Type:        wire.TypeNoiseHandshake,
			Timestamp:   nowMillis(),
			Flags:       wire.FlagHasRecipient,
			SenderID:    [wire.SenderIDSize]byte(c.identity.PeerID),
			RecipientID: [wire.RecipientIDSize]byte(peer),
			Payload:     out,
		}
		encoded, encErr := wire.Encode(p)
		if encErr == nil {
			nickname := c.peers.nicknameOf(peer)
			_ = c.router.SendPrivate(c.ctx, peer, newMessageID(), encoded, nickname)
		}
	}
	if established {
		fp, _ := c.noise.Fingerprint(peer)
		c.emit(Event{Kind: EventNoiseHandshakeComplete, Peer: peer, Fingerprint: fp})
	}
}

func (c *Controller) handleEncrypted(peer identity.PeerID, ciphertext []byte) {
	plaintext, err := c.noise.Decrypt(peer, ciphertext)
	if err != nil {
		c.log.Warn("noise decrypt failed, session closed", "peer", peer, "err", err)
		c.emit(Event{Kind: EventSystemMessage, Peer: peer, Detail: "decryption failed, re-handshake required"})
		return
	}
	// A successful decrypt under a Rekeying session is the only confirmation
	// we get that the peer has adopted its half of the new keys too, since
	// rekeying is silent and symmetric with no wire handshake of its own.
	c.noise.ConfirmRekey(peer)
	c.emit(Event{Kind: EventMessageReceived, Peer: peer, Text: string(plaintext), MessageID: newMessageID()})
}

func (c *Controller) handleFragment(peer identity.PeerID, p *wire.Packet) {
	f, err := fragment.Decode(p.Payload)
	if err != nil {
		c.log.Warn("bad fragment payload", "peer", peer, "err", err)
		return
	}
	payload, complete := c.reasm.Add(f, time.Now())
	if !complete {
		return
	}
	inner, err := wire.Decode(payload)
	if err != nil {
		c.log.Warn("reassembled payload failed to decode", "peer", peer, "err", err)
		return
	}
	c.HandleInbound(router.KindMesh, inner)
}

// SendFragmented splits an oversized payload and routes each fragment as an
// independent Fragment packet, inheriting TTL and recipient.
func (c *Controller) SendFragmented(peer identity.PeerID, payload []byte, ttl uint8) error {
	frags, err := fragment.Split(payload, DefaultMTU)
	if err != nil {
		return fmt.Errorf("session: fragment: %w", err)
	}
	for _, f := range frags {
		p := &wire.Packet{
			Version:     wire.Version2,
			Type:        wire.TypeFragment,
			TTL:         ttl,
			Timestamp:   nowMillis(),
			Flags:       wire.FlagHasRecipient,
			SenderID:    [wire.SenderIDSize]byte(c.identity.PeerID),
			RecipientID: [wire.RecipientIDSize]byte(peer),
			Payload:     f.Encode(),
		}
		encoded, err := wire.Encode(p)
		if err != nil {
			return err
		}
		if err := c.router.SendPrivate(c.ctx, peer, newMessageID(), encoded, ""); err != nil {
			return err
		}
	}
	return nil
}

// PanicWipe destroys all key material, known-peer records, the outbox, and
// favorites. The identity must not be reused after this call.
func (c *Controller) PanicWipe(ctx context.Context) error {
	c.peers.wipe()
	c.router.SweepExpired(time.Now().Add(1000 * time.Hour)) // evict everything
	if err := c.favorites.Clear(ctx); err != nil {
		return fmt.Errorf("session: panic wipe favorites: %w", err)
	}
	if err := c.identity.PanicWipe(ctx); err != nil {
		return fmt.Errorf("session: panic wipe identity: %w", err)
	}
	return nil
}

// EmergencyDisconnectAll closes every live Noise session without touching
// persisted identity or favorites state.
func (c *Controller) EmergencyDisconnectAll() {
	for peer := range c.peers.snapshot() {
		c.noise.Close(peer)
	}
}

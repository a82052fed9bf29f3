package wifiaware

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gapmesh/core/internal/identity"
	"github.com/gapmesh/core/internal/router"
	"github.com/gapmesh/core/internal/wire"
)

// GatherTimeout bounds how long ICE candidate gathering is allowed to run
// before the collected set (however incomplete) is sent to the peer.
const GatherTimeout = 5 * time.Second

// NegotiateTimeout bounds Dial/Accept, per peerConn.negotiate.
const NegotiateTimeout = 15 * time.Second

// readBufferSize is sized for the largest single Packet this transport is
// ever asked to carry: wire format here matches BLE's, fragmented upstream
// to the same MTU the Session Controller uses for every transport.
const readBufferSize = 2048

// Inbound is the callback the Transport hands every decoded Packet to —
// normally session.Controller.HandleInbound.
type Inbound func(p *wire.Packet)

// Transport implements router.Transport over per-peer pion/ice agents: an
// optional, LAN-only extra capability the Router may use when no mesh or
// internet path is reachable.
type Transport struct {
	self     identity.PeerID
	cfg      Config
	signaler Signaler
	onInbound Inbound
	log      *slog.Logger

	mu    sync.Mutex
	conns map[identity.PeerID]*peerConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a wifiaware Transport. It has no background loop of its
// own beyond per-connection read loops; signaling is driven externally by
// Negotiate/HandleSignal calls from whatever out-of-band channel the host
// wires up.
func New(self identity.PeerID, cfg Config, signaler Signaler, onInbound Inbound, log *slog.Logger) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		self:      self,
		cfg:       cfg,
		signaler:  signaler,
		onInbound: onInbound,
		log:       log,
		conns:     make(map[identity.PeerID]*peerConn),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (t *Transport) Kind() router.Kind { return router.KindExtra }

func (t *Transport) Stop() {
	t.cancel()
	t.mu.Lock()
	for _, pc := range t.conns {
		pc.close()
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Transport) getOrCreate(peer identity.PeerID) (pc *peerConn, created bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[peer]; ok {
		return existing, false, nil
	}
	pc, err = newPeerConn(t.cfg, peer, t.self, t.log)
	if err != nil {
		return nil, false, err
	}
	t.conns[peer] = pc
	return pc, true, nil
}

// gatherAndSend runs ICE candidate gathering for pc (bounded by
// GatherTimeout) and sends the resulting SignalMessage to peer.
func (t *Transport) gatherAndSend(peer identity.PeerID, pc *peerConn) error {
	var mu sync.Mutex
	var candidates []string
	done := make(chan struct{})
	var once sync.Once

	if err := pc.gather(func(c string) {
		mu.Lock()
		candidates = append(candidates, c)
		mu.Unlock()
	}, func() {
		once.Do(func() { close(done) })
	}); err != nil {
		return err
	}

	go func() {
		time.Sleep(GatherTimeout)
		once.Do(func() { close(done) })
	}()
	<-done

	ufrag, pwd, err := pc.localCredentials()
	if err != nil {
		return fmt.Errorf("wifiaware: local credentials for %s: %w", peer, err)
	}

	mu.Lock()
	msg := SignalMessage{Ufrag: ufrag, Pwd: pwd, Candidates: append([]string(nil), candidates...)}
	mu.Unlock()

	return t.signaler.SendSignal(peer, msg)
}

// Negotiate initiates an ICE session with peer: gather local candidates,
// send them via the Signaler, then return. The connection itself completes
// asynchronously once the peer's answering HandleSignal call arrives.
func (t *Transport) Negotiate(peer identity.PeerID) error {
	pc, _, err := t.getOrCreate(peer)
	if err != nil {
		return err
	}
	return t.gatherAndSend(peer, pc)
}

// HandleSignal applies a peer's offered or answering credentials. If this
// is the first signal seen for peer, it first gathers and sends our own
// candidates back (the answering half of the exchange) before negotiating.
func (t *Transport) HandleSignal(peer identity.PeerID, msg SignalMessage) {
	pc, created, err := t.getOrCreate(peer)
	if err != nil {
		t.log.Warn("wifiaware: create peer connection failed", "peer", peer, "err", err)
		return
	}

	if created {
		if err := t.gatherAndSend(peer, pc); err != nil {
			t.log.Warn("wifiaware: answer candidates failed", "peer", peer, "err", err)
		}
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, NegotiateTimeout)
		defer cancel()
		if err := pc.negotiate(ctx, msg); err != nil {
			t.log.Warn("wifiaware: negotiate failed", "peer", peer, "err", err)
			return
		}
		t.readLoop(peer, pc)
	}()
}

func (t *Transport) readLoop(peer identity.PeerID, pc *peerConn) {
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return
	}
	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		n, err := conn.Read(buf)
		if err != nil {
			t.log.Info("wifiaware: connection closed", "peer", peer, "err", err)
			return
		}
		p, err := wire.Decode(buf[:n])
		if err != nil {
			t.log.Warn("wifiaware: decode failed", "peer", peer, "err", err)
			continue
		}
		t.onInbound(p)
	}
}

func (t *Transport) IsPeerReachable(peer identity.PeerID) bool {
	t.mu.Lock()
	pc, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return pc.getState() == StateConnected
}

func (t *Transport) SendPrivate(ctx context.Context, peer identity.PeerID, payload []byte) error {
	t.mu.Lock()
	pc, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok || pc.getState() != StateConnected {
		return fmt.Errorf("wifiaware: peer %s not connected", peer)
	}
	return pc.write(payload)
}

// SendBroadcast is a no-op: this transport only ever negotiates
// point-to-point datagram paths, one per peer, with no shared medium to
// flood across.
func (t *Transport) SendBroadcast(ctx context.Context, payload []byte) error { return nil }

var _ router.Transport = (*Transport)(nil)

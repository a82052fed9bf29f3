package wifiaware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"

	"github.com/gapmesh/core/internal/identity"
)

// State is a per-peer ICE negotiation's position.
type State int

const (
	StateGathering State = iota
	StateNegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGathering:
		return "Gathering"
	case StateNegotiating:
		return "Negotiating"
	case StateConnected:
		return "Connected"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// peerConn wraps one pion/ice Agent negotiating a direct datagram path to
// a single peer. controlling determines which side Dials vs Accepts: the
// peer with the lexicographically smaller PeerID controls, an arbitrary
// but deterministic tie-break both sides can compute independently.
type peerConn struct {
	mu          sync.Mutex
	peer        identity.PeerID
	controlling bool
	log         *slog.Logger

	agent *ice.Agent
	conn  net.Conn
	state State
}

func buildURLs(cfg Config, log *slog.Logger) []*stun.URI {
	var urls []*stun.URI
	for _, s := range cfg.STUNServers {
		u, err := stun.ParseURI(s)
		if err != nil {
			log.Debug("wifiaware: parse STUN URI", "uri", s, "err", err)
			continue
		}
		urls = append(urls, u)
	}
	for _, t := range cfg.TURNServers {
		u, err := stun.ParseURI(t.URL)
		if err != nil {
			log.Debug("wifiaware: parse TURN URI", "uri", t.URL, "err", err)
			continue
		}
		u.Username = t.Username
		u.Password = t.Password
		urls = append(urls, u)
	}
	return urls
}

func newPeerConn(cfg Config, peer, self identity.PeerID, log *slog.Logger) (*peerConn, error) {
	urls := buildURLs(cfg, log)
	agent, err := ice.NewAgent(&ice.AgentConfig{
		Urls:                urls,
		NetworkTypes:        []ice.NetworkType{ice.NetworkTypeUDP4},
		CandidateTypes:      []ice.CandidateType{ice.CandidateTypeHost, ice.CandidateTypeServerReflexive, ice.CandidateTypeRelay},
		DisconnectedTimeout: durPtr(10 * time.Second),
		FailedTimeout:       durPtr(30 * time.Second),
		KeepaliveInterval:   durPtr(2 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("wifiaware: create ICE agent for %s: %w", peer, err)
	}

	pc := &peerConn{
		peer:        peer,
		controlling: self.String() < peer.String(),
		log:         log,
		agent:       agent,
		state:       StateGathering,
	}

	_ = agent.OnConnectionStateChange(func(cs ice.ConnectionState) {
		pc.mu.Lock()
		switch cs {
		case ice.ConnectionStateConnected, ice.ConnectionStateCompleted:
			pc.state = StateConnected
		case ice.ConnectionStateFailed:
			pc.state = StateFailed
		case ice.ConnectionStateClosed:
			pc.state = StateClosed
		}
		pc.mu.Unlock()
	})
	return pc, nil
}

// gather starts ICE candidate collection, invoking onCandidate once per
// discovered local candidate and onDone once pion signals gathering
// complete by calling the handler with a nil Candidate.
func (pc *peerConn) gather(onCandidate func(candidate string), onDone func()) error {
	if err := pc.agent.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			onDone()
			return
		}
		onCandidate(c.Marshal())
	}); err != nil {
		return fmt.Errorf("wifiaware: register candidate handler: %w", err)
	}
	return pc.agent.GatherCandidates()
}

func (pc *peerConn) localCredentials() (ufrag, pwd string, err error) {
	return pc.agent.GetLocalUserCredentials()
}

// negotiate feeds in the peer's offered credentials/candidates and blocks
// (bounded by ctx) until a connection is established, dialing if we are the
// controlling side or accepting otherwise.
func (pc *peerConn) negotiate(ctx context.Context, remote SignalMessage) error {
	for _, raw := range remote.Candidates {
		cand, err := ice.UnmarshalCandidate(raw)
		if err != nil {
			pc.log.Debug("wifiaware: bad remote candidate", "peer", pc.peer, "err", err)
			continue
		}
		if err := pc.agent.AddRemoteCandidate(cand); err != nil {
			pc.log.Debug("wifiaware: add remote candidate", "peer", pc.peer, "err", err)
		}
	}

	pc.mu.Lock()
	pc.state = StateNegotiating
	pc.mu.Unlock()

	var conn net.Conn
	var err error
	if pc.controlling {
		conn, err = pc.agent.Dial(ctx, remote.Ufrag, remote.Pwd)
	} else {
		conn, err = pc.agent.Accept(ctx, remote.Ufrag, remote.Pwd)
	}
	if err != nil {
		pc.mu.Lock()
		pc.state = StateFailed
		pc.mu.Unlock()
		return fmt.Errorf("wifiaware: negotiate with %s: %w", pc.peer, err)
	}

	pc.mu.Lock()
	pc.conn = conn
	pc.state = StateConnected
	pc.mu.Unlock()
	return nil
}

func (pc *peerConn) getState() State {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

func (pc *peerConn) write(b []byte) error {
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wifiaware: no connection to %s", pc.peer)
	}
	_, err := conn.Write(b)
	return err
}

func (pc *peerConn) close() {
	pc.mu.Lock()
	conn := pc.conn
	pc.state = StateClosed
	pc.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	_ = pc.agent.Close()
}

func durPtr(d time.Duration) *time.Duration { return &d }

package nostr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	relayReconnectDelay    = 2 * time.Second
	relayMaxReconnectDelay = 60 * time.Second
	relayWriteTimeout      = 10 * time.Second
	relayHandshakeTimeout  = 10 * time.Second
)

// DefaultRelays is the default relay pool, per §6.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.primal.net",
	"wss://offchain.pub",
	"wss://nostr21.com",
}

// relay manages one WebSocket connection to a single Nostr relay, with an
// exponential-backoff-with-jitter reconnect loop using a gorilla/websocket
// client.
type relay struct {
	url string
	log *slog.Logger

	subFilter map[string]any

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	onEvent func(ev *Event)
}

func newRelay(url string, subFilter map[string]any, onEvent func(ev *Event), log *slog.Logger) *relay {
	return &relay{
		url:       url,
		subFilter: subFilter,
		onEvent:   onEvent,
		log:       log.With("relay", url),
	}
}

// Run drives the connect/subscribe/read/reconnect loop until ctx is done.
func (r *relay) Run(ctx context.Context) {
	delay := relayReconnectDelay
	for {
		select {
		case <-ctx.Done():
			r.close()
			return
		default:
		}

		if err := r.connectAndSubscribe(ctx); err != nil {
			r.log.Warn("nostr: relay connect failed", "err", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(withJitter(delay)):
			}
			delay *= 2
			if delay > relayMaxReconnectDelay {
				delay = relayMaxReconnectDelay
			}
			continue
		}

		delay = relayReconnectDelay
		if err := r.readLoop(ctx); err != nil {
			r.log.Info("nostr: relay connection lost", "err", err)
		}
		r.close()
	}
}

func (r *relay) connectAndSubscribe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: relayHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", r.url, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.connected = true
	r.mu.Unlock()

	req := []any{"REQ", "gapmesh", r.subFilter}
	if err := r.writeJSON(req); err != nil {
		_ = conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	r.log.Info("nostr: relay connected")
	return nil
}

func (r *relay) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("nostr: relay not connected")
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		r.handleFrame(raw)
	}
}

func (r *relay) handleFrame(raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) == 0 {
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}
	switch label {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		ev, err := unmarshalEvent(frame[2])
		if err != nil {
			r.log.Warn("nostr: malformed event frame", "err", err)
			return
		}
		if err := ev.Verify(); err != nil {
			r.log.Warn("nostr: dropping event with bad signature", "err", err)
			return
		}
		if r.onEvent != nil {
			r.onEvent(ev)
		}
	case "NOTICE":
		if len(frame) >= 2 {
			var msg string
			_ = json.Unmarshal(frame[1], &msg)
			r.log.Debug("nostr: relay notice", "msg", msg)
		}
	case "OK", "EOSE", "CLOSED":
		// No action needed: publishes are fire-and-forget and the
		// subscription is long-lived.
	}
}

// Publish sends an EVENT frame for ev. Safe for concurrent use.
func (r *relay) Publish(ctx context.Context, ev *Event) error {
	return r.writeJSON([]any{"EVENT", ev})
}

func (r *relay) writeJSON(v any) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("nostr: relay not connected")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	return conn.WriteJSON(v)
}

func (r *relay) isConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *relay) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.conn = nil
	r.connected = false
}

// withJitter adds up to 50% random jitter to a backoff delay so a relay
// outage doesn't reconnect every client on the exact same cadence.
func withJitter(d time.Duration) time.Duration {
	jitter := time.Duration(randInt63n(int64(d) / 2))
	return d + jitter
}

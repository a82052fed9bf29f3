package controlapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/gapmesh/core/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Control API is loopback-only and already gated by JWT; origin
	// checking adds nothing a local automation client would supply anyway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsEvent struct {
	Kind      string    `json:"kind"`
	Peer      string    `json:"peer,omitempty"`
	Nickname  string    `json:"nickname,omitempty"`
	Text      string    `json:"text,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func eventKindString(k session.EventKind) string {
	switch k {
	case session.EventPeerAppeared:
		return "peerAppeared"
	case session.EventPeerDisappeared:
		return "peerDisappeared"
	case session.EventMessageReceived:
		return "messageReceived"
	case session.EventNoiseHandshakeComplete:
		return "noiseHandshakeComplete"
	case session.EventDeliveryAck:
		return "deliveryAck"
	case session.EventReadAck:
		return "readAck"
	default:
		return "systemMessage"
	}
}

func toWSEvent(ev session.Event) wsEvent {
	return wsEvent{
		Kind:      eventKindString(ev.Kind),
		Peer:      ev.Peer.String(),
		Nickname:  ev.Nickname,
		Text:      ev.Text,
		MessageID: ev.MessageID,
		Detail:    ev.Detail,
		Timestamp: ev.Timestamp,
	}
}

// wsHub fans the Session Controller's single event channel out to every
// connected /v1/events client, tracked in a simple connection registry.
type wsHub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	startOnce sync.Once
}

func newWSHub(log *slog.Logger) *wsHub {
	return &wsHub{
		log:     log.With("component", "controlapi-ws"),
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// run drains ctrl.Events() and broadcasts each to every connected client
// until ctx is canceled. Called from Server.Run; only the first call starts
// the fan-out goroutine.
func (h *wsHub) run(ctx context.Context, ctrl *session.Controller) {
	h.startOnce.Do(func() {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ctrl.Events():
					if !ok {
						return
					}
					h.broadcast(toWSEvent(ev))
				}
			}
		}()
	})
}

func (h *wsHub) broadcast(ev wsEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("marshal event failed", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Debug("drop slow or closed event client", "err", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *wsHub) handleUpgrade(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "err", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// This connection is output-only: read and discard to notice the
	// client going away (close frames, broken pipe), same as the
	// usual read-loop-to-detect-close pattern.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

const subscriberBuffer = 32

type subscriber struct {
	msgs chan []byte
}

// Hub streams events to connected WebSocket clients. A client that falls
// behind by more than its buffer is disconnected.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
	log  zerolog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs: map[*subscriber]struct{}{},
		log:  logger.With().Str("component", "events").Logger(),
	}
}

// Notify broadcasts ev without blocking.
func (h *Hub) Notify(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.msgs <- data:
		default:
			delete(h.subs, s)
			close(s.msgs)
			h.log.Warn().Msg("dropping slow event subscriber")
		}
	}
	return nil
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) add() *subscriber {
	s := &subscriber{msgs: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.msgs)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects. Authentication happens before this handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	// Events flow one way; CloseRead handles control frames and cancels ctx
	// when the client goes away.
	ctx := conn.CloseRead(r.Context())
	s := h.add()
	defer h.remove(s)
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("event subscriber connected")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.msgs:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow") //nolint:errcheck
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rakshak/backend/internal/bus"
	"github.com/rakshak/backend/internal/domain"
)

// StreamEvent is one bus message relayed to websocket clients.
type StreamEvent struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// EventStreamer fans pipeline output topics out to websocket clients.
type EventStreamer struct {
	bus      bus.Bus
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

// NewEventStreamer constructs a streamer over the given bus.
func NewEventStreamer(b bus.Bus) *EventStreamer {
	return &EventStreamer{
		bus:     b,
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run relays output topics to connected clients until ctx is cancelled.
func (s *EventStreamer) Run(ctx context.Context) error {
	sub, err := s.bus.Subscribe(
		domain.TopicPerceptionOutput,
		domain.TopicBehaviourOutput,
		domain.TopicTwinOutput,
		domain.TopicRouteOutput,
		domain.TopicRiskOutput,
		domain.TopicDecisionOutput,
		domain.TopicExplainOutput,
	)
	if err != nil {
		return err
	}
	defer sub.Close()
	defer s.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			s.broadcast(msg)
		}
	}
}

func (s *EventStreamer) broadcast(msg bus.Message) {
	event := StreamEvent{Topic: msg.Topic, Payload: msg.Payload}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteJSON(event); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *EventStreamer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
}

// HandleWebSocket upgrades a client and keeps it registered until it
// disconnects.
func (s *EventStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Bridge] WebSocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	total := len(s.clients)
	s.mu.Unlock()
	slog.Info("[Bridge] WebSocket client connected", "total", total)

	go func() {
		defer func() {
			s.mu.Lock()
			if _, ok := s.clients[conn]; ok {
				delete(s.clients, conn)
				conn.Close()
			}
			total := len(s.clients)
			s.mu.Unlock()
			slog.Info("[Bridge] WebSocket client disconnected", "total", total)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

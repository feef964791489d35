// internal/notify/hub.go
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Message is one notification addressed to a player.
type Message struct {
	PlayerID uuid.UUID       `json:"playerId"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
}

// NewMessage encodes payload into a Message.
func NewMessage(playerID uuid.UUID, event string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Message{PlayerID: playerID, Event: event, Payload: data}, nil
}

// frame is the wire shape written to the client.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session is one live connection of a player. A player may hold several.
type Session struct {
	PlayerID uuid.UUID
	out      chan []byte
	once     sync.Once
}

// Out yields encoded frames for the connection's write loop. It is closed when the
// session is unregistered.
func (s *Session) Out() <-chan []byte { return s.out }

// write queues data without blocking; a full buffer drops the frame.
func (s *Session) write(data []byte) bool {
	select {
	case s.out <- data:
		return true
	default:
		return false
	}
}

// Hub tracks sessions in this process and delivers notifications to them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[*Session]struct{}
	buffer   int
	logger   *logrus.Logger
}

// NewHub creates a hub whose sessions buffer up to buffer frames.
func NewHub(buffer int, logger *logrus.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		sessions: make(map[uuid.UUID]map[*Session]struct{}),
		buffer:   buffer,
		logger:   logger,
	}
}

// Register opens a session for playerID.
func (h *Hub) Register(playerID uuid.UUID) *Session {
	s := &Session{PlayerID: playerID, out: make(chan []byte, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[playerID] == nil {
		h.sessions[playerID] = make(map[*Session]struct{})
	}
	h.sessions[playerID][s] = struct{}{}
	return s
}

// Unregister removes s and closes its Out channel. Safe to call more than once.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if set, ok := h.sessions[s.PlayerID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, s.PlayerID)
		}
	}
	h.mu.Unlock()
	s.once.Do(func() { close(s.out) })
}

// Connected reports how many sessions playerID holds.
func (h *Hub) Connected(playerID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[playerID])
}

// Send implements the matchmaking notifier for players connected to this process.
func (h *Hub) Send(_ context.Context, playerID uuid.UUID, event string, payload any) error {
	msg, err := NewMessage(playerID, event, payload)
	if err != nil {
		return err
	}
	return h.deliver(msg)
}

// Deliver hands a message received from another instance to local sessions.
func (h *Hub) Deliver(msg Message) {
	if err := h.deliver(msg); err != nil {
		h.logger.Warnf("failed to deliver %s to %s: %v", msg.Event, msg.PlayerID, err)
	}
}

func (h *Hub) deliver(msg Message) error {
	data, err := json.Marshal(frame{Type: msg.Event, Payload: msg.Payload})
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	// Writes stay under the read lock so Unregister cannot close a channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.sessions[msg.PlayerID]
	if len(set) == 0 {
		h.logger.Debugf("no session for %s, dropping %s", msg.PlayerID, msg.Event)
		return nil
	}
	for s := range set {
		if !s.write(data) {
			h.logger.Warnf("session buffer for %s full, dropped %s", msg.PlayerID, msg.Event)
		}
	}
	return nil
}

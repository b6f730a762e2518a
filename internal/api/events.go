package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	subscriberBuffer = 32
	pingInterval     = 30 * time.Second
	writeWait        = 10 * time.Second
)

// EventMessage is a frame sent to event stream subscribers
type EventMessage struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Visible *bool           `json:"visible,omitempty"`
	Time    time.Time       `json:"time"`
}

// Hub fans state change events out to websocket subscribers. Slow
// subscribers drop events rather than block the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan EventMessage]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[chan EventMessage]struct{})}
}

// Publish sends an event to every subscriber. It matches session.Notifier.
func (h *Hub) Publish(event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to marshal event", "event", event, "error", err)
		return
	}
	msg := EventMessage{Type: event, Data: payload, Time: time.Now().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			slog.Debug("dropping event for slow subscriber", "event", event)
		}
	}
}

// Subscribe registers a new subscriber channel
func (h *Hub) Subscribe() chan EventMessage {
	ch := make(chan EventMessage, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber
func (h *Hub) Unsubscribe(ch chan EventMessage) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Subscribers returns the number of connected subscribers
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade to websocket", "error", err)
		return
	}
	defer conn.Close()

	events := s.hub.Subscribe()
	defer s.hub.Unsubscribe(events)

	slog.Info("event stream connected", "remote_addr", r.RemoteAddr)

	if data, err := json.Marshal(s.controller.Status()); err == nil {
		s.sendEvent(conn, EventMessage{Type: "status", Data: data, Time: time.Now().UTC()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// Hub -> WebSocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-events:
				if err := s.sendEvent(conn, msg); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	// WebSocket -> visibility updates
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					slog.Debug("websocket read error", "error", err)
				}
				return
			}

			var msg EventMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				slog.Debug("invalid message format", "error", err)
				continue
			}

			if msg.Type == "visibility" && msg.Visible != nil {
				s.visibility.SetVisible(*msg.Visible)
			}
		}
	}()

	// the reader only returns once the connection fails
	<-ctx.Done()
	conn.Close()
	wg.Wait()
	slog.Info("event stream disconnected", "remote_addr", r.RemoteAddr)
}

func (s *Server) sendEvent(conn *websocket.Conn, msg EventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal event message", "error", err)
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("failed to send event message", "error", err)
		return err
	}
	return nil
}

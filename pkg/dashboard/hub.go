package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// sendBuffer is the per-subscriber queue; a subscriber that falls
	// further behind starts losing events rather than stalling the hub.
	sendBuffer = 64

	defaultWriteTimeout = 5 * time.Second
	keepaliveInterval   = 30 * time.Second
)

// Hub fans pipeline events out to WebSocket subscribers. Delivery is
// best-effort: events broadcast with no subscribers are dropped, and
// slow subscribers lose events instead of blocking the pipeline.
type Hub struct {
	mu           sync.RWMutex
	conns        map[string]*subscriber
	writeTimeout time.Duration
}

type subscriber struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns:        make(map[string]*subscriber),
		writeTimeout: defaultWriteTimeout,
	}
}

// Broadcast serializes an event and queues it for every subscriber.
// Never blocks the caller.
func (h *Hub) Broadcast(evt Event) {
	h.mu.RLock()
	if len(h.conns) == 0 {
		h.mu.RUnlock()
		return
	}
	subs := make([]*subscriber, 0, len(h.conns))
	for _, s := range h.conns {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	payload, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("Failed to serialize dashboard event", "kind", evt.Kind(), "error", err)
		return
	}
	for _, s := range subs {
		select {
		case s.sendCh <- payload:
		default:
			slog.Debug("Dropping event for slow subscriber", "connection_id", s.id, "kind", evt.Kind())
		}
	}
}

// Subscribers returns the current connection count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// HandleConnection owns one WebSocket client: greeting, keepalive, and
// the ping/pong read loop. Blocks until the connection closes.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	s := &subscriber{
		id:     uuid.New().String(),
		conn:   conn,
		sendCh: make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	h.register(s)
	defer h.unregister(s)

	s.queueJSON(map[string]string{"type": "connected", "connection_id": s.id})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeLoop(s)
	}()

	h.readLoop(s)
	cancel()
	wg.Wait()
}

func (h *Hub) register(s *subscriber) {
	h.mu.Lock()
	h.conns[s.id] = s
	h.mu.Unlock()
	slog.Debug("Dashboard subscriber connected", "connection_id", s.id)
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	delete(h.conns, s.id)
	h.mu.Unlock()
	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	slog.Debug("Dashboard subscriber disconnected", "connection_id", s.id)
}

// writeLoop drains the send queue and emits a keepalive after 30 s of
// silence so intermediaries keep the connection open.
func (h *Hub) writeLoop(s *subscriber) {
	idle := time.NewTimer(keepaliveInterval)
	defer idle.Stop()
	for {
		select {
		case payload := <-s.sendCh:
			if err := h.write(s, payload); err != nil {
				s.cancel()
				return
			}
			resetTimer(idle, keepaliveInterval)
		case <-idle.C:
			payload, _ := json.Marshal(map[string]string{"type": "keepalive", "timestamp": eventTime()})
			if err := h.write(s, payload); err != nil {
				s.cancel()
				return
			}
			idle.Reset(keepaliveInterval)
		case <-s.ctx.Done():
			return
		}
	}
}

// readLoop consumes client messages, answering ping with pong. Any read
// error ends the connection.
func (h *Hub) readLoop(s *subscriber) {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("Invalid dashboard client message", "connection_id", s.id, "error", err)
			continue
		}
		if msg.Type == "ping" {
			s.queueJSON(map[string]string{"type": "pong"})
		}
	}
}

func (h *Hub) write(s *subscriber, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(s.ctx, h.writeTimeout)
	defer cancel()
	return s.conn.Write(writeCtx, websocket.MessageText, payload)
}

// queueJSON enqueues a control message, dropping it when the queue is full.
func (s *subscriber) queueJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case s.sendCh <- payload:
	default:
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

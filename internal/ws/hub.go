// Package ws serves the realtime conversation channel over WebSocket and
// pushes follow-ups to connected leads.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/leadqual/internal/domain"
)

const (
	sendQueueSize = 16
	writeTimeout  = 10 * time.Second
)

// client is one connected browser tab. Frames are written by a single writer
// goroutine in the order they were queued.
type client struct {
	conn   *websocket.Conn
	send   chan outbound
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newClient(conn *websocket.Conn, logger *slog.Logger) *client {
	return &client{
		conn:   conn,
		send:   make(chan outbound, sendQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// enqueue queues a frame without blocking. It reports false when the client
// is gone or too slow.
func (c *client) enqueue(msg outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("WebSocket send queue full, dropping frame", "type", msg.Type)
		return false
	}
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error("Failed to encode WebSocket frame", "type", msg.Type, "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Debug("WebSocket write error", "error", err)
				c.close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub tracks connected clients per lead. A lead may have several tabs open.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(leadID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[leadID]; !ok {
		h.clients[leadID] = make(map[*client]struct{})
	}
	h.clients[leadID][c] = struct{}{}
	h.logger.Info("Lead connected", "lead_id", leadID, "connections", len(h.clients[leadID]))
}

func (h *Hub) unregister(leadID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.clients[leadID]
	if !ok {
		return
	}
	if _, exists := conns[c]; !exists {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, leadID)
	}
	h.logger.Info("Lead disconnected", "lead_id", leadID)
}

// Connected reports whether the lead has at least one open connection.
func (h *Hub) Connected(leadID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[leadID]) > 0
}

// Len returns the number of connected leads.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PushFollowUp sends a follow-up to every connection of the lead. It reports
// whether at least one connection accepted it.
func (h *Hub) PushFollowUp(leadID string, msg domain.FollowUpMessage) bool {
	h.mu.RLock()
	conns := make([]*client, 0, len(h.clients[leadID]))
	for c := range h.clients[leadID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	frame := outbound{
		Type:      typeFollowUp,
		LeadID:    leadID,
		Message:   msg.Message,
		Sequence:  msg.Sequence,
		Timestamp: msg.CreatedAt,
	}
	delivered := false
	for _, c := range conns {
		if c.enqueue(frame) {
			delivered = true
		}
	}
	return delivered
}

// CloseAll closes every connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for leadID, conns := range h.clients {
		for c := range conns {
			c.close()
			_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(h.clients, leadID)
	}
}

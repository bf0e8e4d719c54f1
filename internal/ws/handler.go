package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/leadqual/internal/domain"
	"github.com/ashureev/leadqual/internal/engine"
	"github.com/ashureev/leadqual/internal/identity"
	"github.com/ashureev/leadqual/internal/shared"
)

// Client message types.
const (
	typeJoin        = "join"
	typeSendMessage = "send_message"
	typeHistory     = "history"
	typeStatus      = "status"
	typePing        = "ping"
)

// Server message types.
const (
	typeJoined   = "joined"
	typeMessage  = "message"
	typeFollowUp = "follow_up"
	typeError    = "error"
	typePong     = "pong"
)

const (
	readLimit           = 8 << 10
	defaultHistoryLimit = 50
)

// Conversations is the conversation engine as seen by the socket.
type Conversations interface {
	StartConversation(ctx context.Context, leadID, name string) (string, string, error)
	SendMessage(ctx context.Context, leadID, text string) (engine.Reply, error)
	GetStatus(ctx context.Context, leadID string) (engine.Status, error)
	History(ctx context.Context, leadID string, limit int) ([]domain.ConversationTurn, error)
}

type inbound struct {
	Type    string `json:"type"`
	LeadID  string `json:"lead_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type outbound struct {
	Type      string                    `json:"type"`
	LeadID    string                    `json:"lead_id,omitempty"`
	Message   string                    `json:"message,omitempty"`
	Sequence  int                       `json:"sequence,omitempty"`
	Reply     *engine.Reply             `json:"reply,omitempty"`
	Status    *engine.Status            `json:"status,omitempty"`
	Turns     []domain.ConversationTurn `json:"turns,omitempty"`
	Error     string                    `json:"error,omitempty"`
	Timestamp time.Time                 `json:"timestamp"`
}

// Handler upgrades requests on /ws and runs one conversation per connection.
type Handler struct {
	conv          Conversations
	hub           *Hub
	limiter       *shared.KeyedLimiter
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewHandler creates a WebSocket handler. limiter may be nil.
func NewHandler(conv Conversations, hub *Hub, limiter *shared.KeyedLimiter, allowedOrigin string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		conv:          conv,
		hub:           hub,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newClient(conn, h.logger)
	go c.writeLoop(ctx)

	s := &socket{h: h, c: c, leadID: identity.LeadIDFromContext(r.Context())}
	defer func() {
		if s.joined {
			h.hub.unregister(s.leadID, c)
		}
		c.close()
		if closeErr := conn.Close(websocket.StatusNormalClosure, "conversation ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	s.readLoop(ctx)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// socket is the per-connection conversation state.
type socket struct {
	h      *Handler
	c      *client
	leadID string
	joined bool
}

func (s *socket) readLoop(ctx context.Context) {
	for {
		_, data, err := s.c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				s.h.logger.Debug("WebSocket closed", "lead_id", s.leadID)
			} else {
				s.h.logger.Warn("WebSocket read error", "lead_id", s.leadID, "error", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reply(outbound{Type: typeError, Error: "invalid message"})
			continue
		}
		s.dispatch(ctx, msg)
	}
}

func (s *socket) dispatch(ctx context.Context, msg inbound) {
	if msg.Type == typePing {
		s.reply(outbound{Type: typePong})
		return
	}
	if msg.Type == typeJoin {
		s.join(ctx, msg)
		return
	}
	if !s.joined {
		s.reply(outbound{Type: typeError, Error: "join first"})
		return
	}

	switch msg.Type {
	case typeSendMessage:
		s.sendMessage(ctx, msg.Content)
	case typeHistory:
		limit := msg.Limit
		if limit <= 0 {
			limit = defaultHistoryLimit
		}
		turns, err := s.h.conv.History(ctx, s.leadID, limit)
		if err != nil {
			s.fail("history", err)
			return
		}
		s.reply(outbound{Type: typeHistory, LeadID: s.leadID, Turns: turns})
	case typeStatus:
		st, err := s.h.conv.GetStatus(ctx, s.leadID)
		if err != nil {
			s.fail("status", err)
			return
		}
		s.reply(outbound{Type: typeStatus, LeadID: s.leadID, Status: &st})
	default:
		s.reply(outbound{Type: typeError, Error: "unknown message type"})
	}
}

func (s *socket) join(ctx context.Context, msg inbound) {
	leadID := strings.TrimSpace(msg.LeadID)
	if leadID == "" {
		leadID = s.leadID
	}
	if leadID != "" && !identity.ValidLeadID(leadID) {
		s.reply(outbound{Type: typeError, Error: "invalid lead_id"})
		return
	}

	leadID, reply, err := s.h.conv.StartConversation(ctx, leadID, strings.TrimSpace(msg.Name))
	if err != nil {
		s.fail("join", err)
		return
	}

	switch {
	case !s.joined:
		s.h.hub.register(leadID, s.c)
	case s.leadID != leadID:
		s.h.hub.unregister(s.leadID, s.c)
		s.h.hub.register(leadID, s.c)
	}
	s.leadID = leadID
	s.joined = true
	s.reply(outbound{Type: typeJoined, LeadID: leadID, Message: reply})
}

func (s *socket) sendMessage(ctx context.Context, content string) {
	if strings.TrimSpace(content) == "" {
		s.reply(outbound{Type: typeError, Error: "message is required"})
		return
	}
	if s.h.limiter != nil && !s.h.limiter.Allow(s.leadID) {
		s.reply(outbound{Type: typeError, Error: "too many messages, slow down"})
		return
	}
	r, err := s.h.conv.SendMessage(ctx, s.leadID, content)
	if err != nil {
		s.fail("send message", err)
		return
	}
	s.reply(outbound{Type: typeMessage, LeadID: s.leadID, Message: r.Reply, Reply: &r})
}

func (s *socket) reply(msg outbound) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.c.enqueue(msg)
}

func (s *socket) fail(op string, err error) {
	s.h.logger.Error("WebSocket request failed", "op", op, "lead_id", s.leadID, "error", err)
	s.reply(outbound{Type: typeError, Error: "internal error"})
}

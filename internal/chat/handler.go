package chat

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	myMiddleware "carelink-chat/internal/middleware"
	"carelink-chat/internal/metrics"
	"carelink-chat/internal/ratelimit"
)

type Handler struct {
	gateway       *Gateway
	messages      *Service
	conversations *Aggregator
	upgrader      websocket.Upgrader
	logger        *zap.Logger
}

func NewHandler(gateway *Gateway, messages *Service, conversations *Aggregator, allowedOrigins []string, logger *zap.Logger) *Handler {
	return &Handler{
		gateway:       gateway,
		messages:      messages,
		conversations: conversations,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: logger,
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// SendMessageRequest is the body of POST /api/conversations/{appointmentId}.
type SendMessageRequest struct {
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// ServeWs upgrades an authenticated request. The auth middleware has already
// rejected anything without a valid session, so no room operation can happen
// before authentication.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, ErrUnauthenticated)
		return
	}

	session, err := h.gateway.Connect(userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.gateway.Disconnect(session)
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		gateway: h.gateway,
		conn:    conn,
		session: session,
		limiter: ratelimit.NewConnLimiter(),
		logger:  h.logger,
	}

	// The request context dies with the handler, so the pumps get their own.
	go client.WritePump()
	go client.ReadPump(context.Background())
}

// ListConversations handles GET /api/conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserIDFromContext(r.Context())
	summaries, err := h.conversations.List(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summaries)
}

// GetConversation handles GET /api/conversations/{appointmentId}. Fetching
// the history marks the caller's incoming messages read.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserIDFromContext(r.Context())
	room := RoomID(chi.URLParam(r, "appointmentId"))

	conv, marked, err := h.messages.Conversation(r.Context(), userID, room)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.gateway.Read(room, userID, marked)
	h.writeJSON(w, http.StatusOK, conv)
}

// PostMessage handles POST /api/conversations/{appointmentId}.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserIDFromContext(r.Context())
	room := RoomID(chi.URLParam(r, "appointmentId"))

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body", "code": Code(ErrInvalidArgument)})
		return
	}

	msg, err := h.gateway.Send(r.Context(), userID, room, req.Content, req.Attachment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	metrics.MessagesSent.WithLabelValues("rest").Inc()
	h.writeJSON(w, http.StatusCreated, msg)
}

// MarkRead handles POST /api/conversations/{appointmentId}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserIDFromContext(r.Context())
	room := RoomID(chi.URLParam(r, "appointmentId"))

	if err := h.gateway.MarkRead(r.Context(), userID, room); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	h.writeJSON(w, status, map[string]string{"error": publicError(err), "code": Code(err)})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/javierchua/ask-javier/internal/auth"
	"github.com/javierchua/ask-javier/internal/config"
	"github.com/javierchua/ask-javier/internal/core"
	"github.com/javierchua/ask-javier/internal/store"
)

type contextKey string

const principalKey contextKey = "principal"

type APIHandler struct {
	chat   *core.ChatService
	cfg    *config.Config
	logger *zap.Logger
}

func NewAPIHandler(chat *core.ChatService, cfg *config.Config, logger *zap.Logger) *APIHandler {
	return &APIHandler{chat: chat, cfg: cfg, logger: logger}
}

// AuthMiddleware is the identity guard: requests without a verified principal
// are rejected before any handler runs.
func (h *APIHandler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		email, err := auth.ValidateToken(h.cfg.AuthSecret, tokenString)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		if !h.cfg.EmailAllowed(email) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ChatHandler streams the assistant's reply as raw text chunks. Validation
// and quota failures surface as structured JSON before the stream opens;
// after the first chunk the orchestrator guarantees a well-terminated body.
func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req core.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	flusher, _ := w.(http.Flusher)
	started := false
	sink := func(fragment string) error {
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := io.WriteString(w, fragment); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	err := h.chat.StreamChat(r.Context(), req, sink)
	if err == nil {
		return
	}

	var rateLimited *core.RateLimitedError
	switch {
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "Rate limit exceeded",
			"message":    "Too many requests. Please try again later.",
			"retryAfter": rateLimited.RetryAfter,
		})
	case errors.Is(err, core.ErrNoMessages),
		errors.Is(err, core.ErrEmptyMessage),
		errors.Is(err, core.ErrMessageTooLong):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("chat request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to process chat"})
	}
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) CreateConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
			return
		}
	}

	conv, err := h.chat.CreateConversation(r.Context(), req.Title)
	if err != nil {
		h.logger.Error("failed to create conversation", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to create conversation"})
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	conversations, err := h.chat.ListConversations(r.Context())
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch conversations"})
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

type conversationDetailsResponse struct {
	*store.Conversation
	Turns []store.Turn `json:"turns"`
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}

	conv, turns, err := h.chat.GetConversationDetails(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrConversationNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Error("failed to fetch conversation", zap.String("conversationId", id.Hex()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch conversation"})
		return
	}
	writeJSON(w, http.StatusOK, conversationDetailsResponse{Conversation: conv, Turns: turns})
}

type updateTitleRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) UpdateConversationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}

	var req updateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	if req.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Title is required"})
		return
	}

	if err := h.chat.UpdateConversationTitle(r.Context(), id, req.Title); err != nil {
		if errors.Is(err, core.ErrConversationNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Error("failed to update conversation", zap.String("conversationId", id.Hex()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to update conversation"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}

	if err := h.chat.DeleteConversation(r.Context(), id); err != nil {
		if errors.Is(err, core.ErrConversationNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Error("failed to delete conversation", zap.String("conversationId", id.Hex()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to delete conversation"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type createTurnRequest struct {
	Role    store.Role `json:"role"`
	Content string     `json:"content"`
}

func (h *APIHandler) CreateTurnHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}

	var req createTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	turn, err := h.chat.AppendTurn(r.Context(), id, req.Role, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrMissingFields), errors.Is(err, core.ErrInvalidRole):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, core.ErrConversationNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		default:
			h.logger.Error("failed to save turn", zap.String("conversationId", id.Hex()), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to save turn"})
		}
		return
	}
	writeJSON(w, http.StatusCreated, turn)
}

// conversationID parses the path parameter, answering 400 on malformed ids.
func (h *APIHandler) conversationID(w http.ResponseWriter, r *http.Request) (primitive.ObjectID, bool) {
	raw := chi.URLParam(r, "conversationID")
	id, err := primitive.ObjectIDFromHex(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid conversation ID"})
		return primitive.NilObjectID, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

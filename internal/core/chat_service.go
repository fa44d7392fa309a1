package core

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/javierchua/ask-javier/internal/affection"
	"github.com/javierchua/ask-javier/internal/config"
	"github.com/javierchua/ask-javier/internal/ratelimit"
	"github.com/javierchua/ask-javier/internal/store"
)

// FallbackReply is streamed in place of a broken or empty model response; the
// client never sees a mid-stream error.
const FallbackReply = "I can't handle that yet—ask the real Javier."

// Message is one role-tagged entry of the client-supplied history.
type Message struct {
	Role    store.Role `json:"role"`
	Content string     `json:"content"`
}

// ChatRequest is the body of POST /chat. ConversationID is optional; without
// it the exchange is not persisted.
type ChatRequest struct {
	Messages       []Message `json:"messages"`
	ConversationID string    `json:"conversationId,omitempty"`
}

// ReplyStream yields model output fragments in generation order, returning
// io.EOF when the stream is exhausted.
type ReplyStream interface {
	Next() (string, error)
}

// Generator is the language-model provider.
type Generator interface {
	StreamReply(ctx context.Context, systemPrompt string, history []Message, message string) (ReplyStream, error)
	GenerateTitle(ctx context.Context, firstUserText string) (string, error)
}

// Ledger is the quota ledger guarding provider calls.
type Ledger interface {
	Check(ctx context.Context, model string, limits ratelimit.Limits) (ratelimit.Result, error)
	Record(ctx context.Context, model string) error
}

// ConversationStore is the slice of the document store the chat service uses.
type ConversationStore interface {
	CreateConversation(ctx context.Context, title string) (*store.Conversation, error)
	ListConversations(ctx context.Context) ([]store.Conversation, error)
	GetConversation(ctx context.Context, id primitive.ObjectID) (*store.Conversation, error)
	GetTurns(ctx context.Context, conversationID primitive.ObjectID) ([]store.Turn, error)
	AppendTurn(ctx context.Context, conversationID primitive.ObjectID, role store.Role, content string) (*store.Turn, error)
	UpdateTitle(ctx context.Context, id primitive.ObjectID, title string) (bool, error)
	DeleteConversation(ctx context.Context, id primitive.ObjectID) (bool, error)
}

type ChatService struct {
	store  ConversationStore
	ledger Ledger
	llm    Generator
	cfg    *config.Config
	logger *zap.Logger
}

func NewChatService(st ConversationStore, ledger Ledger, llm Generator, cfg *config.Config, logger *zap.Logger) *ChatService {
	return &ChatService{
		store:  st,
		ledger: ledger,
		llm:    llm,
		cfg:    cfg,
		logger: logger,
	}
}

// StreamChat runs the per-turn pipeline: validate, persist the user turn,
// check and record quota, compose the prompt, then relay fragments to sink as
// they arrive. It returns a typed error only before the first write to sink;
// once streaming has begun every failure is converted into FallbackReply on
// the still-open stream and a nil return.
func (s *ChatService) StreamChat(ctx context.Context, req ChatRequest, sink func(fragment string) error) error {
	if len(req.Messages) == 0 {
		return ErrNoMessages
	}
	last := req.Messages[len(req.Messages)-1]
	if strings.TrimSpace(last.Content) == "" {
		return ErrEmptyMessage
	}
	if len(last.Content) > MaxMessageLength {
		return ErrMessageTooLong
	}

	var convID primitive.ObjectID
	hasConv := false
	if req.ConversationID != "" {
		id, err := primitive.ObjectIDFromHex(req.ConversationID)
		if err != nil {
			s.logger.Warn("ignoring invalid conversation id",
				zap.String("conversationId", req.ConversationID))
		} else {
			convID = id
			hasConv = true
			s.persistUserTurn(ctx, convID, last.Content)
		}
	}

	res, err := s.ledger.Check(ctx, ratelimit.ChatModel, ratelimit.RateLimits[ratelimit.ChatModel])
	if err != nil {
		return fmt.Errorf("admission check failed: %w", err)
	}
	if !res.Allowed {
		return &RateLimitedError{RetryAfter: res.RetryAfter, Reason: string(res.Reason)}
	}
	// Record before the provider call starts so concurrent requests can't all
	// pass the check uncounted.
	if err := s.ledger.Record(ctx, ratelimit.ChatModel); err != nil {
		s.logger.Error("failed to record chat request", zap.Error(err))
	}

	systemPrompt := s.cfg.SystemPrompt
	if phrase, ok := affection.Detect(last.Content); ok {
		systemPrompt += "\n\n" + fmt.Sprintf(s.cfg.AffectionInstruction, phrase)
	}

	history := req.Messages[:len(req.Messages)-1]
	stream, err := s.llm.StreamReply(ctx, systemPrompt, history, last.Content)
	if err != nil {
		s.logger.Error("failed to start generation", zap.Error(err))
		s.writeFallback(sink)
		return nil
	}

	var reply strings.Builder
	streamFailed := false
	for {
		fragment, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.logger.Error("generation stream failed", zap.Error(err))
			streamFailed = true
			break
		}
		if fragment == "" {
			continue
		}
		if err := sink(fragment); err != nil {
			// Client is gone; stop relaying and discard the partial reply.
			s.logger.Warn("client write failed mid-stream", zap.Error(err))
			return nil
		}
		reply.WriteString(fragment)
	}

	if streamFailed || strings.TrimSpace(reply.String()) == "" {
		s.writeFallback(sink)
		return nil
	}

	if hasConv {
		if _, err := s.store.AppendTurn(ctx, convID, store.RoleAssistant, reply.String()); err != nil {
			// The user already saw the streamed text; never surface this.
			s.logger.Error("failed to persist assistant turn",
				zap.String("conversationId", convID.Hex()), zap.Error(err))
		}
	}
	return nil
}

func (s *ChatService) writeFallback(sink func(string) error) {
	if err := sink(FallbackReply); err != nil {
		s.logger.Warn("failed to write fallback reply", zap.Error(err))
	}
}

// persistUserTurn appends the user's message to the conversation and, on the
// first turn, sets a provisional title and kicks off title generation. All of
// this is best-effort; the reply stream proceeds regardless.
func (s *ChatService) persistUserTurn(ctx context.Context, convID primitive.ObjectID, content string) {
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		s.logger.Error("failed to load conversation", zap.String("conversationId", convID.Hex()), zap.Error(err))
		return
	}
	if conv == nil {
		s.logger.Warn("conversation not found for user turn", zap.String("conversationId", convID.Hex()))
		return
	}

	turn, err := s.store.AppendTurn(ctx, convID, store.RoleUser, content)
	if err != nil {
		s.logger.Error("failed to persist user turn", zap.String("conversationId", convID.Hex()), zap.Error(err))
		return
	}

	if turn.Index == 0 && conv.Title == store.DefaultTitle {
		if _, err := s.store.UpdateTitle(ctx, convID, provisionalTitle(content)); err != nil {
			s.logger.Error("failed to set provisional title", zap.String("conversationId", convID.Hex()), zap.Error(err))
		}
		// Detached: the request must not wait on, or see errors from, title
		// generation.
		go s.generateAndSaveTitle(convID, content)
	}
}

// CreateConversation starts a new conversation, optionally titled.
func (s *ChatService) CreateConversation(ctx context.Context, title string) (*store.Conversation, error) {
	return s.store.CreateConversation(ctx, title)
}

func (s *ChatService) ListConversations(ctx context.Context) ([]store.Conversation, error) {
	return s.store.ListConversations(ctx)
}

// GetConversationDetails returns the conversation and its ordered turns, or
// ErrConversationNotFound.
func (s *ChatService) GetConversationDetails(ctx context.Context, id primitive.ObjectID) (*store.Conversation, []store.Turn, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if conv == nil {
		return nil, nil, ErrConversationNotFound
	}
	turns, err := s.store.GetTurns(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return conv, turns, nil
}

func (s *ChatService) DeleteConversation(ctx context.Context, id primitive.ObjectID) error {
	deleted, err := s.store.DeleteConversation(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrConversationNotFound
	}
	return nil
}

func (s *ChatService) UpdateConversationTitle(ctx context.Context, id primitive.ObjectID, title string) error {
	matched, err := s.store.UpdateTitle(ctx, id, title)
	if err != nil {
		return err
	}
	if !matched {
		return ErrConversationNotFound
	}
	return nil
}

// AppendTurn persists a turn directly, for non-streaming flows. On the
// conversation's first user turn it also sets the provisional title.
func (s *ChatService) AppendTurn(ctx context.Context, id primitive.ObjectID, role store.Role, content string) (*store.Turn, error) {
	if role == "" || content == "" {
		return nil, ErrMissingFields
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}

	turn, err := s.store.AppendTurn(ctx, id, role, content)
	if err != nil {
		return nil, err
	}

	if turn.Index == 0 && conv.Title == store.DefaultTitle && role == store.RoleUser {
		if _, err := s.store.UpdateTitle(ctx, id, provisionalTitle(content)); err != nil {
			s.logger.Error("failed to set provisional title", zap.String("conversationId", id.Hex()), zap.Error(err))
		}
	}
	return turn, nil
}

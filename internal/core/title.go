package core

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/javierchua/ask-javier/internal/ratelimit"
)

// maxTitleLength caps generated and provisional titles.
const maxTitleLength = 50

const titleTimeout = 30 * time.Second

// generateAndSaveTitle condenses the conversation's first user turn into a
// short label. It runs detached from the originating request and never
// surfaces errors: a quota denial or any failure leaves the provisional
// title in place.
func (s *ChatService) generateAndSaveTitle(convID primitive.ObjectID, firstUserText string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	res, err := s.ledger.Check(ctx, ratelimit.TitleModel, ratelimit.RateLimits[ratelimit.TitleModel])
	if err != nil {
		s.logger.Warn("title admission check failed", zap.Error(err))
		return
	}
	if !res.Allowed {
		s.logger.Info("skipping title generation, quota denied",
			zap.String("reason", string(res.Reason)),
			zap.Int("retryAfter", res.RetryAfter))
		return
	}
	if err := s.ledger.Record(ctx, ratelimit.TitleModel); err != nil {
		s.logger.Warn("failed to record title request", zap.Error(err))
	}

	raw, err := s.llm.GenerateTitle(ctx, firstUserText)
	if err != nil {
		s.logger.Warn("title generation failed", zap.String("conversationId", convID.Hex()), zap.Error(err))
		return
	}

	title := CleanTitle(raw)
	if title == "" {
		return
	}

	if _, err := s.store.UpdateTitle(ctx, convID, title); err != nil {
		s.logger.Warn("failed to save generated title",
			zap.String("conversationId", convID.Hex()),
			zap.String("title", title),
			zap.Error(err))
		return
	}
	s.logger.Info("saved generated title",
		zap.String("conversationId", convID.Hex()),
		zap.String("title", title))
}

// CleanTitle strips wrapping quote characters and enforces the length cap.
// Applying it to already-clean output is a no-op.
func CleanTitle(raw string) string {
	title := stripWrapping(raw)
	if runes := []rune(title); len(runes) > maxTitleLength {
		// Truncation can expose a new trailing quote or space; strip again so
		// the result is a fixed point.
		title = stripWrapping(string(runes[:maxTitleLength]))
	}
	return title
}

// stripWrapping removes surrounding whitespace and quote characters until
// none remain.
func stripWrapping(s string) string {
	const quotes = "\"'“”‘’"
	for {
		next := strings.TrimSpace(strings.Trim(strings.TrimSpace(s), quotes))
		if next == s {
			return s
		}
		s = next
	}
}

// provisionalTitle truncates the first user message for immediate display
// while the generated title is pending.
func provisionalTitle(content string) string {
	runes := []rune(content)
	if len(runes) > maxTitleLength {
		runes = runes[:maxTitleLength]
	}
	return strings.TrimSpace(string(runes))
}

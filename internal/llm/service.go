// Package llm adapts the Gemini API to the orchestrator's Generator
// interface.
package llm

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/javierchua/ask-javier/internal/core"
	"github.com/javierchua/ask-javier/internal/ratelimit"
	"github.com/javierchua/ask-javier/internal/store"
)

type Service struct {
	client           *genai.Client
	titleInstruction string
	logger           *zap.Logger
}

func New(ctx context.Context, apiKey, titleInstruction string, logger *zap.Logger) (*Service, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Service{
		client:           client,
		titleInstruction: titleInstruction,
		logger:           logger,
	}, nil
}

func (s *Service) Close() {
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		s.logger.Warn("error closing GenAI client", zap.Error(err))
	}
}

// ProviderRole maps the internal speaker role onto Gemini's role vocabulary.
// The mapping is total: anything that is not the assistant speaks as the
// user.
func ProviderRole(r store.Role) string {
	switch r {
	case store.RoleAssistant:
		return "model"
	default:
		return "user"
	}
}

// StreamReply starts a streaming generation: systemPrompt as the system
// instruction, history as prior turns, message as the new user input.
func (s *Service) StreamReply(ctx context.Context, systemPrompt string, history []core.Message, message string) (core.ReplyStream, error) {
	model := s.client.GenerativeModel(ratelimit.ChatModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}

	session := model.StartChat()
	for _, msg := range history {
		session.History = append(session.History, &genai.Content{
			Role:  ProviderRole(msg.Role),
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}

	return &geminiStream{iter: session.SendMessageStream(ctx, genai.Text(message))}, nil
}

type geminiStream struct {
	iter *genai.GenerateContentResponseIterator
}

// Next returns the text of the next streamed response chunk, io.EOF at end.
func (g *geminiStream) Next() (string, error) {
	resp, err := g.iter.Next()
	if err == iterator.Done {
		return "", io.EOF
	}
	if err != nil {
		return "", fmt.Errorf("gemini stream failed: %w", err)
	}
	return responseText(resp), nil
}

// GenerateTitle asks the title model for a 3-5 word label for a conversation
// opening with firstUserText.
func (s *Service) GenerateTitle(ctx context.Context, firstUserText string) (string, error) {
	model := s.client.GenerativeModel(ratelimit.TitleModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(s.titleInstruction)},
	}

	temp := float32(0.3)
	maxTokens := int32(20)
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	prompt := fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with: %q.", firstUserText)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini title generation failed: %w", err)
	}

	title := responseText(resp)
	if title == "" {
		return "", fmt.Errorf("gemini generated an empty title")
	}
	return title, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				b.WriteString(string(txt))
			}
		}
	}
	return b.String()
}

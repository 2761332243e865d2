// Package webchat answers web widget turns: the widget resubmits the whole
// conversation and receives the answer plus the updated history.
package webchat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/rag-concierge/backend/internal/apperr"
	"github.com/zhouzirui/rag-concierge/backend/internal/model/chat"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/ai"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/prompt"
)

// ErrNoUserMessage is returned when the submitted history has no user turn
// or the last one is blank.
var ErrNoUserMessage = apperr.Validation("No user message found.")

// Retriever returns the formatted knowledge base context for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) (string, error)
}

// Completer answers a composed conversation, never failing.
type Completer interface {
	CompleteOrPlaceholder(ctx context.Context, messages []chat.Message, opts ai.Options) string
}

// Config holds the web channel settings.
type Config struct {
	TopK    int
	Options ai.Options
}

// Service runs one web turn end to end.
type Service struct {
	retriever Retriever
	completer Completer
	composer  *prompt.Composer
	cfg       Config
	now       func() time.Time
	suffix    func() string
}

// NewService wires the web channel pipeline.
func NewService(retriever Retriever, completer Completer, composer *prompt.Composer, cfg Config) *Service {
	return &Service{
		retriever: retriever,
		completer: completer,
		composer:  composer,
		cfg:       cfg,
		now:       time.Now,
		suffix:    randomSuffix,
	}
}

// Respond answers the last user message of req. Retrieval failures are
// returned; completion failures become the placeholder answer.
func (s *Service) Respond(ctx context.Context, req chat.Request) (chat.Response, error) {
	history := conversation(req.Messages)
	idx := chat.LastUserIndex(history)
	if idx < 0 {
		return chat.Response{}, ErrNoUserMessage
	}

	question := chat.NormalizeQuestion(history[idx].Content)
	if question == "" {
		return chat.Response{}, ErrNoUserMessage
	}
	history[idx].Content = question

	chatID := strings.TrimSpace(req.ChatID)
	if chatID == "" {
		chatID = s.NewChatID()
	}

	knowledge, err := s.retriever.Retrieve(ctx, question, s.cfg.TopK)
	if err != nil {
		return chat.Response{}, err
	}

	composition := s.composer.Compose(history, knowledge, req.Language, req.ClientSubmitted)
	answer := s.completer.CompleteOrPlaceholder(ctx, composition.Messages(), s.cfg.Options)

	log.Info().
		Str("component", "webchat").
		Str("chat_id", chatID).
		Str("language", req.Language).
		Int("history", len(history)).
		Bool("has_context", knowledge != "").
		Msg("answered web turn")

	return chat.Response{
		Answer:      answer,
		ChatHistory: append(history, chat.AssistantMessage(answer)),
		ChatID:      chatID,
	}, nil
}

// NewChatID returns chat_YYYYMMDD_HHMMSS_<8 hex> in UTC.
func (s *Service) NewChatID() string {
	return "chat_" + s.now().UTC().Format("20060102_150405") + "_" + s.suffix()
}

// conversation copies messages without system entries.
func conversation(messages []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(messages)+1)
	for _, msg := range messages {
		if msg.Role == chat.RoleSystem {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func randomSuffix() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

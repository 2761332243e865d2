package ai

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/rag-concierge/backend/internal/model/chat"
)

// OpenAIProvider implements CompletionProvider with the OpenAI chat API.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider wraps an existing client.
func NewOpenAIProvider(client *openai.Client) *OpenAIProvider {
	return &OpenAIProvider{client: client}
}

// Complete implements CompletionProvider.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []chat.Message, opts Options) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, chatRequest(messages, opts))
	if err != nil {
		return "", errors.Wrap(err, "openai chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

func chatRequest(messages []chat.Message, opts Options) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	// go-openai drops a zero temperature from the request body, which the API
	// then reads as its default of 1.
	if req.Temperature == 0 {
		req.Temperature = math.SmallestNonzeroFloat32
	}
	for _, msg := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openaiRole(msg.Role),
			Content: msg.Content,
		})
	}
	return req
}

func openaiRole(role chat.Role) string {
	switch role {
	case chat.RoleSystem:
		return openai.ChatMessageRoleSystem
	case chat.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

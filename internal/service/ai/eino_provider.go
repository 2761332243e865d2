package ai

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"

	"github.com/zhouzirui/rag-concierge/backend/internal/model/chat"
)

// EinoProvider runs completions through an eino chain: a chat template that
// places the system instruction ahead of the conversation, then the model.
type EinoProvider struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewEinoProvider compiles the chain around chatModel.
func NewEinoProvider(ctx context.Context, chatModel model.BaseChatModel) (*EinoProvider, error) {
	if chatModel == nil {
		return nil, errors.New("eino provider requires a chat model")
	}

	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "compile completion chain")
	}
	return &EinoProvider{chain: runnable}, nil
}

// Complete implements CompletionProvider.
func (p *EinoProvider) Complete(ctx context.Context, messages []chat.Message, opts Options) (string, error) {
	modelOpts := []model.Option{model.WithTemperature(opts.Temperature)}
	if opts.MaxTokens > 0 {
		modelOpts = append(modelOpts, model.WithMaxTokens(opts.MaxTokens))
	}
	if opts.Model != "" {
		modelOpts = append(modelOpts, model.WithModel(opts.Model))
	}

	resp, err := p.chain.Invoke(ctx, chainInput(messages), compose.WithChatModelOption(modelOpts...))
	if err != nil {
		return "", errors.Wrap(err, "run completion chain")
	}
	if resp == nil {
		return "", ErrEmptyCompletion
	}
	return resp.Content, nil
}

// chainInput splits messages into the template variables. System messages
// are joined into the single system slot; the rest keep their order.
func chainInput(messages []chat.Message) map[string]any {
	var system []string
	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleSystem:
			system = append(system, msg.Content)
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		default:
			history = append(history, schema.UserMessage(msg.Content))
		}
	}
	return map[string]any{
		"system":  strings.Join(system, "\n\n"),
		"history": history,
	}
}

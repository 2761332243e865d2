// Package pipeline builds the retrieval and completion collaborators shared
// by the API server and the command line tools.
package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/rag-concierge/backend/internal/config"
	"github.com/zhouzirui/rag-concierge/backend/internal/model/locale"
	"github.com/zhouzirui/rag-concierge/backend/internal/observability"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/ai"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/prompt"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/retrieval"
)

// Pipeline groups the collaborators of one RAG turn.
type Pipeline struct {
	Bundle    *locale.Bundle
	Retriever *retrieval.Retriever
	Invoker   *ai.Invoker
	Composer  *prompt.Composer
}

// Build creates the pipeline described by cfg. metrics may be nil.
func Build(ctx context.Context, cfg *config.Config, metrics *observability.Metrics) (*Pipeline, error) {
	bundle, err := LoadBundle(cfg.Localization)
	if err != nil {
		return nil, err
	}

	// 向量检索始终走 OpenAI embedding，补全可切换到 Ark
	if cfg.LLM.OpenAIAPIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required for query embeddings")
	}
	openaiCfg := openai.DefaultConfig(cfg.LLM.OpenAIAPIKey)
	if cfg.LLM.OpenAIBaseURL != "" {
		openaiCfg.BaseURL = cfg.LLM.OpenAIBaseURL
	}
	openaiClient := openai.NewClientWithConfig(openaiCfg)

	weaviateClient, err := retrieval.NewWeaviateClient(cfg.Retrieval.WeaviateURL, cfg.Retrieval.WeaviateAPIKey)
	if err != nil {
		return nil, errors.Wrap(err, "create vector index client")
	}
	retriever := retrieval.NewRetriever(
		retrieval.NewOpenAIEmbedder(openaiClient, cfg.Retrieval.EmbeddingModel),
		retrieval.NewWeaviateIndex(weaviateClient, cfg.Retrieval.WeaviateClass),
		cfg.ProviderTimeout,
		metrics,
	)

	provider, err := NewCompletionProvider(ctx, cfg.LLM, openaiClient)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		Bundle:    bundle,
		Retriever: retriever,
		Invoker:   ai.NewInvoker(provider, cfg.ProviderTimeout, metrics),
		Composer: prompt.NewComposer(bundle, prompt.Persona{
			AssistantName: cfg.Persona.AssistantName,
			Company:       cfg.Persona.Company,
			TriageName:    cfg.Persona.TriageName,
			TriageCompany: cfg.Persona.TriageCompany,
		}),
	}, nil
}

// LoadBundle returns the embedded localization table, or the one at path.
func LoadBundle(path string) (*locale.Bundle, error) {
	if path == "" {
		return locale.Default(), nil
	}
	bundle, err := locale.Load(path)
	if err != nil {
		return nil, errors.Wrap(err, "load localization file")
	}
	return bundle, nil
}

// NewCompletionProvider selects the OpenAI client or the Ark chat model.
func NewCompletionProvider(ctx context.Context, cfg config.LLMConfig, client *openai.Client) (ai.CompletionProvider, error) {
	if cfg.Provider != config.ProviderArk {
		return ai.NewOpenAIProvider(client), nil
	}

	chatModel, err := cfg.Ark.NewChatModel(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create ark chat model")
	}
	return ai.NewEinoProvider(ctx, chatModel)
}

// ChannelOptions maps channel settings to sampling options. Ark serves the
// endpoint named by ARK_MODEL, so the OpenAI model ids are not forwarded.
func ChannelOptions(llm config.LLMConfig, ch config.ChannelConfig) ai.Options {
	opts := ai.Options{Model: ch.Model, MaxTokens: ch.MaxTokens, Temperature: ch.Temperature}
	if llm.Provider == config.ProviderArk {
		opts.Model = ""
	}
	return opts
}

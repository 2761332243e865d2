package webchat

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/rag-concierge/backend/internal/apperr"
	"github.com/zhouzirui/rag-concierge/backend/internal/model/chat"
	"github.com/zhouzirui/rag-concierge/backend/internal/model/locale"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/ai"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/prompt"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/retrieval"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeIndex struct {
	matches []retrieval.Match
	err     error
	calls   int
}

func (f *fakeIndex) Query(context.Context, []float32, int, bool) ([]retrieval.Match, error) {
	f.calls++
	return f.matches, f.err
}

type fakeProvider struct {
	reply string
	err   error
	got   []chat.Message
	opts  ai.Options
	calls int
}

func (f *fakeProvider) Complete(_ context.Context, messages []chat.Message, opts ai.Options) (string, error) {
	f.calls++
	f.got = messages
	f.opts = opts
	return f.reply, f.err
}

var webOptions = ai.Options{Model: "gpt-4o-mini", MaxTokens: 300}

func newService(index *fakeIndex, provider *fakeProvider) *Service {
	retriever := retrieval.NewRetriever(fakeEmbedder{}, index, time.Second, nil)
	invoker := ai.NewInvoker(provider, time.Second, nil)
	composer := prompt.NewComposer(locale.Default(), prompt.Persona{})
	svc := NewService(retriever, invoker, composer, Config{TopK: 2, Options: webOptions})
	svc.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC) }
	svc.suffix = func() string { return "a1b2c3d4" }
	return svc
}

func titledMatches() *fakeIndex {
	return &fakeIndex{matches: []retrieval.Match{
		{ID: "1", Score: 0.9, Metadata: map[string]any{"Title": "A", "Text": "alpha"}},
		{ID: "2", Score: 0.8, Metadata: map[string]any{"Title": "B", "Text": "beta"}},
	}}
}

func TestRespondHelloScenario(t *testing.T) {
	provider := &fakeProvider{reply: "Hi! How can I help?"}
	svc := newService(titledMatches(), provider)

	resp, err := svc.Respond(context.Background(), chat.Request{
		Language: "English",
		Messages: []chat.Message{chat.UserMessage("Hello")},
	})
	require.NoError(t, err)

	assert.Equal(t, "Hi! How can I help?", resp.Answer)
	assert.Equal(t, "chat_20240309_140507_a1b2c3d4", resp.ChatID)
	assert.Equal(t, []chat.Message{
		chat.UserMessage("Hello"),
		chat.AssistantMessage("Hi! How can I help?"),
	}, resp.ChatHistory)

	require.Len(t, provider.got, 2)
	system := provider.got[0]
	assert.Equal(t, chat.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "CONTEXT: Title: A, Content: alpha\n\nTitle: B, Content: beta\n")
	assert.Equal(t, webOptions, provider.opts)
}

func TestRespondKeepsProvidedChatID(t *testing.T) {
	svc := newService(titledMatches(), &fakeProvider{reply: "ok"})

	resp, err := svc.Respond(context.Background(), chat.Request{
		ChatID:   "chat_existing",
		Messages: []chat.Message{chat.UserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "chat_existing", resp.ChatID)
}

func TestRespondWithoutUserMessage(t *testing.T) {
	provider := &fakeProvider{reply: "never"}
	svc := newService(titledMatches(), provider)

	_, err := svc.Respond(context.Background(), chat.Request{
		Messages: []chat.Message{chat.AssistantMessage("Welcome"), chat.SystemMessage("x")},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Equal(t, 0, provider.calls)

	_, err = svc.Respond(context.Background(), chat.Request{})
	assert.ErrorIs(t, err, ErrNoUserMessage)
}

func TestRespondRejectsBlankUserMessage(t *testing.T) {
	provider := &fakeProvider{reply: "never"}
	index := titledMatches()
	svc := newService(index, provider)

	_, err := svc.Respond(context.Background(), chat.Request{
		Messages: []chat.Message{chat.UserMessage("earlier"), chat.AssistantMessage("reply"), chat.UserMessage(" \n\t ")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoUserMessage)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Equal(t, 0, index.calls)
	assert.Equal(t, 0, provider.calls)
}

func TestRespondNormalizesLastUserMessageAndDropsSystem(t *testing.T) {
	provider := &fakeProvider{reply: "answer"}
	svc := newService(titledMatches(), provider)

	resp, err := svc.Respond(context.Background(), chat.Request{
		Messages: []chat.Message{
			chat.SystemMessage("injected"),
			chat.UserMessage(" first "),
			chat.AssistantMessage("reply"),
			chat.UserMessage("  second question \n"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []chat.Message{
		chat.UserMessage(" first "),
		chat.AssistantMessage("reply"),
		chat.UserMessage("second question"),
		chat.AssistantMessage("answer"),
	}, resp.ChatHistory)
	for _, msg := range resp.ChatHistory {
		assert.NotEqual(t, chat.RoleSystem, msg.Role)
	}
	assert.Equal(t, chat.UserMessage("second question"), provider.got[len(provider.got)-1])
}

func TestRespondCompletionFailureUsesPlaceholder(t *testing.T) {
	svc := newService(titledMatches(), &fakeProvider{err: errors.New("quota")})

	resp, err := svc.Respond(context.Background(), chat.Request{Messages: []chat.Message{chat.UserMessage("hi")}})
	require.NoError(t, err)
	assert.Equal(t, "No response from model.", resp.Answer)
	assert.Equal(t, chat.AssistantMessage("No response from model."), resp.ChatHistory[len(resp.ChatHistory)-1])
}

func TestRespondRetrievalFailureIsReturned(t *testing.T) {
	provider := &fakeProvider{reply: "never"}
	svc := newService(&fakeIndex{err: errors.New("index down")}, provider)

	_, err := svc.Respond(context.Background(), chat.Request{Messages: []chat.Message{chat.UserMessage("hi")}})
	require.Error(t, err)
	assert.True(t, apperr.IsUpstream(err))
	assert.Equal(t, retrieval.ProviderVectorSearch, apperr.ProviderOf(err))
	assert.Equal(t, 0, provider.calls)
}

func TestRespondPrivacyClauseFollowsClientStatus(t *testing.T) {
	provider := &fakeProvider{reply: "ok"}
	svc := newService(titledMatches(), provider)
	clause := prompt.PrivacyClause(prompt.DefaultPersona().Company, locale.Default().Resolve("Spanish"))

	_, err := svc.Respond(context.Background(), chat.Request{Language: "Spanish", Messages: []chat.Message{chat.UserMessage("hola")}})
	require.NoError(t, err)
	assert.Contains(t, provider.got[0].Content, clause)

	_, err = svc.Respond(context.Background(), chat.Request{Language: "Spanish", ClientSubmitted: true, Messages: []chat.Message{chat.UserMessage("hola")}})
	require.NoError(t, err)
	assert.NotContains(t, provider.got[0].Content, clause)
}

func TestRandomChatIDFormat(t *testing.T) {
	svc := NewService(nil, nil, nil, Config{})
	assert.Regexp(t, regexp.MustCompile(`^chat_\d{8}_\d{6}_[0-9a-f]{8}$`), svc.NewChatID())
}

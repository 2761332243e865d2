package lead

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/rag-concierge/backend/internal/apperr"
	"github.com/zhouzirui/rag-concierge/backend/internal/model/chat"
	"github.com/zhouzirui/rag-concierge/backend/internal/model/locale"
	leadmodel "github.com/zhouzirui/rag-concierge/backend/internal/model/lead"
	"github.com/zhouzirui/rag-concierge/backend/internal/observability"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/ai"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/messenger"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/prompt"
)

type fakeRetriever struct {
	context string
	err     error
	queries []string
	topK    int
}

func (f *fakeRetriever) Retrieve(_ context.Context, query string, topK int) (string, error) {
	f.queries = append(f.queries, query)
	f.topK = topK
	return f.context, f.err
}

type fakeCompleter struct {
	reply string
	err   error
	delay time.Duration

	active    int32
	maxActive int32
	calls     int32
	lastMsgs  []chat.Message
	lastOpts  ai.Options
	mu        sync.Mutex
}

func (f *fakeCompleter) Complete(_ context.Context, messages []chat.Message, opts ai.Options) (string, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		peak := atomic.LoadInt32(&f.maxActive)
		if n <= peak || atomic.CompareAndSwapInt32(&f.maxActive, peak, n) {
			break
		}
	}
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.lastMsgs = messages
	f.lastOpts = opts
	f.mu.Unlock()
	return f.reply, f.err
}

type sentMessage struct {
	recipient string
	text      string
	replies   []messenger.QuickReply
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (r *recordingSender) SendText(_ context.Context, recipientID, text string) error {
	return r.record(sentMessage{recipient: recipientID, text: text})
}

func (r *recordingSender) SendQuickReplies(_ context.Context, recipientID, text string, replies []messenger.QuickReply) error {
	return r.record(sentMessage{recipient: recipientID, text: text, replies: replies})
}

func (r *recordingSender) record(msg sentMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return apperr.Upstream(messenger.ProviderMessaging, r.err)
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) messages() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sentMessage, len(r.sent))
	copy(out, r.sent)
	return out
}

type memorySink struct {
	mu       sync.Mutex
	captures []leadmodel.Capture
	err      error
}

func (s *memorySink) Record(_ context.Context, capture leadmodel.Capture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.captures = append(s.captures, capture)
	return nil
}

type harness struct {
	machine   *Machine
	retriever *fakeRetriever
	completer *fakeCompleter
	sender    *recordingSender
	store     *MemoryStore
	sink      *memorySink
	flow      locale.LeadFlow
}

var socialOptions = ai.Options{Model: "gpt-4", MaxTokens: 100, Temperature: 0.7}

func newHarness(t *testing.T, reply string, metrics *observability.Metrics) *harness {
	t.Helper()
	bundle := locale.Default()
	h := &harness{
		retriever: &fakeRetriever{context: "Title: Hours, Content: 9 to 5"},
		completer: &fakeCompleter{reply: reply},
		sender:    &recordingSender{},
		store:     NewMemoryStore(),
		sink:      &memorySink{},
		flow:      bundle.Resolve("English").LeadFlow,
	}

	machine, err := NewMachine(Deps{
		Retriever: h.retriever,
		Completer: h.completer,
		Composer:  prompt.NewComposer(bundle, prompt.Persona{}),
		Bundle:    bundle,
		Sender:    h.sender,
		Store:     h.store,
		Sink:      h.sink,
		Metrics:   metrics,
	}, Config{Language: "English", TopK: 2, Options: socialOptions})
	require.NoError(t, err)
	machine.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	h.machine = machine
	return h
}

func (h *harness) state(t *testing.T, sender string) leadmodel.State {
	t.Helper()
	state, err := h.store.Load(context.Background(), sender)
	require.NoError(t, err)
	return state
}

func TestOrdinaryQuestionIsAnsweredVerbatim(t *testing.T) {
	h := newHarness(t, "We are open from 9 to 5.", nil)

	require.NoError(t, h.machine.HandleText(context.Background(), "u1", "  When are you open? "))

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "We are open from 9 to 5.", sent[0].text)
	assert.Empty(t, sent[0].replies)
	assert.Equal(t, leadmodel.Idle, h.state(t, "u1"))

	assert.Equal(t, []string{"When are you open?"}, h.retriever.queries)
	assert.Equal(t, 2, h.retriever.topK)
	assert.Equal(t, socialOptions, h.completer.lastOpts)
	require.Len(t, h.completer.lastMsgs, 2)
	assert.Contains(t, h.completer.lastMsgs[0].Content, "CONTEXT: Title: Hours, Content: 9 to 5")
	assert.Equal(t, chat.UserMessage("When are you open?"), h.completer.lastMsgs[1])
}

func TestLeadIntentSendsSingleConfirmation(t *testing.T) {
	h := newHarness(t, "This is a lead.", nil)

	require.NoError(t, h.machine.HandleText(context.Background(), "u1", "I need a lawyer"))

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, h.flow.ConfirmPrompt, sent[0].text)
	assert.Equal(t, []messenger.QuickReply{
		{Title: "Yes", Payload: leadmodel.PayloadAccept},
		{Title: "No", Payload: leadmodel.PayloadDecline},
	}, sent[0].replies)
	assert.Equal(t, leadmodel.AwaitingConfirmation, h.state(t, "u1"))
}

func TestFullLeadCapture(t *testing.T) {
	h := newHarness(t, "this is a lead", nil)
	ctx := context.Background()

	require.NoError(t, h.machine.HandleText(ctx, "u1", "I need representation"))
	require.NoError(t, h.machine.HandlePayload(ctx, "u1", leadmodel.PayloadAccept))
	assert.Equal(t, leadmodel.AwaitingDetails, h.state(t, "u1"))

	require.NoError(t, h.machine.HandleText(ctx, "u1", "Ana Perez, car accident, 555-1234, ana@example.com"))
	assert.Equal(t, leadmodel.Idle, h.state(t, "u1"))

	sent := h.sender.messages()
	require.Len(t, sent, 3)
	assert.Equal(t, h.flow.DetailsRequest, sent[1].text)
	assert.Equal(t, h.flow.DetailsReceived, sent[2].text)

	require.Len(t, h.sink.captures, 1)
	assert.Equal(t, leadmodel.Capture{
		SenderID:   "u1",
		Details:    "Ana Perez, car accident, 555-1234, ana@example.com",
		Language:   "English",
		ReceivedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}, h.sink.captures[0])
	assert.EqualValues(t, 1, h.completer.calls, "details must not be sent to the model")
}

func TestDeclineAcknowledgesAndReturnsToIdle(t *testing.T) {
	h := newHarness(t, "this is a lead", nil)
	ctx := context.Background()

	require.NoError(t, h.machine.HandleText(ctx, "u1", "I want to talk to someone"))
	require.NoError(t, h.machine.HandlePayload(ctx, "u1", leadmodel.PayloadDecline))

	sent := h.sender.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, "Okay, if you have further questions, feel free to ask!", sent[1].text)
	for _, msg := range sent {
		assert.NotEqual(t, h.flow.DetailsRequest, msg.text)
	}
	assert.Equal(t, leadmodel.Idle, h.state(t, "u1"))
}

func TestFreeTextAbandonsPendingConfirmation(t *testing.T) {
	h := newHarness(t, "this is a lead", nil)
	ctx := context.Background()

	require.NoError(t, h.machine.HandleText(ctx, "u1", "lawyer please"))
	require.Equal(t, leadmodel.AwaitingConfirmation, h.state(t, "u1"))

	h.completer.reply = "Our office is downtown."
	require.NoError(t, h.machine.HandleText(ctx, "u1", "where are you?"))

	assert.Equal(t, leadmodel.Idle, h.state(t, "u1"))
	sent := h.sender.messages()
	assert.Equal(t, "Our office is downtown.", sent[len(sent)-1].text)
}

func TestSendFailureKeepsState(t *testing.T) {
	h := newHarness(t, "this is a lead", nil)
	ctx := context.Background()

	require.NoError(t, h.machine.HandleText(ctx, "u1", "lawyer please"))

	h.sender.err = errors.New("graph down")
	err := h.machine.HandlePayload(ctx, "u1", leadmodel.PayloadAccept)
	require.Error(t, err)
	assert.True(t, apperr.IsUpstream(err))
	assert.Equal(t, leadmodel.AwaitingConfirmation, h.state(t, "u1"))

	err = h.machine.HandleText(ctx, "u2", "lawyer please")
	require.Error(t, err)
	assert.Equal(t, leadmodel.Idle, h.state(t, "u2"))
}

func TestSinkFailureKeepsAwaitingDetails(t *testing.T) {
	h := newHarness(t, "", nil)
	ctx := context.Background()
	require.NoError(t, h.store.Save(ctx, "u1", leadmodel.AwaitingDetails))

	h.sink.err = errors.New("disk full")
	require.Error(t, h.machine.HandleText(ctx, "u1", "my details"))

	assert.Equal(t, leadmodel.AwaitingDetails, h.state(t, "u1"))
	assert.Empty(t, h.sender.messages())
}

func TestUpstreamFailureSendsNothing(t *testing.T) {
	h := newHarness(t, "irrelevant", nil)
	h.retriever.err = apperr.Upstream("embedding", errors.New("timeout"))

	err := h.machine.HandleText(context.Background(), "u1", "hello")
	require.Error(t, err)
	assert.True(t, apperr.IsUpstream(err))
	assert.Empty(t, h.sender.messages())
	assert.EqualValues(t, 0, h.completer.calls)

	h.retriever.err = nil
	h.completer.err = apperr.Upstream(ai.ProviderCompletion, errors.New("quota"))
	require.Error(t, h.machine.HandleText(context.Background(), "u1", "hello"))
	assert.Empty(t, h.sender.messages())
}

func TestUnknownPayloadRejected(t *testing.T) {
	h := newHarness(t, "", nil)

	err := h.machine.HandlePayload(context.Background(), "u1", "MAYBE")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Empty(t, h.sender.messages())
	assert.Equal(t, leadmodel.Idle, h.state(t, "u1"))
}

func TestBlankTextIgnored(t *testing.T) {
	h := newHarness(t, "reply", nil)

	require.NoError(t, h.machine.HandleText(context.Background(), "u1", "   "))
	assert.Empty(t, h.sender.messages())
	assert.EqualValues(t, 0, h.completer.calls)
}

func TestSameSenderEventsAreSerialized(t *testing.T) {
	h := newHarness(t, "reply", nil)
	h.completer.delay = 5 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.machine.HandleText(context.Background(), "same", "hello"))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&h.completer.maxActive))
	assert.EqualValues(t, 6, atomic.LoadInt32(&h.completer.calls))
	assert.Len(t, h.sender.messages(), 6)
	assert.Zero(t, h.machine.locks.size())
}

func TestSpanishFlowTexts(t *testing.T) {
	bundle := locale.Default()
	sender := &recordingSender{}
	machine, err := NewMachine(Deps{
		Retriever: &fakeRetriever{},
		Completer: &fakeCompleter{reply: "this is a lead"},
		Composer:  prompt.NewComposer(bundle, prompt.Persona{}),
		Bundle:    bundle,
		Sender:    sender,
	}, Config{Language: "es"})
	require.NoError(t, err)

	require.NoError(t, machine.HandleText(context.Background(), "u1", "necesito un abogado"))
	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, bundle.Resolve("Spanish").LeadFlow.ConfirmPrompt, sent[0].text)
	assert.Equal(t, "Sí", sent[0].replies[0].Title)
}

func TestTransitionsAreCounted(t *testing.T) {
	metrics := observability.NewMetrics()
	h := newHarness(t, "this is a lead", metrics)
	ctx := context.Background()

	require.NoError(t, h.machine.HandleText(ctx, "u1", "lawyer"))
	require.NoError(t, h.machine.HandlePayload(ctx, "u1", leadmodel.PayloadAccept))
	require.NoError(t, h.machine.HandleText(ctx, "u1", "details"))

	counter := metrics.LeadTransitionsTotal
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("idle", "awaiting_confirmation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("awaiting_confirmation", "awaiting_details")))
	assert.Equal(t, 1.0, testutil.ToFloat64(counter.WithLabelValues("awaiting_details", "idle")))
}

func TestNewMachineRequiresCollaborators(t *testing.T) {
	_, err := NewMachine(Deps{}, Config{})
	require.Error(t, err)
}

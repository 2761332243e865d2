// Package lead drives the social channel dialogue: answering questions from
// the knowledge base and, on lead intent, collecting contact details.
package lead

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/rag-concierge/backend/internal/analysis/intent"
	"github.com/zhouzirui/rag-concierge/backend/internal/apperr"
	"github.com/zhouzirui/rag-concierge/backend/internal/model/chat"
	"github.com/zhouzirui/rag-concierge/backend/internal/model/locale"
	leadmodel "github.com/zhouzirui/rag-concierge/backend/internal/model/lead"
	"github.com/zhouzirui/rag-concierge/backend/internal/observability"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/ai"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/messenger"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/prompt"
)

// ErrUnknownPayload is returned for a button payload the dialogue does not define.
var ErrUnknownPayload = apperr.Validation("unknown quick reply payload")

// Retriever returns the formatted knowledge base context for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) (string, error)
}

// Completer produces the model reply for a composed conversation.
type Completer interface {
	Complete(ctx context.Context, messages []chat.Message, opts ai.Options) (string, error)
}

// Config holds the social channel settings.
type Config struct {
	Language string
	TopK     int
	Options  ai.Options
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Retriever Retriever
	Completer Completer
	Composer  *prompt.Composer
	Bundle    *locale.Bundle
	Sender    messenger.MessageSender
	Store     Store
	Sink      CaptureSink
	Metrics   *observability.Metrics
}

// Machine is the lead capture state machine. Events of one sender are
// handled one at a time; different senders proceed in parallel.
type Machine struct {
	deps  Deps
	cfg   Config
	locks *keyedMutex
	now   func() time.Time
}

// NewMachine validates deps and builds the machine.
func NewMachine(deps Deps, cfg Config) (*Machine, error) {
	switch {
	case deps.Retriever == nil:
		return nil, errors.New("lead machine requires a retriever")
	case deps.Completer == nil:
		return nil, errors.New("lead machine requires a completer")
	case deps.Composer == nil:
		return nil, errors.New("lead machine requires a prompt composer")
	case deps.Bundle == nil:
		return nil, errors.New("lead machine requires a localization bundle")
	case deps.Sender == nil:
		return nil, errors.New("lead machine requires a message sender")
	}
	if deps.Store == nil {
		deps.Store = NewMemoryStore()
	}
	if deps.Sink == nil {
		deps.Sink = LogSink{}
	}

	return &Machine{
		deps:  deps,
		cfg:   cfg,
		locks: newKeyedMutex(),
		now:   time.Now,
	}, nil
}

// HandleText processes a free-text message from senderID.
func (m *Machine) HandleText(ctx context.Context, senderID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	unlock := m.locks.Lock(senderID)
	defer unlock()

	state, err := m.deps.Store.Load(ctx, senderID)
	if err != nil {
		return err
	}

	if state == leadmodel.AwaitingDetails {
		return m.captureDetails(ctx, senderID, text)
	}
	// A pending confirmation is abandoned by free text.
	return m.triage(ctx, senderID, state, text)
}

// HandlePayload processes a quick reply or postback payload from senderID.
func (m *Machine) HandlePayload(ctx context.Context, senderID, payload string) error {
	unlock := m.locks.Lock(senderID)
	defer unlock()

	state, err := m.deps.Store.Load(ctx, senderID)
	if err != nil {
		return err
	}

	flow := m.texts().LeadFlow
	switch payload {
	case leadmodel.PayloadAccept:
		if err := m.deps.Sender.SendText(ctx, senderID, flow.DetailsRequest); err != nil {
			return err
		}
		return m.commit(ctx, senderID, state, leadmodel.AwaitingDetails)
	case leadmodel.PayloadDecline:
		if err := m.deps.Sender.SendText(ctx, senderID, flow.DeclineAck); err != nil {
			return err
		}
		return m.commit(ctx, senderID, state, leadmodel.Idle)
	default:
		return errors.Wrapf(ErrUnknownPayload, "payload %q", payload)
	}
}

func (m *Machine) triage(ctx context.Context, senderID string, from leadmodel.State, text string) error {
	question := chat.NormalizeQuestion(text)

	knowledge, err := m.deps.Retriever.Retrieve(ctx, question, m.cfg.TopK)
	if err != nil {
		return err
	}

	composition := m.deps.Composer.ComposeLeadTriage(question, knowledge, m.cfg.Language)
	completion, err := m.deps.Completer.Complete(ctx, composition.Messages(), m.cfg.Options)
	if err != nil {
		return err
	}

	result := intent.Classify(completion)
	log.Debug().Str("component", "lead").Str("sender", senderID).Stringer("intent", result.Kind).Msg("classified completion")

	if result.IsLead() {
		flow := m.texts().LeadFlow
		replies := []messenger.QuickReply{
			{Title: flow.AcceptTitle, Payload: leadmodel.PayloadAccept},
			{Title: flow.DeclineTitle, Payload: leadmodel.PayloadDecline},
		}
		if err := m.deps.Sender.SendQuickReplies(ctx, senderID, flow.ConfirmPrompt, replies); err != nil {
			return err
		}
		return m.commit(ctx, senderID, from, leadmodel.AwaitingConfirmation)
	}

	if err := m.deps.Sender.SendText(ctx, senderID, result.Text); err != nil {
		return err
	}
	return m.commit(ctx, senderID, from, leadmodel.Idle)
}

func (m *Machine) captureDetails(ctx context.Context, senderID, text string) error {
	capture := leadmodel.Capture{
		SenderID:   senderID,
		Details:    strings.TrimSpace(text),
		Language:   m.texts().Name,
		ReceivedAt: m.now().UTC(),
	}
	if err := m.deps.Sink.Record(ctx, capture); err != nil {
		return errors.Wrap(err, "record lead capture")
	}

	if err := m.deps.Sender.SendText(ctx, senderID, m.texts().LeadFlow.DetailsReceived); err != nil {
		return err
	}
	return m.commit(ctx, senderID, leadmodel.AwaitingDetails, leadmodel.Idle)
}

func (m *Machine) commit(ctx context.Context, senderID string, from, to leadmodel.State) error {
	if err := m.deps.Store.Save(ctx, senderID, to); err != nil {
		return errors.Wrap(err, "commit lead state")
	}
	if from != to {
		m.deps.Metrics.ObserveTransition(string(from), string(to))
		log.Info().Str("component", "lead").Str("sender", senderID).Str("from", string(from)).Str("to", string(to)).Msg("lead state changed")
	}
	return nil
}

func (m *Machine) texts() locale.Strings {
	return m.deps.Bundle.Resolve(m.cfg.Language)
}

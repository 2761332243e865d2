// Package ai sends composed conversations to a chat completion provider.
package ai

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/rag-concierge/backend/internal/apperr"
	"github.com/zhouzirui/rag-concierge/backend/internal/model/chat"
	"github.com/zhouzirui/rag-concierge/backend/internal/observability"
)

// ProviderCompletion names the completion provider in errors and metrics.
const ProviderCompletion = "completion"

// Placeholder is the answer returned to the web channel when the model
// produces nothing usable.
const Placeholder = "No response from model."

// ErrEmptyCompletion is returned when the provider answers without content.
var ErrEmptyCompletion = errors.New("completion provider returned no content")

// Options are the per-channel sampling settings.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float32
}

// CompletionProvider produces one assistant reply for an ordered message list.
type CompletionProvider interface {
	Complete(ctx context.Context, messages []chat.Message, opts Options) (string, error)
}

// Invoker bounds provider calls in time and normalizes their failures.
type Invoker struct {
	provider CompletionProvider
	timeout  time.Duration
	metrics  *observability.Metrics
}

// NewInvoker wraps provider. A zero timeout defers entirely to the caller's context.
func NewInvoker(provider CompletionProvider, timeout time.Duration, metrics *observability.Metrics) *Invoker {
	return &Invoker{provider: provider, timeout: timeout, metrics: metrics}
}

// Complete returns the trimmed reply. Every failure, including a blank reply,
// is an *apperr.UpstreamError.
func (i *Invoker) Complete(ctx context.Context, messages []chat.Message, opts Options) (string, error) {
	callCtx, cancel := i.bound(ctx)
	defer cancel()

	started := time.Now()
	reply, err := i.provider.Complete(callCtx, messages, opts)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = ErrEmptyCompletion
	}
	i.metrics.ObserveProvider(ProviderCompletion, started, err)
	if err != nil {
		return "", apperr.Upstream(ProviderCompletion, errors.Wrapf(err, "complete with %s", opts.Model))
	}

	log.Debug().
		Str("component", "ai").
		Str("model", opts.Model).
		Int("messages", len(messages)).
		Int("length", len(reply)).
		Msg("generated completion")
	return strings.TrimSpace(reply), nil
}

// CompleteOrPlaceholder never fails: any provider error is logged and the
// Placeholder answer is returned instead.
func (i *Invoker) CompleteOrPlaceholder(ctx context.Context, messages []chat.Message, opts Options) string {
	reply, err := i.Complete(ctx, messages, opts)
	if err != nil {
		log.Warn().Str("component", "ai").Err(err).Msg("completion failed, answering with placeholder")
		return Placeholder
	}
	return reply
}

func (i *Invoker) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if i.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, i.timeout)
}

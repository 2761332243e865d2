// Package apperr defines the error taxonomy shared by the channel adapters.
package apperr

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrValidation marks input that is rejected before any provider call.
	ErrValidation = errors.New("validation failed")
	// ErrWebhookAuth marks a failed webhook verification handshake.
	ErrWebhookAuth = errors.New("webhook verification failed")
	// ErrUnsupportedEvent marks a webhook payload for another platform.
	ErrUnsupportedEvent = errors.New("unsupported event object")
)

// UpstreamError wraps a failure of an external provider (embedding, vector
// search, completion or message send).
type UpstreamError struct {
	Provider string
	Err      error
}

func (e *UpstreamError) Error() string {
	return e.Provider + ": " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Timeout reports whether the provider call ran out of time.
func (e *UpstreamError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Upstream wraps err as an UpstreamError for provider. A nil err stays nil.
func Upstream(provider string, err error) error {
	if err == nil {
		return nil
	}
	var existing *UpstreamError
	if errors.As(err, &existing) {
		return err
	}
	return &UpstreamError{Provider: provider, Err: err}
}

// Validation returns an error that matches ErrValidation.
func Validation(msg string) error {
	return errors.Wrap(ErrValidation, msg)
}

// IsUpstream reports whether err is or wraps an UpstreamError.
func IsUpstream(err error) bool {
	var target *UpstreamError
	return errors.As(err, &target)
}

// IsTimeout reports whether err wraps an UpstreamError whose call ran out of time.
func IsTimeout(err error) bool {
	var target *UpstreamError
	return errors.As(err, &target) && target.Timeout()
}

// ProviderOf returns the provider name of a wrapped UpstreamError.
func ProviderOf(err error) string {
	var target *UpstreamError
	if errors.As(err, &target) {
		return target.Provider
	}
	return ""
}

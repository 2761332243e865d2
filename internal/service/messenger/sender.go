// Package messenger delivers replies to social channel users through the
// Graph API send endpoint.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/rag-concierge/backend/internal/apperr"
	"github.com/zhouzirui/rag-concierge/backend/internal/observability"
)

// ProviderMessaging names the outbound messaging provider in errors and metrics.
const ProviderMessaging = "messaging"

const (
	DefaultGraphBaseURL = "https://graph.facebook.com"
	DefaultGraphVersion = "v17.0"
)

// QuickReply is a tappable option attached to a message.
type QuickReply struct {
	Title   string
	Payload string
}

// MessageSender sends outbound messages to one recipient.
type MessageSender interface {
	SendText(ctx context.Context, recipientID, text string) error
	SendQuickReplies(ctx context.Context, recipientID, text string, replies []QuickReply) error
}

// GraphConfig configures GraphSender.
type GraphConfig struct {
	BaseURL     string
	Version     string
	AccessToken string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// GraphSender posts to <base>/<version>/me/messages with the page access token.
type GraphSender struct {
	endpoint string
	token    string
	client   *http.Client
	metrics  *observability.Metrics
}

// NewGraphSender validates cfg and builds the sender.
func NewGraphSender(cfg GraphConfig, metrics *observability.Metrics) (*GraphSender, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultGraphBaseURL
	}
	version := strings.Trim(strings.TrimSpace(cfg.Version), "/")
	if version == "" {
		version = DefaultGraphVersion
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, errors.Wrap(err, "parse graph base url")
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &GraphSender{
		endpoint: base + "/" + version + "/me/messages",
		token:    cfg.AccessToken,
		client:   client,
		metrics:  metrics,
	}, nil
}

type sendRequest struct {
	Recipient     recipient `json:"recipient"`
	MessagingType string    `json:"messaging_type,omitempty"`
	Message       message   `json:"message"`
}

type recipient struct {
	ID string `json:"id"`
}

type message struct {
	Text         string       `json:"text"`
	QuickReplies []quickReply `json:"quick_replies,omitempty"`
}

type quickReply struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Payload     string `json:"payload"`
}

// SendText implements MessageSender.
func (g *GraphSender) SendText(ctx context.Context, recipientID, text string) error {
	return g.send(ctx, sendRequest{
		Recipient: recipient{ID: recipientID},
		Message:   message{Text: text},
	})
}

// SendQuickReplies implements MessageSender.
func (g *GraphSender) SendQuickReplies(ctx context.Context, recipientID, text string, replies []QuickReply) error {
	options := make([]quickReply, 0, len(replies))
	for _, r := range replies {
		options = append(options, quickReply{ContentType: "text", Title: r.Title, Payload: r.Payload})
	}
	return g.send(ctx, sendRequest{
		Recipient:     recipient{ID: recipientID},
		MessagingType: "RESPONSE",
		Message:       message{Text: text, QuickReplies: options},
	})
}

func (g *GraphSender) send(ctx context.Context, body sendRequest) (err error) {
	started := time.Now()
	defer func() {
		g.metrics.ObserveProvider(ProviderMessaging, started, err)
		err = apperr.Upstream(ProviderMessaging, err)
	}()

	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal send request")
	}

	endpoint := g.endpoint + "?access_token=" + url.QueryEscape(g.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "build send request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		// The URL carries the access token; keep it out of the error text.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return errors.Wrap(err, "post graph message")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("graph api status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	log.Debug().Str("component", "messenger").Str("recipient", body.Recipient.ID).Int("quick_replies", len(body.Message.QuickReplies)).Msg("message sent")
	return nil
}

// Package webhook receives social channel events and feeds them to the lead
// capture dialogue.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/rag-concierge/backend/internal/apperr"
	"github.com/zhouzirui/rag-concierge/backend/internal/observability"
	"github.com/zhouzirui/rag-concierge/backend/pkg/utils"
)

// ObjectInstagram is the only event object the handler accepts.
const ObjectInstagram = "instagram"

const (
	channelSocial   = "social"
	maxPayloadBytes = 1 << 20
)

// Dispatcher consumes the events extracted from a delivery.
type Dispatcher interface {
	HandleText(ctx context.Context, senderID, text string) error
	HandlePayload(ctx context.Context, senderID, payload string) error
}

// Handler serves the verification handshake and event deliveries.
type Handler struct {
	dispatcher  Dispatcher
	verifyToken string
	metrics     *observability.Metrics
}

// New creates the webhook handler. An empty verifyToken fails every handshake.
func New(dispatcher Dispatcher, verifyToken string, metrics *observability.Metrics) *Handler {
	return &Handler{dispatcher: dispatcher, verifyToken: verifyToken, metrics: metrics}
}

// RegisterRoutes mounts GET and POST /webhook/instagram on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/webhook/instagram", h.handleVerify)
	r.Post("/webhook/instagram", h.handleDelivery)
}

// Verify checks the subscription handshake and returns the challenge to echo.
func Verify(mode, token, challenge, secret string) (string, error) {
	if secret == "" || mode != "subscribe" || token != secret {
		return "", apperr.ErrWebhookAuth
	}
	return challenge, nil
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, err := Verify(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), h.verifyToken)
	if err != nil {
		log.Warn().Str("component", "webhook").Str("mode", q.Get("hub.mode")).Msg("verification rejected")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// Delivery is the body POSTed by the platform.
type Delivery struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes of one account.
type Entry struct {
	ID        string   `json:"id"`
	Time      int64    `json:"time"`
	Changes   []Change `json:"changes"`
	Messaging []Value  `json:"messaging"`
}

// Change is one field update.
type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

// Value is a messaging event.
type Value struct {
	Sender    Participant `json:"sender"`
	Recipient Participant `json:"recipient"`
	Messages  []Message   `json:"messages"`
	Message   *Message    `json:"message"`
	Postback  *Postback   `json:"postback"`
}

// Participant identifies a sender or recipient.
type Participant struct {
	ID string `json:"id"`
}

// Message is an inbound text message, possibly a quick reply tap. IsEcho
// marks a copy of a message the account itself sent.
type Message struct {
	MID        string      `json:"mid"`
	Text       string      `json:"text"`
	IsEcho     bool        `json:"is_echo"`
	QuickReply *QuickReply `json:"quick_reply"`
}

// QuickReply carries the payload of a tapped quick reply.
type QuickReply struct {
	Payload string `json:"payload"`
}

// Postback carries the payload of a tapped button.
type Postback struct {
	Payload string `json:"payload"`
}

// Event is one unit of work extracted from a delivery.
type Event struct {
	SenderID string
	Text     string
	Payload  string
}

// Events flattens a delivery into text and payload events in delivery order.
// Only "messages" changes are considered; within one value the first message
// is used and a quick reply payload takes precedence over its text. Echoes of
// the account's own replies are skipped.
func (d Delivery) Events() []Event {
	var events []Event
	for _, entry := range d.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			events = append(events, change.Value.events()...)
		}
		for _, value := range entry.Messaging {
			events = append(events, value.events()...)
		}
	}
	return events
}

func (v Value) events() []Event {
	sender := v.Sender.ID
	if sender == "" {
		return nil
	}

	var events []Event
	msg := v.Message
	if msg == nil && len(v.Messages) > 0 {
		msg = &v.Messages[0]
	}
	if msg != nil && !msg.IsEcho {
		switch {
		case msg.QuickReply != nil && msg.QuickReply.Payload != "":
			events = append(events, Event{SenderID: sender, Payload: msg.QuickReply.Payload})
		case msg.Text != "":
			events = append(events, Event{SenderID: sender, Text: msg.Text})
		}
	}
	if v.Postback != nil && v.Postback.Payload != "" {
		events = append(events, Event{SenderID: sender, Payload: v.Postback.Payload})
	}
	return events
}

func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	var delivery Delivery
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes)).Decode(&delivery); err != nil {
		h.metrics.ObserveRequest(channelSocial, "rejected")
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if delivery.Object != ObjectInstagram {
		h.metrics.ObserveRequest(channelSocial, "unsupported")
		log.Warn().Err(apperr.ErrUnsupportedEvent).Str("component", "webhook").Str("object", delivery.Object).Msg("ignoring delivery")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	// The platform may drop the connection; processing still runs to the end.
	ctx := context.WithoutCancel(r.Context())
	requestID := middleware.GetReqID(r.Context())

	for _, event := range delivery.Events() {
		err := h.dispatch(ctx, event)
		outcome := "ok"
		if err != nil {
			outcome = "failed"
			logEvent := log.Error().
				Err(err).
				Str("component", "webhook").
				Str("request_id", requestID).
				Str("sender", event.SenderID)
			if apperr.IsUpstream(err) {
				logEvent = logEvent.Str("provider", apperr.ProviderOf(err)).Bool("timeout", apperr.IsTimeout(err))
			}
			logEvent.Msg("event dropped")
		}
		h.metrics.ObserveRequest(channelSocial, outcome)
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) dispatch(ctx context.Context, event Event) error {
	if event.Payload != "" {
		return errors.WithMessage(h.dispatcher.HandlePayload(ctx, event.SenderID, event.Payload), "handle payload")
	}
	return errors.WithMessage(h.dispatcher.HandleText(ctx, event.SenderID, event.Text), "handle text")
}

package messenger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/rag-concierge/backend/internal/apperr"
)

type captured struct {
	path  string
	token string
	body  map[string]any
}

func newTestSender(t *testing.T, status int) (*GraphSender, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.token = r.URL.Query().Get("access_token")
		_ = json.NewDecoder(r.Body).Decode(&got.body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid token"}}`))
	}))
	t.Cleanup(srv.Close)

	sender, err := NewGraphSender(GraphConfig{BaseURL: srv.URL, AccessToken: "tok&en"}, nil)
	require.NoError(t, err)
	return sender, got
}

func TestSendTextPostsToMeMessages(t *testing.T) {
	sender, got := newTestSender(t, http.StatusOK)

	require.NoError(t, sender.SendText(context.Background(), "42", "hello"))

	assert.Equal(t, "/v17.0/me/messages", got.path)
	assert.Equal(t, "tok&en", got.token)
	assert.Equal(t, map[string]any{"id": "42"}, got.body["recipient"])
	assert.Equal(t, map[string]any{"text": "hello"}, got.body["message"])
	assert.NotContains(t, got.body, "messaging_type")
}

func TestSendQuickReplies(t *testing.T) {
	sender, got := newTestSender(t, http.StatusOK)

	err := sender.SendQuickReplies(context.Background(), "42", "Contact you?", []QuickReply{
		{Title: "Yes", Payload: "YES_CONTACT"},
		{Title: "No", Payload: "NO_CONTACT"},
	})
	require.NoError(t, err)

	assert.Equal(t, "RESPONSE", got.body["messaging_type"])
	msg := got.body["message"].(map[string]any)
	assert.Equal(t, "Contact you?", msg["text"])
	replies := msg["quick_replies"].([]any)
	require.Len(t, replies, 2)
	assert.Equal(t, map[string]any{"content_type": "text", "title": "Yes", "payload": "YES_CONTACT"}, replies[0])
	assert.Equal(t, "NO_CONTACT", replies[1].(map[string]any)["payload"])
}

func TestSendNon2xxIsUpstream(t *testing.T) {
	sender, _ := newTestSender(t, http.StatusBadRequest)

	err := sender.SendText(context.Background(), "42", "hello")
	require.Error(t, err)
	assert.True(t, apperr.IsUpstream(err))
	assert.Equal(t, ProviderMessaging, apperr.ProviderOf(err))
	assert.Contains(t, err.Error(), "400")
}

func TestSendTransportErrorHidesToken(t *testing.T) {
	sender, err := NewGraphSender(GraphConfig{BaseURL: "http://127.0.0.1:1", AccessToken: "secret-token"}, nil)
	require.NoError(t, err)

	err = sender.SendText(context.Background(), "42", "hello")
	require.Error(t, err)
	assert.True(t, apperr.IsUpstream(err))
	assert.NotContains(t, err.Error(), "secret-token")
}

func TestNewGraphSenderDefaults(t *testing.T) {
	sender, err := NewGraphSender(GraphConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://graph.facebook.com/v17.0/me/messages", sender.endpoint)

	_, err = NewGraphSender(GraphConfig{BaseURL: "::bad"}, nil)
	require.Error(t, err)
}

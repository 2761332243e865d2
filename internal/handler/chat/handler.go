package chat

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/rag-concierge/backend/internal/apperr"
	"github.com/zhouzirui/rag-concierge/backend/internal/model/chat"
	"github.com/zhouzirui/rag-concierge/backend/internal/observability"
	"github.com/zhouzirui/rag-concierge/backend/pkg/utils"
)

const (
	msgNoUserMessage = "No user message found."
	msgInternal      = "An error occurred."
	msgInvalidBody   = "invalid request body"
	maxRequestBytes  = 1 << 20
	channelWeb       = "web"
	outcomeOK        = "ok"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)

// Responder answers one web turn.
type Responder interface {
	Respond(ctx context.Context, req chat.Request) (chat.Response, error)
}

// Handler 网页聊天组件的HTTP与WebSocket处理器
type Handler struct {
	svc      Responder
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

// New 创建聊天处理器。allowedOrigins 控制 WebSocket 升级，"*" 表示允许任意来源。
func New(svc Responder, metrics *observability.Metrics, allowedOrigins []string) *Handler {
	return &Handler{
		svc:     svc,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/chat/ws", h.handleWebSocket)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.metrics.ObserveRequest(channelWeb, outcomeRejected)
		utils.RespondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}

	resp, err := h.svc.Respond(r.Context(), req)
	if err != nil {
		status, message := h.classify(r.Context(), err)
		utils.RespondError(w, status, message)
		return
	}

	h.metrics.ObserveRequest(channelWeb, outcomeOK)
	utils.RespondJSON(w, http.StatusOK, resp)
}

// classify maps a pipeline error to the status and message shown to the caller.
func (h *Handler) classify(ctx context.Context, err error) (int, string) {
	if errors.Is(err, apperr.ErrValidation) {
		h.metrics.ObserveRequest(channelWeb, outcomeRejected)
		return http.StatusBadRequest, msgNoUserMessage
	}

	h.metrics.ObserveRequest(channelWeb, outcomeFailed)
	event := log.Error().
		Err(err).
		Str("request_id", middleware.GetReqID(ctx)).
		Str("component", "chat")
	if apperr.IsUpstream(err) {
		event = event.Str("provider", apperr.ProviderOf(err)).Bool("timeout", apperr.IsTimeout(err))
	}
	event.Msg("web turn failed")
	return http.StatusInternalServerError, msgInternal
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "chat").Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBytes)

	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("component", "chat").Msg("websocket read failed")
			}
			return
		}

		var out interface{}
		var req chat.Request
		if err := json.Unmarshal(data, &req); err != nil {
			h.metrics.ObserveRequest(channelWeb, outcomeRejected)
			out = utils.ErrorBody{Error: msgInvalidBody}
		} else if resp, err := h.svc.Respond(ctx, req); err != nil {
			_, message := h.classify(ctx, err)
			out = utils.ErrorBody{Error: message}
		} else {
			h.metrics.ObserveRequest(channelWeb, outcomeOK)
			out = resp
		}

		if err := conn.WriteJSON(out); err != nil {
			log.Warn().Err(err).Str("component", "chat").Msg("websocket write failed")
			return
		}
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

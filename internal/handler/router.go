package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/rag-concierge/backend/internal/handler/chat"
	"github.com/zhouzirui/rag-concierge/backend/internal/handler/webhook"
	middlewarePkg "github.com/zhouzirui/rag-concierge/backend/internal/middleware"
	"github.com/zhouzirui/rag-concierge/backend/internal/observability"
	"github.com/zhouzirui/rag-concierge/backend/pkg/utils"
)

// Deps are the services behind the HTTP routes. A nil Chat or Webhook leaves
// the matching routes unmounted.
type Deps struct {
	Chat           chat.Responder
	Webhook        webhook.Dispatcher
	VerifyToken    string
	Metrics        *observability.Metrics
	AllowedOrigins []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	if deps.Chat != nil {
		r.Route("/api", func(api chi.Router) {
			chat.New(deps.Chat, deps.Metrics, deps.AllowedOrigins).RegisterRoutes(api)
		})
	}

	if deps.Webhook != nil {
		webhook.New(deps.Webhook, deps.VerifyToken, deps.Metrics).RegisterRoutes(r)
	}

	return r
}

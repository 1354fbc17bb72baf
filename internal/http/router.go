package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"meeting-transcript-relay/internal/app"
	"meeting-transcript-relay/internal/hub"
	"meeting-transcript-relay/internal/observability/logging"
	"meeting-transcript-relay/internal/schema"
	"meeting-transcript-relay/internal/service/relay"
)

// Dependencies are the collaborators served by the router.
type Dependencies struct {
	App       *app.Application
	Relay     *relay.Service
	Hub       *hub.Hub
	Validator *schema.Validator
}

// NewRouter constructs the HTTP router for the service and installs the
// websocket action handler on the hub.
func NewRouter(deps Dependencies) http.Handler {
	if deps.Validator == nil {
		deps.Validator = schema.MustNew()
	}
	h := &handlers{
		app:       deps.App,
		relay:     deps.Relay,
		hub:       deps.Hub,
		validator: deps.Validator,
	}
	deps.Hub.SetHandler(NewSocketHandler(deps.Relay, deps.Hub))

	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/", h.root)
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if deps.App != nil && !deps.App.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// Provider webhooks
	r.Post("/webhook/transcription", h.webhook)
	r.Post("/test-transcript-webhook", h.testTranscriptWebhook)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/bot/create", h.createBot)
		r.Get("/bot/{botId}/status", h.botStatus)
		r.Post("/bot/{botId}/flush", h.flushBot)
		r.Post("/bot/{botId}/send-to-n8n", h.sendToAutomation)
		r.Get("/bots", h.listBots)
		r.Get("/interventions", h.listInterventions)
		r.Post("/interventions", h.recordIntervention)
	})

	r.Route("/debug", func(r chi.Router) {
		r.Get("/bots", h.debugBots)
		r.Post("/cleanup", h.debugCleanup)
	})

	r.Get("/ws", deps.Hub.ServeHTTP)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger := logging.WithComponent("http")
		logger.Debug().
			Str("requestId", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

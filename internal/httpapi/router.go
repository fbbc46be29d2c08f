package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/vhofman/voicedash/internal/dashboard"
	"github.com/vhofman/voicedash/internal/duplex"
	"github.com/vhofman/voicedash/internal/endpoint"
	"github.com/vhofman/voicedash/internal/ttsapi"
)

type RouterConfig struct {
	PublicBaseURL string

	// UpstreamURL is where /tts/* proxy traffic goes in proxied mode.
	UpstreamURL string

	// JWT Authentication
	AccessKey string
	JWTSecret string
	JWTExpiry time.Duration
}

type Router struct {
	cfg        RouterConfig
	logger     *log.Logger
	controller *dashboard.Controller
	hub        *Hub
	mux        chi.Router
}

func NewRouter(cfg RouterConfig, logger *log.Logger, c *dashboard.Controller) http.Handler {
	r := &Router{
		cfg:        cfg,
		logger:     logger,
		controller: c,
		hub:        NewHub(logger),
		mux:        chi.NewRouter(),
	}

	// The hub relays controller updates to every connected browser tab.
	r.hub.validate = r.validToken
	c.Subscribe(r.hub.BroadcastUpdate)
	go r.hub.Run()

	r.routes()
	return withSentryRecovery(r.mux)
}

func (r *Router) routes() {
	r.mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.mux.Get("/healthz", r.handleHealthz)

	// Auth (public)
	r.mux.Post("/auth/token", r.handleIssueToken)

	// Dashboard API (protected)
	r.mux.Route("/api", func(api chi.Router) {
		api.Get("/status", r.withAuth(r.handleStatus))
		api.Post("/refresh", r.withAuth(r.handleRefresh))
		api.Get("/voices", r.withAuth(r.handleListVoices))
		api.Post("/voices", r.withAuth(r.handleSaveVoice))
		api.Post("/upload", r.withAuth(r.handleUpload))
		api.Post("/generate", r.withAuth(r.handleGenerate))
		api.Post("/preview", r.withAuth(r.handlePreview))
		api.Get("/settings", r.withAuth(r.handleGetSettings))
		api.Put("/settings", r.withAuth(r.handlePutSettings))
	})

	// Browser push channel
	r.mux.Get("/ws", r.hub.HandleWebSocket)

	// Proxied mode: forward backend traffic through our own origin.
	if proxy := newBackendProxy(r.cfg.UpstreamURL, r.logger); proxy != nil {
		r.mux.Handle("/"+endpoint.ProxyPrefix+"/*", proxy)
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses: bad input is the
// caller's fault, backend failures are gateway errors, timeouts are gateway
// timeouts.
func writeError(w http.ResponseWriter, req *http.Request, err error) {
	var verr *dashboard.ValidationError
	var scheme *endpoint.UnsupportedSchemeError
	var timeout *duplex.TimeoutError
	var lost *duplex.ConnectionLostError
	var backend *duplex.BackendError
	var reqErr *ttsapi.RequestError

	switch {
	case errors.As(err, &verr), errors.As(err, &scheme):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &timeout):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
	case errors.As(err, &lost), errors.As(err, &backend), errors.As(err, &reqErr):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		captureError(req, err, "unhandled API error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

// Package http is the REST surface of the conversation core: device
// registration and revocation, conversation management, resync reads and
// the deepfake analysis upload. The device socket is mounted at /ws.
package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"convcore/internal/classifier"
	"convcore/internal/conversations"
	"convcore/internal/httpx"
	"convcore/internal/keydist"
	"convcore/internal/messages"
	"convcore/internal/observability/middleware"
	"convcore/internal/registry"
	"convcore/internal/session"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

type Analyzer interface {
	Analyze(ctx context.Context, filename string, image io.Reader) (classifier.Result, error)
}

type Deps struct {
	Auth          *session.Authenticator
	Registry      *registry.Registry
	Conversations *conversations.Service
	Keys          *keydist.Distributor
	Messages      *messages.Service
	Classifier    Analyzer
	// Socket serves GET /ws.
	Socket http.Handler
	// Metrics serves GET /metrics; omitted when nil.
	Metrics http.Handler
}

type Options struct {
	CORSOrigins     []string
	RateLimitPerMin int
	RequestTimeout  time.Duration
}

type Handler struct {
	auth     *session.Authenticator
	registry *registry.Registry
	convs    *conversations.Service
	keys     *keydist.Distributor
	msgs     *messages.Service
	analyzer Analyzer
}

func NewRouter(d Deps, opts Options) http.Handler {
	if opts.RateLimitPerMin <= 0 {
		opts.RateLimitPerMin = 300
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	h := &Handler{
		auth:     d.Auth,
		registry: d.Registry,
		convs:    d.Conversations,
		keys:     d.Keys,
		msgs:     d.Messages,
		analyzer: d.Classifier,
	}

	r := chi.NewRouter()
	r.Use(middleware.WithRequestAndTrace)
	r.Use(middleware.WithMetrics)
	r.Use(httpx.LogRequests)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsIfSet(opts.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	if d.Socket != nil {
		r.Method(http.MethodGet, "/ws", d.Socket)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(opts.RateLimitPerMin, time.Minute))
		r.Use(chimw.Timeout(opts.RequestTimeout))

		// Registration runs before the device exists, so it verifies the
		// token itself.
		r.Post("/devices", h.registerDevice)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Middleware(false))
			r.Post("/devices/{id}/revoke", h.revokeDevice)

			r.Get("/conversations", h.listConversations)
			r.Post("/conversations", h.createConversation)
			r.Get("/conversations/{id}", h.getConversation)
			r.Post("/conversations/{id}/participants", h.addParticipant)
			r.Delete("/conversations/{id}/participants/{userID}", h.removeParticipant)
			r.Get("/conversations/{id}/devices", h.conversationDevices)

			r.Get("/messages/{id}/status", h.messageStatus)
			r.Post("/analysis/deepfake", h.analyzeDeepfake)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Middleware(true))
			r.Get("/conversations/{id}/envelope", h.currentEnvelope)
			r.Get("/messages/pending", h.pendingMessages)
		})
	})
	return r
}

func originsIfSet(in []string) []string {
	if len(in) == 0 {
		return []string{"*"}
	}
	return in
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

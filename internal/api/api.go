// Package api exposes the doorbell pipeline over HTTP and WebSocket: ring
// ingress, session inspection, follow-up conversation, owner controls, auth,
// and the live event channels the dashboard subscribes to.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dwarpal/dwarpal/internal/agent"
	"github.com/dwarpal/dwarpal/internal/assets"
	"github.com/dwarpal/dwarpal/internal/bus"
	"github.com/dwarpal/dwarpal/internal/health"
	"github.com/dwarpal/dwarpal/internal/observe"
	"github.com/dwarpal/dwarpal/internal/orchestrator"
	"github.com/dwarpal/dwarpal/internal/store"
	"github.com/dwarpal/dwarpal/pkg/provider/stt"
	"github.com/dwarpal/dwarpal/pkg/provider/tts"
)

// ringRateLimit caps ring ingress per client IP. A doorbell pressed more than
// this often is being held down or replayed.
const (
	ringRateLimit  = 10
	ringRateWindow = time.Minute

	// maxUploadBytes bounds multipart ring and transcribe uploads.
	maxUploadBytes = 10 << 20
)

// Server holds the HTTP layer's collaborators. Create with New, mount with
// Router.
type Server struct {
	orch    *orchestrator.Orchestrator
	store   store.Store
	auth    store.AuthStore
	bus     *bus.Bus
	assets  *assets.Dir
	intel   agent.Intelligence
	stt     stt.Provider
	tts     tts.Provider
	health  *health.Handler
	metrics *observe.Metrics
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithSTT enables the /api/transcribe endpoint.
func WithSTT(p stt.Provider) Option {
	return func(s *Server) { s.stt = p }
}

// WithTTS enables /api/tts and owner-reply speech.
func WithTTS(p tts.Provider) Option {
	return func(s *Server) { s.tts = p }
}

// WithHealth sets the health handler. Default: liveness only.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates the HTTP server layer over its collaborators.
func New(orch *orchestrator.Orchestrator, st store.Store, auth store.AuthStore,
	b *bus.Bus, dir *assets.Dir, intel agent.Intelligence, opts ...Option,
) *Server {
	s := &Server{
		orch:   orch,
		store:  st,
		auth:   auth,
		bus:    b,
		assets: dir,
		intel:  intel,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New()
	}
	return s
}

// Router builds the chi router with all routes and middleware mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(observe.Middleware(s.metrics))

	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.health.Readyz)

		r.With(httprate.LimitByIP(ringRateLimit, ringRateWindow)).
			Post("/ring", s.handleRing)

		r.Get("/session/{id}/status", s.handleSessionStatus)
		r.Get("/session/{id}/detail", s.handleSessionDetail)
		r.Get("/logs", s.handleLogs)

		r.Post("/ai-reply", s.handleAIReply)
		r.Post("/transcribe", s.handleTranscribe)
		r.Post("/tts", s.handleTTS)

		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/auth/logout", s.handleLogout)
			r.Get("/auth/me", s.handleMe)

			r.Post("/owner-reply", s.handleOwnerReply)

			r.Get("/members", s.handleListMembers)
			r.Post("/members", s.handleAddMember)
			r.Put("/members/{id}", s.handleUpdateMember)
			r.Delete("/members/{id}", s.handleDeleteMember)
		})

		r.Get("/ws/{channel}", s.handleWS)
	})

	// Snapshots, synthesized audio, and member photos are served straight
	// from the data root. tmp/ and logs/ stay private.
	s.mountStatic(r, assets.DirSnaps)
	s.mountStatic(r, assets.DirTTS)
	s.mountStatic(r, assets.DirMembers)

	return r
}

// mountStatic serves one permitted asset subdirectory under /static/<sub>/.
func (s *Server) mountStatic(r chi.Router, sub string) {
	root, err := s.assets.Path(sub)
	if err != nil {
		return
	}
	prefix := "/static/" + sub + "/"
	fs := http.StripPrefix(prefix, http.FileServer(http.Dir(root)))
	r.Get(prefix+"*", fs.ServeHTTP)
}

// corsMiddleware allows the dashboard, served from another origin on the LAN,
// to call the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

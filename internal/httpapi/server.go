// Package httpapi exposes the pipeline over HTTP: the guarded content
// endpoints, CAPTCHA issuing and the admin API.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/freedom13/abuseguard/internal/captcha"
	"github.com/freedom13/abuseguard/internal/model"
	"github.com/freedom13/abuseguard/internal/moderation"
	"github.com/freedom13/abuseguard/internal/policy"
	"github.com/freedom13/abuseguard/internal/ratelimit"
	"github.com/freedom13/abuseguard/internal/store"
)

const maxBodyBytes = 64 << 10

// Engine is the part of the server rebuilt on config reload.
type Engine struct {
	Pipeline *policy.Pipeline
	Router   *moderation.Router
	Captchas *captcha.Store
}

// AdminStore is what the admin endpoints read besides the ban registry.
type AdminStore interface {
	ListBans(ctx context.Context, activeOnly bool, limit int) ([]model.BanRecord, error)
	ListSpamLogs(ctx context.Context, f store.SpamLogFilter) ([]model.SpamLogEntry, error)
	CountSubmissionsByStatus(ctx context.Context) (map[model.Status]int64, error)
	AppendModerationLog(ctx context.Context, e *model.ModerationLogEntry) error
	Ping(ctx context.Context) error
}

type BurstReporter interface {
	ReportBurstRejection()
}

type Options struct {
	AdminToken        string
	TrustProxyHeaders bool
	Admin             AdminStore
	Bans              store.BanRegistry
	Burst             *ratelimit.BurstLimiter
	BurstReporter     BurstReporter
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
	Now     func() time.Time
}

type Server struct {
	mu     sync.RWMutex
	engine *Engine
	opts   Options
}

func NewServer(engine *Engine, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{engine: engine, opts: opts}
}

// Swap installs a new engine and returns the previous one. Requests that
// acquired the old engine finish on it, and its pipeline's Close waits for them.
func (s *Server) Swap(e *Engine) *Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.engine
	s.engine = e
	return old
}

func (s *Server) current() *Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// acquire returns the current engine with its pipeline held until release.
// The hold is taken under the read lock so a swapped-out pipeline cannot
// start closing between the lookup and the hold.
func (s *Server) acquire() (*Engine, func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine, s.engine.Pipeline.Acquire()
}

func (s *Server) Routes() http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(s.requestLogger)
	mux.Use(middleware.Recoverer)

	mux.Get("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		mux.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	mux.Route("/api", func(r chi.Router) {
		r.Use(s.burstLimit)

		r.Get("/captcha", s.handleCaptcha)
		r.Post("/posts", s.handleContent(model.ActionPost))
		r.Post("/comments", s.handleContent(model.ActionComment))
		r.Post("/reports", s.handleContent(model.ActionReport))
		r.Post("/guard/{action}", s.handleGuard)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/moderation", s.handleListModeration)
			r.Post("/moderation/{id}/approve", s.handleReview(true))
			r.Post("/moderation/{id}/reject", s.handleReview(false))
			r.Get("/bans", s.handleListBans)
			r.Post("/bans", s.handleBan)
			r.Delete("/bans/{ip}", s.handleUnban)
			r.Post("/mutes/{actor}", s.handleMute)
			r.Delete("/mutes/{actor}", s.handleUnmute)
			r.Get("/spam-logs", s.handleSpamLogs)
			r.Get("/stats", s.handleStats)
		})
	})

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Admin != nil {
		if err := s.opts.Admin.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

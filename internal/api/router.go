package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"tradegate/internal/dispatch"
	"tradegate/internal/session"
	"tradegate/internal/store"
	"tradegate/internal/util"
)

// JournalReader reads recent dispatch journal entries.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]store.Entry, error)
}

// RouterDeps are the components the HTTP surface is built from. Journal
// and Limiter may be nil.
type RouterDeps struct {
	Dispatcher *dispatch.Dispatcher
	Store      *session.Store
	Gate       *AccessGate
	Metrics    *Metrics
	Journal    JournalReader
	Limiter    *util.RateLimiter
	Log        *slog.Logger
}

// NewRouter builds the gateway's HTTP handler. The access gate runs before
// everything else, including route matching.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(d.Gate.Middleware)
	if d.Limiter != nil {
		r.Use(rateLimit(d.Limiter, d.Metrics))
	}
	r.Use(requestLogger(d.Log))

	h := &handlers{
		dispatcher: d.Dispatcher,
		store:      d.Store,
		journal:    d.Journal,
		log:        d.Log,
	}
	for _, op := range dispatch.Operations {
		if op.TakesBody() {
			r.Post("/"+string(op), h.operation(op))
		} else {
			r.Get("/"+string(op), h.operation(op))
		}
	}
	r.Get("/health", h.health)
	r.Get("/journal", h.journalEntries)
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	return r
}

func rateLimit(rl *util.RateLimiter, m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow() {
				if m != nil {
					m.RateLimited()
				}
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-Id")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"origin", originHost(r.RemoteAddr),
				"request_id", id,
			)
		})
	}
}

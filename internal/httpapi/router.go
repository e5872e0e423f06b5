// Package httpapi exposes the sync queue to the local platform shell: enqueue,
// inspection, manual flushes, connectivity notifications and SSE streams.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/ereezyy/synai-sync/internal/auth"
	"github.com/ereezyy/synai-sync/internal/connectivity"
	"github.com/ereezyy/synai-sync/internal/observe"
	"github.com/ereezyy/synai-sync/internal/queue"
	"github.com/ereezyy/synai-sync/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Queue     *queue.Manager
	Scheduler *scheduler.Scheduler
	Observer  *observe.Observer
	Monitor   *connectivity.Monitor

	// BatchSize is used by flushes that do not name one
	BatchSize int

	RateLimitConfig RateLimitInfo

	limiter   *RateLimiter
	done      chan struct{}
	closeOnce sync.Once
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) online() bool {
	return s.Monitor == nil || s.Monitor.Online()
}

func (s *Server) batchSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return scheduler.DefaultBatchSize
}

// Routes creates the HTTP router with all queue endpoints
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	if s.RateLimitConfig.WindowSeconds <= 0 || s.RateLimitConfig.Burst <= 0 {
		s.RateLimitConfig = DefaultRateLimitConfig
	}
	if s.Observer == nil {
		s.Observer = observe.New(s.Queue)
	}
	if s.limiter == nil {
		s.limiter = NewRateLimiter(s.RateLimitConfig)
	}
	if s.done == nil {
		s.done = make(chan struct{})
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)
	r.Use(DeviceMiddleware)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))

		r.Get("/v1/info", s.Info)
		r.Get("/v1/stats", s.Stats)

		r.Route("/v1/operations", func(r chi.Router) {
			r.Post("/", s.EnqueueOperation)
			r.Get("/", s.ListOperations)
			r.Delete("/", s.ClearOperations)
			r.Post("/requeue", s.RequeueFailed)

			r.Get("/{id}", s.GetOperation)
			r.Delete("/{id}", s.DeleteOperation)
			r.Put("/{id}/status", s.UpdateOperationStatus)
			r.Post("/{id}/retries", s.IncrementOperationRetry)
			r.Post("/{id}/requeue", s.RequeueOperation)
		})

		r.Get("/v1/entities/{entityType}/{entityId}/operations", s.ListEntityOperations)

		r.With(RateLimitMiddleware(s.limiter)).Post("/v1/sync/flush", s.Flush)
		r.Get("/v1/sync/status", s.SyncStatus)
		r.Put("/v1/connectivity", s.SetConnectivity)

		r.Get("/v1/stream/pending", s.StreamPending)
		r.Get("/v1/stream/operations", s.StreamOperations)
		r.Get("/v1/stream/entities/{entityType}/{entityId}", s.StreamEntity)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

// Close ends open streams and stops the rate limiter. Register it with
// http.Server.RegisterOnShutdown so SSE clients do not hold up a shutdown.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.limiter != nil {
			s.limiter.Close()
		}
		if s.done != nil {
			close(s.done)
		}
	})
}

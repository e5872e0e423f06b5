package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// keepAliveInterval spaces SSE comment lines that keep proxies from timing out
var keepAliveInterval = 15 * time.Second

// SSEStream writes server-sent events to one client
type SSEStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	eventID int
}

// NewSSEStream sets the SSE headers and returns a stream
func NewSSEStream(w http.ResponseWriter) (*SSEStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEStream{w: w, flusher: flusher}, nil
}

// Send writes one JSON event
func (s *SSEStream) Send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventID++
	if _, err := fmt.Fprintf(s.w, "event: %s\nid: %d\ndata: %s\n\n", event, s.eventID, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// KeepAlive writes an SSE comment line
func (s *SSEStream) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// pump forwards values from ch to the client until the client leaves or the
// channel closes
func pump[T any](ctx context.Context, done <-chan struct{}, w http.ResponseWriter, r *http.Request, event string, ch <-chan T, render func(T) any) {
	stream, err := NewSSEStream(w)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	logger := log.Ctx(ctx).With().Str("stream", event).Logger()
	logger.Debug().Msg("stream opened")
	defer logger.Debug().Msg("stream closed")

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			_ = stream.Send("closed", map[string]string{"reason": "server shutting down"})
			return
		case <-ticker.C:
			if err := stream.KeepAlive(); err != nil {
				return
			}
		case v, ok := <-ch:
			if !ok {
				// store closed, tell the client before hanging up
				_ = stream.Send("closed", map[string]string{"reason": "store closed"})
				return
			}
			if err := stream.Send(event, render(v)); err != nil {
				logger.Debug().Err(err).Msg("stream write failed")
				return
			}
		}
	}
}

// StreamPending handles GET /v1/stream/pending
func (s *Server) StreamPending(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := s.Observer.PendingCount(ctx)
	pump(ctx, s.done, w, r, "pending", ch, func(n int) any {
		return map[string]int{"pending": n}
	})
}

// StreamOperations handles GET /v1/stream/operations?status=PENDING
// Status defaults to PENDING; entityType and operationType narrow the stream.
func (s *Server) StreamOperations(w http.ResponseWriter, r *http.Request) {
	statuses, err := statusesFromQuery(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := syncop.StatusPending
	switch len(statuses) {
	case 0:
	case 1:
		status = statuses[0]
	default:
		writeError(w, r, http.StatusBadRequest, "at most one status can be streamed")
		return
	}
	f, err := filterFromQuery(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := s.Observer.Operations(ctx, status, f)
	pump(ctx, s.done, w, r, "operations", ch, func(ops []*syncop.Operation) any {
		return listResp{Operations: viewsOf(ops)}
	})
}

// StreamEntity handles GET /v1/stream/entities/{entityType}/{entityId}
func (s *Server) StreamEntity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := s.Observer.Entity(ctx, chi.URLParam(r, "entityType"), chi.URLParam(r, "entityId"))
	pump(ctx, s.done, w, r, "operations", ch, func(ops []*syncop.Operation) any {
		return listResp{Operations: viewsOf(ops)}
	})
}

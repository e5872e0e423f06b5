package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ereezyy/synai-sync/internal/queue"
	"github.com/ereezyy/synai-sync/internal/store"
	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/ereezyy/synai-sync/internal/syncx"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// operationView is the wire form of an operation; the payload is inlined as JSON
type operationView struct {
	*syncop.Operation
	Payload json.RawMessage `json:"payload,omitempty"`
}

func viewOf(op *syncop.Operation) operationView {
	v := operationView{Operation: op}
	if len(op.Payload) > 0 {
		if json.Valid(op.Payload) {
			v.Payload = json.RawMessage(op.Payload)
		} else {
			// opaque bytes are shown as a JSON string
			b, _ := json.Marshal(string(op.Payload))
			v.Payload = b
		}
	}
	return v
}

func viewsOf(ops []*syncop.Operation) []operationView {
	out := make([]operationView, 0, len(ops))
	for _, op := range ops {
		out = append(out, viewOf(op))
	}
	return out
}

// enqueueReq is the request body for POST /v1/operations
type enqueueReq struct {
	EntityType    string            `json:"entityType"`
	EntityID      string            `json:"entityId"`
	OperationType string            `json:"operationType"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Priority      int               `json:"priority"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// listResp is the response body for operation listings
type listResp struct {
	Operations []operationView `json:"operations"`
	NextCursor *string         `json:"nextCursor,omitempty"`
}

// filterFromQuery reads entityType and operationType query params
func filterFromQuery(r *http.Request) (syncop.Filter, error) {
	f := syncop.Filter{EntityType: r.URL.Query().Get("entityType")}
	if ot := r.URL.Query().Get("operationType"); ot != "" {
		t, err := syncop.ParseOperationType(strings.ToUpper(ot))
		if err != nil {
			return f, err
		}
		f.OperationType = t
	}
	return f, nil
}

// statusesFromQuery reads a comma separated status list
func statusesFromQuery(r *http.Request) ([]syncop.Status, error) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return nil, nil
	}
	var out []syncop.Status
	for _, part := range strings.Split(raw, ",") {
		st, err := syncop.ParseStatus(strings.ToUpper(strings.TrimSpace(part)))
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// EnqueueOperation handles POST /v1/operations
func (s *Server) EnqueueOperation(w http.ResponseWriter, r *http.Request) {
	var body enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON")
		return
	}

	var payload []byte
	if len(body.Payload) > 0 && string(body.Payload) != "null" {
		payload = body.Payload
	}

	op, err := s.Queue.Enqueue(r.Context(), queue.EnqueueRequest{
		EntityType: body.EntityType,
		EntityID:   body.EntityID,
		Type:       syncop.OperationType(strings.ToUpper(body.OperationType)),
		Payload:    payload,
		Priority:   body.Priority,
		Metadata:   body.Metadata,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	log.Ctx(r.Context()).Debug().
		Str("id", op.ID).
		Str("entity", op.Key().String()).
		Msg("operation enqueued via api")

	writeJSON(w, http.StatusCreated, viewOf(op))
}

// ListOperations handles GET /v1/operations
// Query: status (comma separated), entityType, operationType, cursor, limit
func (s *Server) ListOperations(w http.ResponseWriter, r *http.Request) {
	statuses, err := statusesFromQuery(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	f, err := filterFromQuery(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), defaultListLimit, maxListLimit)
	q := store.Query{Statuses: statuses, Limit: limit}.WithFilter(f)
	if c := r.URL.Query().Get("cursor"); c != "" {
		cur, ok := syncx.DecodeCursor(c)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "invalid cursor")
			return
		}
		q.After = cur
	}

	ops, err := s.Queue.ListPage(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := listResp{Operations: viewsOf(ops)}
	if len(ops) == limit {
		last := ops[len(ops)-1]
		next := syncx.EncodeCursor(syncx.Cursor{Ms: last.CreatedAt.UnixMilli(), Seq: last.Seq})
		resp.NextCursor = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// ClearOperations handles DELETE /v1/operations?status=SYNCED
func (s *Server) ClearOperations(w http.ResponseWriter, r *http.Request) {
	statuses, err := statusesFromQuery(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if len(statuses) != 1 {
		writeError(w, r, http.StatusBadRequest, "exactly one status is required")
		return
	}

	n, err := s.Queue.ClearByStatus(r.Context(), statuses[0])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": statuses[0], "deleted": n})
}

// GetOperation handles GET /v1/operations/{id}
func (s *Server) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(op))
}

// DeleteOperation handles DELETE /v1/operations/{id}
// Only terminal operations can be purged
func (s *Server) DeleteOperation(w http.ResponseWriter, r *http.Request) {
	if err := s.Queue.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusReq struct {
	Status   string     `json:"status"`
	SyncedAt *time.Time `json:"syncedAt,omitempty"`
}

// UpdateOperationStatus handles PUT /v1/operations/{id}/status
func (s *Server) UpdateOperationStatus(w http.ResponseWriter, r *http.Request) {
	var body statusReq
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON")
		return
	}
	st, err := syncop.ParseStatus(strings.ToUpper(body.Status))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	op, err := s.Queue.UpdateStatus(r.Context(), chi.URLParam(r, "id"), st, body.SyncedAt)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(op))
}

// IncrementOperationRetry handles POST /v1/operations/{id}/retries
func (s *Server) IncrementOperationRetry(w http.ResponseWriter, r *http.Request) {
	op, err := s.Queue.IncrementRetry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(op))
}

// RequeueOperation handles POST /v1/operations/{id}/requeue
func (s *Server) RequeueOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.Queue.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(op))
}

// RequeueFailed handles POST /v1/operations/requeue
func (s *Server) RequeueFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.Queue.RequeueFailed(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

// ListEntityOperations handles GET /v1/entities/{entityType}/{entityId}/operations
func (s *Server) ListEntityOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := s.Queue.ListForEntity(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "entityId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResp{Operations: viewsOf(ops)})
}

// statsResp is the response body for GET /v1/stats
type statsResp struct {
	Counts  map[syncop.Status]int `json:"counts"`
	Pending int                   `json:"pending"`
	Total   int                   `json:"total"`
}

// Stats handles GET /v1/stats
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Queue.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := statsResp{Counts: make(map[syncop.Status]int, len(syncop.AllStatuses))}
	for _, st := range syncop.AllStatuses {
		resp.Counts[st] = counts[st]
		resp.Total += counts[st]
	}
	resp.Pending = resp.Counts[syncop.StatusPending]
	writeJSON(w, http.StatusOK, resp)
}

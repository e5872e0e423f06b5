package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ereezyy/synai-sync/internal/dispatch"
	"github.com/ereezyy/synai-sync/internal/scheduler"
	"github.com/ereezyy/synai-sync/internal/transport"
)

// outcomeView reports what happened to one operation in a flushed batch
type outcomeView struct {
	Operation operationView  `json:"operation"`
	Result    transport.Kind `json:"result"`
	Message   string         `json:"message,omitempty"`
	Applied   bool           `json:"applied"`
}

// flushResp is the response body for POST /v1/sync/flush
type flushResp struct {
	Claimed    int                   `json:"claimed"`
	Summary    dispatch.Summary      `json:"summary"`
	DurationMs int64                 `json:"durationMs"`
	Outcomes   []outcomeView         `json:"outcomes,omitempty"`
	Pass       *scheduler.PassReport `json:"pass,omitempty"`
}

// Flush handles POST /v1/sync/flush
// Query: batchSize (default configured batch size), mode=batch|pass
// Flushes run even while the backend is believed unreachable.
func (s *Server) Flush(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeError(w, r, http.StatusServiceUnavailable, "scheduler not running")
		return
	}

	if r.URL.Query().Get("mode") == "pass" {
		pass, err := s.Scheduler.RunPass(r.Context(), scheduler.ReasonFlush)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, flushResp{
			Summary:    pass.Summary,
			DurationMs: pass.Duration.Milliseconds(),
			Pass:       pass,
		})
		return
	}

	size := parseLimit(r.URL.Query().Get("batchSize"), s.batchSize(), maxListLimit)
	report, err := s.Scheduler.RunNextBatch(r.Context(), size)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := flushResp{
		Claimed:    report.Claimed,
		Summary:    report.Summary,
		DurationMs: report.Duration.Milliseconds(),
		Outcomes:   make([]outcomeView, 0, len(report.Outcomes)),
	}
	for _, o := range report.Outcomes {
		resp.Outcomes = append(resp.Outcomes, outcomeView{
			Operation: viewOf(o.Operation),
			Result:    o.Result.Kind,
			Message:   o.Result.Message,
			Applied:   o.Applied,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// syncStatusResp is the response body for GET /v1/sync/status
type syncStatusResp struct {
	Online    bool                  `json:"online"`
	ChangedAt *time.Time            `json:"changedAt,omitempty"`
	Running   bool                  `json:"running"`
	Pending   int                   `json:"pending"`
	LastPass  *scheduler.PassReport `json:"lastPass,omitempty"`
}

// SyncStatus handles GET /v1/sync/status
func (s *Server) SyncStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.Queue.PendingCount(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := syncStatusResp{Online: true, Pending: pending}
	if s.Monitor != nil {
		online, since := s.Monitor.Status()
		resp.Online = online
		if !since.IsZero() {
			resp.ChangedAt = &since
		}
	}
	if s.Scheduler != nil {
		resp.Running = s.Scheduler.Running()
		resp.LastPass = s.Scheduler.LastPass()
	}
	writeJSON(w, http.StatusOK, resp)
}

type connectivityReq struct {
	Online *bool `json:"online"`
}

// SetConnectivity handles PUT /v1/connectivity
// The platform reports network changes here; going online triggers a pass.
func (s *Server) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	if s.Monitor == nil {
		writeError(w, r, http.StatusServiceUnavailable, "connectivity monitor not configured")
		return
	}

	var body connectivityReq
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Online == nil {
		writeError(w, r, http.StatusBadRequest, `body must be {"online": true|false}`)
		return
	}

	s.Monitor.Set(*body.Online)
	w.WriteHeader(http.StatusNoContent)
}

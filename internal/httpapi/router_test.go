package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ereezyy/synai-sync/internal/queue"
	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/ereezyy/synai-sync/internal/transport"
)

func TestHealthz_NoAuth(t *testing.T) {
	ts := newTestServer(t)
	w := doAs(t, ts.router, "", http.MethodGet, "/healthz", nil)
	expectStatus(t, w, http.StatusOK)
	if w.Body.String() != "ok" {
		t.Errorf("unexpected body %q", w.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	w := doAs(t, ts.router, "", http.MethodGet, "/v1/operations", nil)
	expectStatus(t, w, http.StatusUnauthorized)
}

func TestEnqueueAndGet(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/operations", map[string]any{
		"entityType":    "note",
		"entityId":      "n1",
		"operationType": "create",
		"payload":       map[string]any{"title": "hello"},
		"priority":      3,
		"metadata":      map[string]string{"source": "editor"},
	})
	expectStatus(t, w, http.StatusCreated)
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected X-Correlation-ID response header")
	}

	var created opResp
	decode(t, w, &created)
	if created.ID == "" || created.Status != "PENDING" || created.OperationType != "CREATE" {
		t.Fatalf("unexpected operation: %+v", created)
	}
	if created.Priority != 3 || created.Metadata["source"] != "editor" {
		t.Errorf("priority/metadata not stored: %+v", created)
	}

	w = ts.do(t, http.MethodGet, "/v1/operations/"+created.ID, nil)
	expectStatus(t, w, http.StatusOK)
	var got opResp
	decode(t, w, &got)
	if got.ID != created.ID {
		t.Errorf("got id %s, want %s", got.ID, created.ID)
	}
	var payload map[string]any
	if err := json.Unmarshal(got.Payload, &payload); err != nil || payload["title"] != "hello" {
		t.Errorf("payload not round-tripped: %s", got.Payload)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing entity id", map[string]any{"entityType": "note", "operationType": "CREATE"}},
		{"missing entity type", map[string]any{"entityId": "n1", "operationType": "CREATE"}},
		{"unknown operation type", map[string]any{"entityType": "note", "entityId": "n1", "operationType": "UPSERT"}},
		{"not an object", "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/v1/operations", tt.body)
			expectStatus(t, w, http.StatusBadRequest)

			var resp errorResponse
			decode(t, w, &resp)
			if resp.Error == "" || resp.CorrelationID == "" {
				t.Errorf("expected error and correlation id, got %+v", resp)
			}
		})
	}
}

func TestEnqueue_CoalescesUpdates(t *testing.T) {
	ts := newTestServer(t)

	first := ts.enqueue(t, "n1", "UPDATE", map[string]string{"title": "a"})
	second := ts.enqueue(t, "n1", "UPDATE", map[string]string{"title": "b"})
	if first.ID != second.ID {
		t.Fatalf("expected update to coalesce into %s, got %s", first.ID, second.ID)
	}

	w := ts.do(t, http.MethodGet, "/v1/entities/note/n1/operations", nil)
	expectStatus(t, w, http.StatusOK)
	var resp struct {
		Operations []opResp `json:"operations"`
	}
	decode(t, w, &resp)
	if len(resp.Operations) != 1 {
		t.Fatalf("expected 1 operation for entity, got %d", len(resp.Operations))
	}
	if !strings.Contains(string(resp.Operations[0].Payload), `"b"`) {
		t.Errorf("expected latest payload, got %s", resp.Operations[0].Payload)
	}
}

func TestGetOperation_NotFound(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/v1/operations/does-not-exist", nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestErrorBody_CarriesRequestIDs(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/operations/does-not-exist", nil)
	req.Header.Set("X-Debug-Sub", "test-user")
	req.Header.Set("X-Device-ID", "tablet-7")
	req.Header.Set("X-Correlation-ID", "corr-123")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusNotFound)

	var body struct {
		Error         string `json:"error"`
		CorrelationID string `json:"correlation_id"`
		DeviceID      string `json:"device_id"`
	}
	decode(t, w, &body)
	if body.CorrelationID != "corr-123" {
		t.Errorf("correlation_id = %q, want corr-123", body.CorrelationID)
	}
	if body.DeviceID != "tablet-7" {
		t.Errorf("device_id = %q, want tablet-7", body.DeviceID)
	}
	if body.Error == "" {
		t.Error("expected an error message")
	}
}

func TestListOperations_Pagination(t *testing.T) {
	ts := newTestServer(t)
	for _, id := range []string{"a", "b", "c"} {
		ts.enqueue(t, id, "CREATE", map[string]string{"id": id})
	}
	ts.enqueue(t, "d", "DELETE", nil)

	type page struct {
		Operations []opResp `json:"operations"`
		NextCursor *string  `json:"nextCursor"`
	}

	w := ts.do(t, http.MethodGet, "/v1/operations?operationType=create&limit=2", nil)
	expectStatus(t, w, http.StatusOK)
	var p1 page
	decode(t, w, &p1)
	if len(p1.Operations) != 2 || p1.NextCursor == nil {
		t.Fatalf("expected full first page with cursor, got %d ops, cursor %v", len(p1.Operations), p1.NextCursor)
	}
	if p1.Operations[0].EntityID != "a" || p1.Operations[1].EntityID != "b" {
		t.Errorf("expected creation order, got %s,%s", p1.Operations[0].EntityID, p1.Operations[1].EntityID)
	}

	w = ts.do(t, http.MethodGet, "/v1/operations?operationType=create&limit=2&cursor="+*p1.NextCursor, nil)
	expectStatus(t, w, http.StatusOK)
	var p2 page
	decode(t, w, &p2)
	if len(p2.Operations) != 1 || p2.Operations[0].EntityID != "c" {
		t.Fatalf("unexpected second page: %+v", p2.Operations)
	}
	if p2.NextCursor != nil {
		t.Error("expected no cursor on last page")
	}

	w = ts.do(t, http.MethodGet, "/v1/operations?cursor=not-a-cursor", nil)
	expectStatus(t, w, http.StatusBadRequest)

	w = ts.do(t, http.MethodGet, "/v1/operations?status=bogus", nil)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestFlushThenPurge(t *testing.T) {
	ts := newTestServer(t)
	op := ts.enqueue(t, "n1", "CREATE", map[string]string{"title": "x"})

	// live operations cannot be purged
	w := ts.do(t, http.MethodDelete, "/v1/operations/"+op.ID, nil)
	expectStatus(t, w, http.StatusConflict)

	w = ts.do(t, http.MethodPost, "/v1/sync/flush?batchSize=5", nil)
	expectStatus(t, w, http.StatusOK)
	var flush struct {
		Claimed int `json:"claimed"`
		Summary struct {
			Synced int `json:"synced"`
		} `json:"summary"`
		Outcomes []struct {
			Operation opResp `json:"operation"`
			Result    string `json:"result"`
			Applied   bool   `json:"applied"`
		} `json:"outcomes"`
	}
	decode(t, w, &flush)
	if flush.Claimed != 1 || flush.Summary.Synced != 1 || len(flush.Outcomes) != 1 {
		t.Fatalf("unexpected flush response: %s", w.Body.String())
	}
	if o := flush.Outcomes[0]; o.Result != "success" || !o.Applied || o.Operation.Status != "SYNCED" {
		t.Errorf("unexpected outcome: %+v", o)
	}

	w = ts.do(t, http.MethodDelete, "/v1/operations/"+op.ID, nil)
	expectStatus(t, w, http.StatusNoContent)

	w = ts.do(t, http.MethodGet, "/v1/operations/"+op.ID, nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestFlush_Pass(t *testing.T) {
	ts := newTestServer(t)
	for _, id := range []string{"a", "b", "c"} {
		ts.enqueue(t, id, "CREATE", nil)
	}

	w := ts.do(t, http.MethodPost, "/v1/sync/flush?mode=pass", nil)
	expectStatus(t, w, http.StatusOK)
	var resp struct {
		Summary struct {
			Synced int `json:"synced"`
		} `json:"summary"`
		Pass struct {
			Reason string `json:"reason"`
		} `json:"pass"`
	}
	decode(t, w, &resp)
	if resp.Summary.Synced != 3 || resp.Pass.Reason != "flush" {
		t.Errorf("unexpected pass response: %s", w.Body.String())
	}
}

func TestFlush_RejectedThenRequeue(t *testing.T) {
	ts := newTestServer(t)
	ts.transport.kind.Store(transport.KindPermanent)
	op := ts.enqueue(t, "n1", "CREATE", nil)

	w := ts.do(t, http.MethodPost, "/v1/sync/flush", nil)
	expectStatus(t, w, http.StatusOK)

	w = ts.do(t, http.MethodGet, "/v1/operations/"+op.ID, nil)
	var failed opResp
	decode(t, w, &failed)
	if failed.Status != "FAILED" || failed.FailureReason != "rejected" || failed.RetryCount != 0 {
		t.Fatalf("expected rejected failure, got %+v", failed)
	}

	w = ts.do(t, http.MethodPost, "/v1/operations/"+op.ID+"/requeue", nil)
	expectStatus(t, w, http.StatusOK)
	var requeued opResp
	decode(t, w, &requeued)
	if requeued.Status != "PENDING" || requeued.LastError != "" {
		t.Errorf("expected fresh PENDING operation, got %+v", requeued)
	}

	// requeueing a PENDING operation is a conflict
	w = ts.do(t, http.MethodPost, "/v1/operations/"+op.ID+"/requeue", nil)
	expectStatus(t, w, http.StatusConflict)

	ts.do(t, http.MethodPost, "/v1/sync/flush", nil)
	w = ts.do(t, http.MethodPost, "/v1/operations/requeue", nil)
	expectStatus(t, w, http.StatusOK)
	var bulk map[string]int
	decode(t, w, &bulk)
	if bulk["requeued"] != 1 {
		t.Errorf("expected 1 requeued, got %v", bulk)
	}
}

func TestUpdateStatusAndRetries(t *testing.T) {
	ts := newTestServer(t)
	op := ts.enqueue(t, "n1", "CREATE", nil)

	w := ts.do(t, http.MethodPost, "/v1/operations/"+op.ID+"/retries", nil)
	expectStatus(t, w, http.StatusOK)
	var bumped opResp
	decode(t, w, &bumped)
	if bumped.RetryCount != 1 || bumped.Status != "FAILED" || bumped.FailureReason != "transient" {
		t.Errorf("unexpected operation after retry bump: %+v", bumped)
	}

	w = ts.do(t, http.MethodPut, "/v1/operations/"+op.ID+"/status", map[string]string{"status": "in_flight"})
	expectStatus(t, w, http.StatusConflict)

	w = ts.do(t, http.MethodPut, "/v1/operations/"+op.ID+"/status", map[string]string{"status": "bogus"})
	expectStatus(t, w, http.StatusBadRequest)

	w = ts.do(t, http.MethodPut, "/v1/operations/"+op.ID+"/status", map[string]string{"status": "ABANDONED"})
	expectStatus(t, w, http.StatusOK)
	var abandoned opResp
	decode(t, w, &abandoned)
	if abandoned.Status != "ABANDONED" {
		t.Errorf("expected ABANDONED, got %s", abandoned.Status)
	}

	// terminal operations stay where they are
	w = ts.do(t, http.MethodPut, "/v1/operations/"+op.ID+"/status", map[string]string{"status": "PENDING"})
	expectStatus(t, w, http.StatusConflict)

	w = ts.do(t, http.MethodPost, "/v1/operations/missing/retries", nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestClearByStatusAndStats(t *testing.T) {
	ts := newTestServer(t)
	ts.enqueue(t, "a", "CREATE", nil)
	ts.enqueue(t, "b", "CREATE", nil)
	ts.do(t, http.MethodPost, "/v1/sync/flush", nil)
	ts.enqueue(t, "c", "CREATE", nil)

	w := ts.do(t, http.MethodGet, "/v1/stats", nil)
	expectStatus(t, w, http.StatusOK)
	var stats statsResp
	decode(t, w, &stats)
	if stats.Counts[syncop.StatusSynced] != 2 || stats.Pending != 1 || stats.Total != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if _, ok := stats.Counts[syncop.StatusAbandoned]; !ok {
		t.Error("expected every status to be reported")
	}

	w = ts.do(t, http.MethodDelete, "/v1/operations?status=PENDING", nil)
	expectStatus(t, w, http.StatusConflict)

	w = ts.do(t, http.MethodDelete, "/v1/operations", nil)
	expectStatus(t, w, http.StatusBadRequest)

	w = ts.do(t, http.MethodDelete, "/v1/operations?status=synced", nil)
	expectStatus(t, w, http.StatusOK)
	var cleared map[string]any
	decode(t, w, &cleared)
	if cleared["deleted"] != float64(2) {
		t.Errorf("expected 2 deleted, got %v", cleared["deleted"])
	}
}

func TestStorageFault_503(t *testing.T) {
	ts := newTestServer(t)
	op := ts.enqueue(t, "n1", "CREATE", nil)

	ts.store.broken.Store(true)
	defer ts.store.broken.Store(false)

	w := ts.do(t, http.MethodGet, "/v1/operations/"+op.ID, nil)
	expectStatus(t, w, http.StatusServiceUnavailable)
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on storage fault")
	}

	w = ts.do(t, http.MethodPost, "/v1/operations", map[string]any{
		"entityType": "note", "entityId": "n2", "operationType": "CREATE",
	})
	expectStatus(t, w, http.StatusServiceUnavailable)
}

func TestConnectivityAndStatus(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPut, "/v1/connectivity", map[string]bool{"online": false})
	expectStatus(t, w, http.StatusNoContent)
	if ts.monitor.Online() {
		t.Fatal("expected monitor offline")
	}

	w = ts.do(t, http.MethodPut, "/v1/connectivity", map[string]string{})
	expectStatus(t, w, http.StatusBadRequest)

	ts.enqueue(t, "n1", "CREATE", nil)
	w = ts.do(t, http.MethodGet, "/v1/sync/status", nil)
	expectStatus(t, w, http.StatusOK)
	var status syncStatusResp
	decode(t, w, &status)
	if status.Online || status.Pending != 1 || status.Running {
		t.Errorf("unexpected status: %+v", status)
	}

	// explicit flushes run while offline
	w = ts.do(t, http.MethodPost, "/v1/sync/flush", nil)
	expectStatus(t, w, http.StatusOK)

	w = ts.do(t, http.MethodGet, "/v1/info", nil)
	expectStatus(t, w, http.StatusOK)
	var info ServerInfo
	decode(t, w, &info)
	if info.APIVersion != APIVersion || info.Counts[syncop.StatusSynced] != 1 {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestStreamPending(t *testing.T) {
	ts := newTestServer(t)
	server := httptest.NewServer(ts.router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/v1/stream/pending", nil)
	req.Header.Set("X-Debug-Sub", "test-user")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
				events <- data
			}
		}
		close(events)
	}()

	next := func() string {
		t.Helper()
		select {
		case e, ok := <-events:
			if !ok {
				t.Fatal("stream closed")
			}
			return e
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
		return ""
	}

	if e := next(); e != `{"pending":0}` {
		t.Fatalf("expected initial count 0, got %s", e)
	}

	_, err = ts.srv.Queue.Enqueue(context.Background(), queue.EnqueueRequest{
		EntityType: "note", EntityID: "n1", Type: syncop.TypeCreate,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if e := next(); e != `{"pending":1}` {
		t.Fatalf("expected count 1 after enqueue, got %s", e)
	}
}

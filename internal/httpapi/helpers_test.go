package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ereezyy/synai-sync/internal/auth"
	"github.com/ereezyy/synai-sync/internal/connectivity"
	"github.com/ereezyy/synai-sync/internal/dispatch"
	"github.com/ereezyy/synai-sync/internal/queue"
	"github.com/ereezyy/synai-sync/internal/retry"
	"github.com/ereezyy/synai-sync/internal/scheduler"
	"github.com/ereezyy/synai-sync/internal/store"
	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/ereezyy/synai-sync/internal/transport"
)

// brokenStore fails every read and transaction while broken is set
type brokenStore struct {
	store.Store
	broken atomic.Bool
}

func (b *brokenStore) fault() error {
	return syncop.Storage("query", errors.New("database is locked"))
}

func (b *brokenStore) InTx(ctx context.Context, fn func(store.Tx) error) error {
	if b.broken.Load() {
		return b.fault()
	}
	return b.Store.InTx(ctx, fn)
}

func (b *brokenStore) Get(ctx context.Context, id string) (*syncop.Operation, error) {
	if b.broken.Load() {
		return nil, b.fault()
	}
	return b.Store.Get(ctx, id)
}

// scriptedTransport answers every submission with kind
type scriptedTransport struct {
	kind atomic.Value // transport.Kind
}

func (s *scriptedTransport) Submit(ctx context.Context, op *syncop.Operation) transport.Result {
	kind, _ := s.kind.Load().(transport.Kind)
	if kind == "" {
		kind = transport.KindSuccess
	}
	return transport.Result{OperationID: op.ID, Kind: kind, Message: string(kind)}
}

type testServer struct {
	srv       *Server
	router    http.Handler
	store     *brokenStore
	transport *scriptedTransport
	monitor   *connectivity.Monitor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	policy := retry.Policy{BaseDelay: time.Minute, MaxDelay: time.Hour, MaxAttempts: 3}
	ts := &testServer{
		store:     &brokenStore{Store: s},
		transport: &scriptedTransport{},
		monitor:   connectivity.NewMonitor(connectivity.Options{Online: true}),
	}
	q := queue.NewManager(ts.store, policy)
	d := dispatch.New(q, ts.transport, policy)
	sched := scheduler.New(q, d, ts.monitor, scheduler.Options{BatchSize: 10})
	t.Cleanup(sched.Stop)

	ts.srv = &Server{
		Queue:     q,
		Scheduler: sched,
		Monitor:   ts.monitor,
		BatchSize: 10,
		RateLimitConfig: RateLimitInfo{
			WindowSeconds: 60,
			MaxRequests:   600,
			Burst:         100,
		},
	}
	ts.router = ts.srv.Routes(auth.JWTCfg{HS256Secret: "test-secret", DevMode: true})
	t.Cleanup(ts.srv.Close)
	return ts
}

// do makes an authenticated request with an optional JSON body
func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return doAs(t, ts.router, "test-user", method, path, body)
}

func doAs(t *testing.T, router http.Handler, sub, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if sub != "" {
		req.Header.Set("X-Debug-Sub", sub)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// decode unmarshals a response body into v
func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response: %v (body: %s)", err, w.Body.String())
	}
}

// opResp mirrors the operation wire form
type opResp struct {
	ID            string            `json:"id"`
	EntityType    string            `json:"entityType"`
	EntityID      string            `json:"entityId"`
	OperationType string            `json:"operationType"`
	Payload       json.RawMessage   `json:"payload"`
	Priority      int               `json:"priority"`
	Status        string            `json:"status"`
	RetryCount    int               `json:"retryCount"`
	Metadata      map[string]string `json:"metadata"`
	LastError     string            `json:"lastError"`
	FailureReason string            `json:"failureReason"`
}

func (ts *testServer) enqueue(t *testing.T, entityID, opType string, payload any) opResp {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/v1/operations", map[string]any{
		"entityType":    "note",
		"entityId":      entityID,
		"operationType": opType,
		"payload":       payload,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("enqueue: got status %d, body: %s", w.Code, w.Body.String())
	}
	var op opResp
	decode(t, w, &op)
	return op
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

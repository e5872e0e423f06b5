package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/ereezyy/synai-sync/internal/syncx"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultPushPath is where batches are posted when no path is configured
	DefaultPushPath = "/v1/sync/push"

	// DefaultTimeout bounds a single push request
	DefaultTimeout = 30 * time.Second

	// maxErrorBody is how much of an error response ends up in LastError
	maxErrorBody = 512
)

// HTTPOptions configures an HTTPTransport
type HTTPOptions struct {
	BaseURL  string
	PushPath string
	DeviceID string
	Timeout  time.Duration

	// Tokens signs requests. When nil the transport runs in dev mode and
	// sends DebugSub as X-Debug-Sub instead of a bearer token.
	Tokens   TokenSource
	DebugSub string

	// Client overrides the underlying http.Client (tests)
	Client *http.Client
}

// HTTPTransport pushes batches to the backend as JSON.
// Automatically injects:
// - Authorization: Bearer <token> (production) OR X-Debug-Sub (dev mode)
// - X-Device-ID: <device>
// - X-Correlation-ID: <uuid>
//
// A 401 invalidates the cached token and the request is retried once.
type HTTPTransport struct {
	baseURL    string
	pushPath   string
	deviceID   string
	debugSub   string
	tokens     TokenSource
	httpClient *http.Client
}

// NewHTTPTransport creates a transport for the given backend
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	path := opts.PushPath
	if path == "" {
		path = DefaultPushPath
	}
	return &HTTPTransport{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		pushPath:   path,
		deviceID:   opts.DeviceID,
		debugSub:   opts.DebugSub,
		tokens:     opts.Tokens,
		httpClient: client,
	}
}

type pushOperation struct {
	ID            string            `json:"id"`
	EntityType    string            `json:"entityType"`
	EntityID      string            `json:"entityId"`
	OperationType string            `json:"operationType"`
	Payload       json.RawMessage   `json:"payload"`
	Priority      int               `json:"priority"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     string            `json:"createdAt"`
	Attempt       int               `json:"attempt"`
}

type pushRequest struct {
	Operations []pushOperation `json:"operations"`
}

type pushResult struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

type pushResponse struct {
	Results []pushResult `json:"results"`
}

// Submit pushes a single operation
func (t *HTTPTransport) Submit(ctx context.Context, op *syncop.Operation) Result {
	results, err := t.SubmitBatch(ctx, []*syncop.Operation{op})
	if err != nil {
		return Result{OperationID: op.ID, Kind: KindNotAttempted, Message: err.Error()}
	}
	return results[0]
}

// SubmitBatch pushes ops in one request and returns a result for every operation,
// in the order given. The error is non-nil only when ctx ended first.
func (t *HTTPTransport) SubmitBatch(ctx context.Context, ops []*syncop.Operation) ([]Result, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	correlationID := uuid.New().String()
	logger := log.With().
		Str("url", t.baseURL+t.pushPath).
		Str("correlationId", correlationID).
		Int("size", len(ops)).
		Logger()

	results := make(map[string]Result, len(ops))
	var send []*syncop.Operation
	body := pushRequest{Operations: make([]pushOperation, 0, len(ops))}
	for _, op := range ops {
		payload := json.RawMessage(op.Payload)
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		if !json.Valid(payload) {
			// Never accepted by the backend, no point retrying
			results[op.ID] = Result{OperationID: op.ID, Kind: KindPermanent, Message: "payload is not valid JSON"}
			continue
		}
		send = append(send, op)
		body.Operations = append(body.Operations, pushOperation{
			ID:            op.ID,
			EntityType:    op.EntityType,
			EntityID:      op.EntityID,
			OperationType: string(op.Type),
			Payload:       payload,
			Priority:      op.Priority,
			Metadata:      op.Metadata,
			CreatedAt:     syncx.RFC3339(op.CreatedAt.UnixMilli()),
			Attempt:       op.RetryCount + 1,
		})
	}

	if len(send) > 0 {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode batch: %w", err)
		}

		batch, err := t.push(ctx, raw, send, &logger, correlationID, 0)
		if err != nil {
			return nil, err
		}
		for _, r := range batch {
			results[r.OperationID] = r
		}
	}

	out := make([]Result, len(ops))
	for i, op := range ops {
		r, ok := results[op.ID]
		if !ok {
			r = Result{OperationID: op.ID, Kind: KindTransient, Message: "no result for operation"}
		}
		out[i] = r
	}
	return out, nil
}

// push performs one request attempt and classifies the response
func (t *HTTPTransport) push(ctx context.Context, raw []byte, ops []*syncop.Operation, logger *zerolog.Logger, correlationID string, retryCount int) ([]Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+t.pushPath, bytes.NewReader(raw))
	if err != nil {
		return Permanent(ops, fmt.Sprintf("invalid backend url: %v", err)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", correlationID)
	if t.deviceID != "" {
		req.Header.Set("X-Device-ID", t.deviceID)
	}

	// Inject authentication headers (fresh on each attempt)
	if t.tokens == nil {
		req.Header.Set("X-Debug-Sub", t.debugSub)
	} else {
		token, err := t.tokens.Token(ctx)
		if err != nil {
			return Transient(ops, fmt.Sprintf("failed to get auth token: %v", err), 0), nil
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn().Err(err).Dur("duration", duration).Msg("push request failed")
		return Transient(ops, err.Error(), 0), nil
	}
	defer resp.Body.Close()

	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Int("retryCount", retryCount).
		Msg("push request completed")

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if t.tokens != nil && retryCount == 0 {
			logger.Warn().Msg("401 Unauthorized - invalidating token and retrying")
			t.tokens.Invalidate()
			return t.push(ctx, raw, ops, logger, correlationID, retryCount+1)
		}
		return Transient(ops, statusError(resp).Error(), 0), nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var decoded pushResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			logger.Warn().Err(err).Msg("undecodable push response")
			return Transient(ops, fmt.Sprintf("undecodable response: %v", err), 0), nil
		}
		return decodeResults(decoded), nil

	case retryableStatus(resp.StatusCode):
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		logger.Warn().Int("status", resp.StatusCode).Dur("retryAfter", retryAfter).Msg("backend unavailable")
		return Transient(ops, statusError(resp).Error(), retryAfter), nil

	default:
		serr := statusError(resp)
		logger.Warn().Int("status", resp.StatusCode).Str("body", serr.Body).Msg("batch rejected by backend")
		return Permanent(ops, serr.Error()), nil
	}
}

func decodeResults(resp pushResponse) []Result {
	out := make([]Result, 0, len(resp.Results))
	for _, r := range resp.Results {
		res := Result{OperationID: r.ID, Message: r.Error}
		switch r.Status {
		case "applied":
			res.Kind = KindSuccess
		case "rejected":
			res.Kind = KindPermanent
		case "retry":
			res.Kind = KindTransient
			res.RetryAfter = time.Duration(r.RetryAfterMs) * time.Millisecond
		default:
			res.Kind = KindTransient
			if res.Message == "" {
				res.Message = fmt.Sprintf("unknown result status %q", r.Status)
			}
		}
		out = append(out, res)
	}
	return out
}

// retryableStatus reports whether a whole-batch HTTP failure is worth retrying
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

func statusError(resp *http.Response) *StatusError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// parseRetryAfter parses the Retry-After header
// Supports both integer seconds and HTTP-date format
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

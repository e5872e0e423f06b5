package syncx

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor represents a position in an operation listing
// Format: base64("<created_at_ms>|<seq>")
// (created_at_ms, seq) is the queue's causal order, so pagination is deterministic
type Cursor struct {
	Ms  int64 // Unix milliseconds of the last operation's creation time
	Seq int64 // Store-assigned sequence (tie-breaker within the same millisecond)
}

// IsZero reports whether c is the start-of-listing cursor
func (c Cursor) IsZero() bool {
	return c.Ms == 0 && c.Seq == 0
}

// EncodeCursor creates a base64-encoded cursor string
// Returns empty string for zero-value cursor
func EncodeCursor(c Cursor) string {
	if c.IsZero() {
		return ""
	}
	raw := fmt.Sprintf("%d|%d", c.Ms, c.Seq)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor string
// Returns zero-value cursor and false if invalid or empty
func DecodeCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}

	parts := strings.Split(string(b), "|")
	if len(parts) != 2 {
		return Cursor{}, false
	}

	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, false
	}

	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || seq < 0 {
		return Cursor{}, false
	}

	return Cursor{Ms: ms, Seq: seq}, true
}

// RFC3339 converts Unix milliseconds to RFC3339 timestamp string
func RFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// NowMs returns current Unix milliseconds timestamp (UTC)
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}

// MsPtr converts an optional time to optional Unix milliseconds
func MsPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// TimePtr converts optional Unix milliseconds back to an optional UTC time
func TimePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

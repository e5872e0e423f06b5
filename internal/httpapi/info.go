package httpapi

import (
	"net/http"

	"github.com/ereezyy/synai-sync/internal/scheduler"
	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/ereezyy/synai-sync/internal/syncx"
)

// APIVersion is reported by GET /v1/info
const APIVersion = "1.0"

// ServerInfo describes the running queue and how clients should use the API
type ServerInfo struct {
	APIVersion string                `json:"apiVersion"`
	ServerTime string                `json:"serverTime"`
	Online     bool                  `json:"online"`
	Running    bool                  `json:"running"`
	Counts     map[syncop.Status]int `json:"counts"`
	LastPass   *scheduler.PassReport `json:"lastPass,omitempty"`
	RateLimit  *RateLimitInfo        `json:"rateLimit,omitempty"`
	Hints      *SyncHints            `json:"hints,omitempty"`
}

// RateLimitInfo describes the flush rate limiting policy
type RateLimitInfo struct {
	WindowSeconds int `json:"windowSeconds"` // e.g. 60
	MaxRequests   int `json:"maxRequests"`   // per window
	Burst         int `json:"burst"`         // token bucket size
}

// DefaultRateLimitConfig allows 30 flushes a minute with a burst of 5
var DefaultRateLimitConfig = RateLimitInfo{
	WindowSeconds: 60,
	MaxRequests:   30,
	Burst:         5,
}

// SyncHints provides recommendations for client behavior
type SyncHints struct {
	RecommendedBatch int `json:"recommendedBatch"`
	MaxListLimit     int `json:"maxListLimit"`
}

// Info handles GET /v1/info
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Queue.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	info := ServerInfo{
		APIVersion: APIVersion,
		ServerTime: syncx.RFC3339(syncx.NowMs()),
		Online:     s.online(),
		Counts:     counts,
		RateLimit:  &s.RateLimitConfig,
		Hints: &SyncHints{
			RecommendedBatch: s.batchSize(),
			MaxListLimit:     maxListLimit,
		},
	}
	if s.Scheduler != nil {
		info.Running = s.Scheduler.Running()
		info.LastPass = s.Scheduler.LastPass()
	}

	writeJSON(w, http.StatusOK, info)
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/masroof-app/masroof-api/internal/registry"
	"github.com/masroof-app/masroof-api/internal/syncx"
)

const (
	apiVersion       = "1.0"
	minClientVersion = "0.1.0"
)

// ServerInfo represents the server's capabilities and configuration
type ServerInfo struct {
	APIVersion       string                      `json:"api_version"`
	ServerTime       string                      `json:"server_time"`
	Entities         map[string]EntityCapability `json:"entities"`
	Locking          LockingCapability           `json:"locking"`
	MinClientVersion string                      `json:"min_client_version"`
	RateLimit        *RateLimitInfo              `json:"rate_limit,omitempty"`
	Hints            *SyncHints                  `json:"hints,omitempty"`
}

// SyncHints provides recommendations for client behavior
type SyncHints struct {
	RecommendedBatch int `json:"recommended_batch"` // safe push batch size
	BackoffMsOn429   int `json:"backoff_ms_on_429"` // default backoff if Retry-After missing
}

// EntityCapability describes capabilities for a specific entity type
type EntityCapability struct {
	MaxLimit int  `json:"max_limit"`
	Push     bool `json:"push"`
	Pull     bool `json:"pull"`
}

// LockingCapability describes sync locking/session support
type LockingCapability struct {
	Supported bool   `json:"supported"`
	Mode      string `json:"mode"`
}

// Info handles GET /api/v1/sync/info
// Returns server capabilities, API version, and supported features
// This endpoint can be called without authentication to allow capability discovery
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	cfg := s.rateLimitConfig()
	info := ServerInfo{
		APIVersion:       apiVersion,
		ServerTime:       syncx.FormatTime(time.Now()),
		Entities:         entityCapabilities(),
		Locking:          LockingCapability{Supported: false, Mode: "none"},
		MinClientVersion: minClientVersion,
		RateLimit:        &cfg,
		Hints: &SyncHints{
			RecommendedBatch: registry.MaxPushItems,
			BackoffMsOn429:   1500,
		},
	}

	writeJSON(w, http.StatusOK, info)
}

// entityCapabilities derives the capability map from the registry:
// every registered type pulls, pull-only types refuse push.
func entityCapabilities() map[string]EntityCapability {
	names := registry.PullTypes()
	caps := make(map[string]EntityCapability, len(names))
	for _, name := range names {
		d, ok := registry.Lookup(name)
		if !ok {
			continue
		}
		caps[name] = EntityCapability{
			MaxLimit: registry.MaxPullLimit,
			Push:     !d.PullOnly,
			Pull:     true,
		}
	}
	return caps
}

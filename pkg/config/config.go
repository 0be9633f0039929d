// Package config holds process settings for the load balancer.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// RpcEntry names one upstream endpoint. WSURL is empty when the endpoint
// has no WebSocket port.
type RpcEntry struct {
	URL   string
	WSURL string
}

// Settings is the full configuration surface.
type Settings struct {
	// Address is the HTTP listen address for client traffic.
	Address string

	// AdminAddress is the listen address of the admin namespace.
	AdminAddress string

	// AdminEnabled starts the admin namespace when true.
	AdminEnabled bool

	// DoClear wipes the response cache on startup.
	DoClear bool

	// HealthCheck enables the background health-check loop.
	HealthCheck bool

	// IsWS enables the upstream WebSocket layer. Requires every entry in
	// Rpcs to carry a WS URL.
	IsWS bool

	// TTL is the per-query timeout for upstream calls.
	TTL time.Duration

	// HealthCheckTTL is the pause between health-check cycles.
	HealthCheckTTL time.Duration

	// MaxConsecutive caps how many times in a row one node is picked.
	MaxConsecutive uint

	// MinTimeDelta is the minimum pause before the same node is picked again.
	MinTimeDelta time.Duration

	// CacheDir is the response cache directory.
	CacheDir string

	// CacheCompression compresses cached values when true.
	CacheCompression bool

	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string

	// LogJSON switches log output from console text to JSON.
	LogJSON bool

	// Rpcs is the upstream endpoint list.
	Rpcs []RpcEntry
}

// Default returns the settings used when nothing is overridden.
func Default() Settings {
	return Settings{
		Address:          "127.0.0.1:3000",
		AdminAddress:     "127.0.0.1:5715",
		AdminEnabled:     false,
		DoClear:          false,
		HealthCheck:      true,
		IsWS:             false,
		TTL:              300 * time.Millisecond,
		HealthCheckTTL:   400 * time.Millisecond,
		MaxConsecutive:   150,
		MinTimeDelta:     0,
		CacheDir:         "blutgang-cache",
		CacheCompression: false,
		LogLevel:         "info",
		LogJSON:          false,
	}
}

// Validate reports configuration mistakes that would break startup.
func (s *Settings) Validate() error {
	if len(s.Rpcs) == 0 {
		return fmt.Errorf("no RPC endpoints configured")
	}
	for _, e := range s.Rpcs {
		if !strings.HasPrefix(e.URL, "http://") && !strings.HasPrefix(e.URL, "https://") {
			return fmt.Errorf("rpc %q: URL must start with http:// or https://", e.URL)
		}
		if s.IsWS && e.WSURL == "" {
			return fmt.Errorf("rpc %q: ws mode requires a WS URL for every endpoint", e.URL)
		}
		if e.WSURL != "" && !strings.HasPrefix(e.WSURL, "ws://") && !strings.HasPrefix(e.WSURL, "wss://") {
			return fmt.Errorf("rpc %q: WS URL must start with ws:// or wss://", e.URL)
		}
	}
	if s.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if s.HealthCheckTTL <= 0 {
		return fmt.Errorf("health_check_ttl must be positive")
	}
	if s.Address == "" {
		return fmt.Errorf("address must not be empty")
	}
	if s.AdminEnabled && s.AdminAddress == "" {
		return fmt.Errorf("admin_address must not be empty when the admin namespace is enabled")
	}
	return nil
}

// ParseRpcList parses a comma-separated endpoint list. Each element is
// either a plain URL or "url|ws_url".
func ParseRpcList(list string) ([]RpcEntry, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	var entries []RpcEntry
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.SplitN(raw, "|", 2)
		e := RpcEntry{URL: parts[0]}
		if len(parts) == 2 {
			e.WSURL = parts[1]
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("rpc list %q contains no endpoints", list)
	}
	return entries, nil
}

// Store guards settings that the admin namespace may change while the
// health loop and request path read them.
type Store struct {
	mu sync.RWMutex
	s  Settings
}

// NewStore wraps settings for shared access.
func NewStore(s Settings) *Store {
	return &Store{s: s}
}

// Snapshot returns a copy of the current settings.
func (st *Store) Snapshot() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// TTL returns the per-query timeout.
func (st *Store) TTL() time.Duration {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.TTL
}

// SetTTL replaces the per-query timeout.
func (st *Store) SetTTL(d time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.TTL = d
}

// HealthCheckTTL returns the pause between health-check cycles.
func (st *Store) HealthCheckTTL() time.Duration {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.HealthCheckTTL
}

// SetHealthCheckTTL replaces the health-check pause.
func (st *Store) SetHealthCheckTTL(d time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.HealthCheckTTL = d
}

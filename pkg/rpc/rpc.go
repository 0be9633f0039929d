package rpc

import (
	"net/http"
	"time"
)

// defaultClient is shared by every node handle. Per-call deadlines come from
// the caller's context, so the client itself carries no timeout.
var defaultClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	},
}

// Status is the mutable health state of a node handle.
type Status struct {
	// IsErroring marks a node considered unhealthy. Pool membership, not
	// this flag, decides routing; the flag exists so one repartitioning
	// pass can mark nodes and filter them in a second step.
	IsErroring bool

	// Latency is a moving average over successful calls.
	Latency time.Duration
}

// Rpc is a handle to one upstream JSON-RPC endpoint. Handles are plain
// values: copying one is cheap and copies share the underlying HTTP client,
// so a handle can be snapshotted out of a pool and used without holding any
// lock.
type Rpc struct {
	// URL is the HTTP endpoint and the handle's identity.
	URL string

	// WSURL is the WebSocket endpoint, empty when the node has none.
	WSURL string

	Status Status

	// MaxConsecutive caps how many times in a row selection may return
	// this node.
	MaxConsecutive uint

	// Consecutive counts how many times in a row this node was selected.
	Consecutive uint

	// MinTimeDelta is the minimum pause between selections of this node.
	MinTimeDelta time.Duration

	// LastUsed is when selection last returned this node.
	LastUsed time.Time

	client *http.Client
}

// NewRpc builds a handle for one endpoint.
func NewRpc(url, wsURL string, maxConsecutive uint, minTimeDelta time.Duration) Rpc {
	return Rpc{
		URL:            url,
		WSURL:          wsURL,
		MaxConsecutive: maxConsecutive,
		MinTimeDelta:   minTimeDelta,
		client:         defaultClient,
	}
}

// ObserveLatency folds one measured round trip into the moving average.
func (r *Rpc) ObserveLatency(d time.Duration) {
	if r.Status.Latency == 0 {
		r.Status.Latency = d
		return
	}
	r.Status.Latency = (r.Status.Latency*7 + d) / 8
}

package health

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// NamedBlockNumbers tracks the heights behind the named block tags so
// request normalization can resolve them without an upstream round
// trip. Heights start at 0, meaning not observed yet; the agreed head
// can move backwards when the chain reorganizes.
type NamedBlockNumbers struct {
	mu        sync.RWMutex
	latest    uint64
	earliest  uint64
	safe      uint64
	finalized uint64
	pending   uint64
}

// NewNamedBlockNumbers creates an empty tag tracker.
func NewNamedBlockNumbers() *NamedBlockNumbers {
	return &NamedBlockNumbers{}
}

// Resolve maps a named block tag to its last known height. The second
// return is false for unknown tags and for tags that have not been
// observed yet, with the exception of "earliest", which is always the
// genesis block. "pending" never resolves: there is no stable height
// behind it.
func (n *NamedBlockNumbers) Resolve(tag string) (uint64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var v uint64
	switch tag {
	case "latest":
		v = n.latest
	case "earliest":
		return n.earliest, true
	case "safe":
		v = n.safe
	case "finalized":
		v = n.finalized
	case "pending":
		return 0, false
	default:
		return 0, false
	}
	if v == 0 {
		return 0, false
	}
	return v, true
}

// Latest returns the last agreed chain head.
func (n *NamedBlockNumbers) Latest() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.latest
}

// Finalized returns the last agreed finalized height.
func (n *NamedBlockNumbers) Finalized() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.finalized
}

// Safe returns the last agreed safe height.
func (n *NamedBlockNumbers) Safe() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.safe
}

// SetLatest records a newer agreed chain head.
func (n *NamedBlockNumbers) SetLatest(v uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latest = v
}

// SetFinalized records a newer agreed finalized height.
func (n *NamedBlockNumbers) SetFinalized(v uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finalized = v
}

// SetSafe records a newer agreed safe height.
func (n *NamedBlockNumbers) SetSafe(v uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.safe = v
}

// SafeBlock probes every active node for its finalized and safe
// heights and records the highest answers. Probes that fail are
// skipped rather than failing the pass. The finalized height also
// goes out on the watch channel for the cache expiry loop.
func (c *Checker) SafeBlock(ctx context.Context) (uint64, error) {
	nodes := c.registry.Active()
	if len(nodes) == 0 {
		return 0, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.HealthCheckTTL())
	defer cancel()

	var (
		mu        sync.Mutex
		finalized uint64
		safe      uint64
	)

	g, probeCtx := errgroup.WithContext(probeCtx)
	for i := range nodes {
		node := nodes[i]
		g.Go(func() error {
			fin, err := node.FinalizedBlockNumber(probeCtx)
			if err != nil {
				c.log.Debug().
					Err(err).
					Str("rpc", node.URL).
					Msg("finalized block probe failed")
				return nil
			}
			sfe, err := node.SafeBlockNumber(probeCtx)
			if err != nil {
				sfe = 0
			}

			mu.Lock()
			if fin > finalized {
				finalized = fin
			}
			if sfe > safe {
				safe = sfe
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if finalized > 0 {
		c.named.SetFinalized(finalized)
		c.finalized.Set(finalized)
	}
	if safe > 0 {
		c.named.SetSafe(safe)
	}
	return finalized, nil
}

// Package health arbitrates which upstream nodes stay in the active
// pool.
//
// The checker periodically probes every node for its chain head,
// demotes nodes that fall behind the agreed head to the poverty list
// and promotes parked nodes that caught back up. A separate listener
// reacts to dropped websocket connections by quarantining the node
// immediately instead of waiting for the next probe cycle.
//
// The agreed head is the highest head reported in a probe pass. Nodes
// that time out or error report a head of 0, which the arbitration
// treats like any other lagging head.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/piavgh/blutgang/internal/log"
	"github.com/piavgh/blutgang/internal/watch"
	"github.com/piavgh/blutgang/pkg/config"
	"github.com/piavgh/blutgang/pkg/pool"
	"github.com/piavgh/blutgang/pkg/rpc"
)

// HeadResult is one node's answer to a head probe, tagged with the
// position the node held in the list snapshot when the probe started.
// Results arrive in completion order, not list order.
type HeadResult struct {
	Index int
	Head  uint64
}

// Checker owns the arbitration loop over a node registry.
type Checker struct {
	registry  *pool.Registry
	cfg       *config.Store
	named     *NamedBlockNumbers
	heads     *watch.Watch[uint64]
	finalized *watch.Watch[uint64]
	mover     SubscriptionMover
	reconn    Reconnector
	log       zerolog.Logger
}

// NewChecker creates a checker over registry. Probe timeouts and the
// loop interval are read from cfg on every cycle so admin updates take
// effect without a restart.
func NewChecker(registry *pool.Registry, cfg *config.Store) *Checker {
	return &Checker{
		registry:  registry,
		cfg:       cfg,
		named:     NewNamedBlockNumbers(),
		heads:     watch.New(uint64(0)),
		finalized: watch.New(uint64(0)),
		log:       log.WithComponent("health"),
	}
}

// Named returns the tracker for named block tag heights.
func (c *Checker) Named() *NamedBlockNumbers {
	return c.named
}

// Heads returns the watch carrying newly agreed chain heads. In
// websocket mode the new-heads subscription feeds the same watch.
func (c *Checker) Heads() *watch.Watch[uint64] {
	return c.heads
}

// Finalized returns the watch carrying newly agreed finalized heights.
func (c *Checker) Finalized() *watch.Watch[uint64] {
	return c.finalized
}

// SetSubscriptionMover wires the websocket layer's subscription
// migration into the dropped-connection path.
func (c *Checker) SetSubscriptionMover(m SubscriptionMover) {
	c.mover = m
}

// SetReconnector wires the websocket layer's reconnect trigger into
// the dropped-connection path.
func (c *Checker) SetReconnector(r Reconnector) {
	c.reconn = r
}

// Run executes probe cycles until the context ends. Each cycle sleeps
// for the configured health check interval, arbitrates both pools and
// then refreshes the safe block heights.
func (c *Checker) Run(ctx context.Context) error {
	for {
		interval := c.cfg.HealthCheckTTL()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		if _, err := c.CheckOnce(ctx); err != nil {
			return err
		}
		if _, err := c.SafeBlock(ctx); err != nil {
			return err
		}
	}
}

// CheckOnce runs a single arbitration pass and returns the agreed
// head. Active nodes are probed and laggards demoted first; the
// poverty list is then re-probed against the same agreed head so
// recovered nodes return in the same pass.
func (c *Checker) CheckOnce(ctx context.Context) (uint64, error) {
	ttl := c.cfg.TTL()

	heads, err := c.headCheck(ctx, c.registry.Active(), ttl)
	if err != nil {
		return 0, err
	}
	agreed := c.makePoverty(heads)

	povertyHeads, err := c.headCheck(ctx, c.registry.Poverty(), ttl)
	if err != nil {
		return 0, err
	}
	c.escapePoverty(povertyHeads, agreed)

	if agreed > 0 {
		c.named.SetLatest(agreed)
		c.heads.Set(agreed)
	}
	c.log.Debug().Uint64("agreed_head", agreed).Msg("health check pass complete")
	return agreed, nil
}

// headCheck probes every node in the snapshot for its chain head. Each
// probe runs in its own goroutine under the configured timeout; a node
// that errors or times out reports the sentinel head 0. Exactly one
// result per node is collected.
func (c *Checker) headCheck(ctx context.Context, nodes []rpc.Rpc, ttl time.Duration) ([]HeadResult, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	results := make(chan HeadResult, len(nodes))
	for i := range nodes {
		node := nodes[i]
		index := i
		go func() {
			probeCtx, cancel := context.WithTimeout(ctx, ttl)
			defer cancel()

			head, err := node.BlockNumber(probeCtx)
			if err != nil {
				head = 0
			}
			results <- HeadResult{Index: index, Head: head}
		}()
	}

	heads := make([]HeadResult, 0, len(nodes))
	for range nodes {
		select {
		case r := <-results:
			heads = append(heads, r)
		case <-ctx.Done():
			return heads, ctx.Err()
		}
	}
	return heads, nil
}

// makePoverty computes the agreed head as the highest reported head
// and demotes every node that reported less. Returns the agreed head.
func (c *Checker) makePoverty(heads []HeadResult) uint64 {
	var agreed uint64
	for _, h := range heads {
		if h.Head > agreed {
			agreed = h.Head
		}
	}

	var laggards []int
	for _, h := range heads {
		if h.Head < agreed {
			laggards = append(laggards, h.Index)
		}
	}

	for _, url := range c.registry.Demote(laggards) {
		c.log.Warn().
			Str("rpc", url).
			Uint64("agreed_head", agreed).
			Msg("node is falling behind, removing from active pool")
	}
	return agreed
}

// escapePoverty promotes every parked node that reported a head at or
// past the agreed head back to the active pool.
func (c *Checker) escapePoverty(heads []HeadResult, agreed uint64) {
	var recovered []int
	for _, h := range heads {
		if h.Head >= agreed {
			recovered = append(recovered, h.Index)
		}
	}

	for _, url := range c.registry.Promote(recovered) {
		c.log.Info().
			Str("rpc", url).
			Msg("node is following the head again, added to active pool")
	}
}

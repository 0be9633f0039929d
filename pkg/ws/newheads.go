package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/piavgh/blutgang/internal/log"
	"github.com/piavgh/blutgang/internal/watch"
	"github.com/piavgh/blutgang/pkg/rpc"
)

// newHeadsParams opens the standard new-block-headers subscription.
var newHeadsParams = json.RawMessage(`["newHeads"]`)

// WatchNewHeads subscribes to new block headers and publishes each header's
// number to heads. It blocks until ctx ends. The subscription rides the
// usual migration path when its node drops, so heads keep flowing as long
// as any node can serve them.
func WatchNewHeads(ctx context.Context, m *Manager, heads *watch.Watch[uint64]) error {
	logger := log.WithComponent("newheads")

	sink := make(chan json.RawMessage, 64)
	h, err := m.Subscribe(ctx, newHeadsParams, sink)
	if err != nil {
		return err
	}
	defer func() {
		// ctx is already done here, so give the detach its own deadline.
		dctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := m.Unsubscribe(dctx, h); err != nil {
			logger.Debug().Err(err).Msg("detach new-heads subscription")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-sink:
			var head struct {
				Number string `json:"number"`
			}
			if err := json.Unmarshal(raw, &head); err != nil {
				logger.Debug().Err(err).Msg("malformed header notification")
				continue
			}
			n, err := rpc.ParseQuantity(head.Number)
			if err != nil {
				logger.Debug().Err(err).Msg("malformed header number")
				continue
			}
			heads.Set(n)
			logger.Debug().Uint64("height", n).Msg("new chain head")
		}
	}
}

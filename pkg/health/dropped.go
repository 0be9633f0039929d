package health

import (
	"context"
	"errors"
)

// Dropped identifies a node whose websocket connection died. Index is
// the position the node held in the active list when the connection
// was opened. URL rides along so subscription migration does not
// depend on the index still resolving.
type Dropped struct {
	Index int
	URL   string
}

// SubscriptionMover re-homes client subscriptions that were served by
// a node that lost its websocket connection.
type SubscriptionMover interface {
	MoveSubscriptions(ctx context.Context, nodeURL string) error
}

// Reconnector asks the websocket layer to rebuild its connections
// against the current active list.
type Reconnector interface {
	RequestReconnect()
}

// ErrDropChannelClosed is returned by DroppedListener when the drop
// channel closes. The websocket layer is the only sender, so a closed
// channel means it is gone and the listener cannot keep the pools
// honest anymore.
var ErrDropChannelClosed = errors.New("dropped connection channel closed")

// DroppedListener consumes drop events until the channel closes or the
// context ends. Every event quarantines the dropped node, migrates its
// subscriptions and requests a reconnect.
func (c *Checker) DroppedListener(ctx context.Context, drops <-chan Dropped) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-drops:
			if !ok {
				return ErrDropChannelClosed
			}
			c.sendDroppedToPoverty(ctx, d)
		}
	}
}

// sendDroppedToPoverty parks the dropped node and cleans up after its
// connection. Subscription migration and the reconnect request run
// even when the index no longer resolves: the connection is gone no
// matter what the lists look like now.
func (c *Checker) sendDroppedToPoverty(ctx context.Context, d Dropped) {
	if node, ok := c.registry.Quarantine(d.Index); ok {
		c.log.Warn().
			Str("rpc", node.URL).
			Msg("websocket connection dropped, removing from active pool")
	} else {
		c.log.Debug().
			Int("index", d.Index).
			Str("rpc", d.URL).
			Msg("dropped node already left the active pool")
	}

	if c.mover != nil {
		if err := c.mover.MoveSubscriptions(ctx, d.URL); err != nil {
			c.log.Error().
				Err(err).
				Str("rpc", d.URL).
				Msg("could not move subscriptions off dropped node")
		}
	}
	if c.reconn != nil {
		c.reconn.RequestReconnect()
	}
}

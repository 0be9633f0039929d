// Package ws maintains WebSocket connections to the upstream nodes. A
// Manager owns one connection per active node, correlates forwarded calls
// with their replies, and reports connections that die so the health layer
// can repartition the pools. SubscriptionData tracks live eth_subscribe
// subscriptions so they can be replayed on a surviving node when their
// node drops.
package ws

import (
	"encoding/json"
	"errors"
)

// Manager errors.
var (
	// ErrNotConnected is returned when no managed connection exists for
	// the requested node.
	ErrNotConnected = errors.New("no websocket connection to node")

	// ErrNoConnections is returned when the manager holds no connections
	// at all.
	ErrNoConnections = errors.New("no websocket connections available")

	// ErrConnDropped is returned for calls that were in flight when their
	// connection died.
	ErrConnDropped = errors.New("websocket connection dropped before reply")

	// ErrSendBufferFull is returned when a node's outbound queue is full.
	ErrSendBufferFull = errors.New("websocket send queue full")

	// ErrNotSubscribed is returned when a handle does not match a live
	// subscription.
	ErrNotSubscribed = errors.New("no such subscription")
)

// MessageKind discriminates requests sent to the connection manager.
type MessageKind int

const (
	// KindCall forwards one JSON-RPC call to an upstream node.
	KindCall MessageKind = iota

	// KindReconnect rebuilds the connection set from the current active
	// list: missing nodes are dialed, departed nodes are torn down.
	KindReconnect
)

// ConnMessage is one request to the connection manager.
type ConnMessage struct {
	Kind MessageKind

	// NodeURL names the node that should serve a KindCall. Empty lets
	// the manager pick any connected node.
	NodeURL string

	// WireID is the JSON-RPC id embedded in Call. The manager matches
	// the node's reply by this id, so Call's payload must carry it.
	WireID uint64

	// Call is the raw JSON-RPC request.
	Call []byte

	// Reply receives exactly one response for a KindCall. It must have
	// capacity for it; the manager never blocks on delivery.
	Reply chan<- IncomingResponse
}

// IncomingResponse is a node's reply to a forwarded call.
type IncomingResponse struct {
	// NodeURL identifies the node that served the call.
	NodeURL string

	// Content is the full JSON-RPC response as received.
	Content json.RawMessage

	// Err is set when the call could not complete.
	Err error
}

// ChannelErr identifies a node whose WebSocket connection died. Index is
// the position the node held in the active list when the connection was
// last reconciled; the pools may have shifted since, so consumers treat
// it as a hint and rely on URL for anything that must be exact.
type ChannelErr struct {
	Index int
	URL   string
}

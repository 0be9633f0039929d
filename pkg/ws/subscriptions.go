package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/piavgh/blutgang/internal/log"
)

// methodSubscription marks notification frames pushed by a node.
const methodSubscription = "eth_subscription"

// Caller issues JSON-RPC calls over managed connections. *Manager is the
// production implementation; tests substitute their own.
type Caller interface {
	// Call sends one request to the node at nodeURL and returns the
	// decoded result.
	Call(ctx context.Context, nodeURL, method string, params interface{}) (json.RawMessage, error)

	// ActiveURLs lists nodes eligible to serve subscriptions.
	ActiveURLs() []string
}

// SubHandle identifies one consumer's attachment to a subscription.
type SubHandle struct {
	key  string
	sink uint64
}

// subEntry is one live upstream subscription. Identical params share a
// single entry, so one upstream stream can feed any number of sinks.
type subEntry struct {
	// id and nodeURL are rewritten when the subscription migrates; both
	// are guarded by SubscriptionData.mu.
	id      string
	nodeURL string
	key     string
	params  json.RawMessage

	mu    sync.Mutex
	sinks map[uint64]chan<- json.RawMessage
}

func (e *subEntry) addSink(h uint64, sink chan<- json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks[h] = sink
}

func (e *subEntry) removeSink(h uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sinks[h]; !ok {
		return false
	}
	delete(e.sinks, h)
	return true
}

func (e *subEntry) sinkCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sinks)
}

func (e *subEntry) snapshotSinks() []chan<- json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]chan<- json.RawMessage, 0, len(e.sinks))
	for _, sink := range e.sinks {
		out = append(out, sink)
	}
	return out
}

// SubscriptionData tracks live upstream subscriptions: which node serves
// each one, the params that opened it, and the sinks consuming it.
// Dispatch runs lock-free on the read path; Subscribe, Unsubscribe and
// Move serialize on a single mutex.
type SubscriptionData struct {
	mu sync.Mutex

	// byID is keyed by the current upstream subscription id.
	byID *xsync.MapOf[string, *subEntry]

	// byParams deduplicates subscriptions with identical params.
	byParams *xsync.MapOf[string, *subEntry]

	// orphans holds notifications whose id is not registered yet. A node
	// may push the first notification before the eth_subscribe reply has
	// been processed; registration replays any stashed match.
	orphanMu sync.Mutex
	orphans  []orphanNote

	nextSink atomic.Uint64
	log      zerolog.Logger
}

type orphanNote struct {
	id     string
	result json.RawMessage
}

// maxOrphans caps the stash of early notifications.
const maxOrphans = 64

// NewSubscriptionData returns an empty subscription table.
func NewSubscriptionData() *SubscriptionData {
	return &SubscriptionData{
		byID:     xsync.NewMapOf[string, *subEntry](),
		byParams: xsync.NewMapOf[string, *subEntry](),
		log:      log.WithComponent("subscriptions"),
	}
}

// Len reports the number of live upstream subscriptions.
func (s *SubscriptionData) Len() int {
	n := 0
	s.byID.Range(func(string, *subEntry) bool {
		n++
		return true
	})
	return n
}

// Assignments maps each live subscription id to the node serving it.
func (s *SubscriptionData) Assignments() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	s.byID.Range(func(id string, e *subEntry) bool {
		out[id] = e.nodeURL
		return true
	})
	return out
}

// Subscribe attaches sink to the subscription identified by params,
// opening it upstream when no matching one exists yet.
func (s *SubscriptionData) Subscribe(ctx context.Context, c Caller, params json.RawMessage, sink chan<- json.RawMessage) (SubHandle, error) {
	key := string(params)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byParams.Load(key); ok {
		h := s.nextSink.Add(1)
		e.addSink(h, sink)
		return SubHandle{key: key, sink: h}, nil
	}

	id, nodeURL, err := s.open(ctx, c, params, "")
	if err != nil {
		return SubHandle{}, err
	}
	h := s.nextSink.Add(1)
	e := &subEntry{
		id:      id,
		nodeURL: nodeURL,
		key:     key,
		params:  append(json.RawMessage(nil), params...),
		sinks:   map[uint64]chan<- json.RawMessage{h: sink},
	}
	s.byParams.Store(key, e)
	s.byID.Store(id, e)
	s.replayOrphans(id, e)
	s.log.Info().Str("node", nodeURL).Str("subscription", id).RawJSON("params", e.params).
		Msg("subscription opened")
	return SubHandle{key: key, sink: h}, nil
}

// Unsubscribe detaches the handle's sink. The upstream subscription is
// closed once its last sink is gone; upstream failures are logged, not
// returned, since the local state is already cleaned up.
func (s *SubscriptionData) Unsubscribe(ctx context.Context, c Caller, h SubHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byParams.Load(h.key)
	if !ok {
		return ErrNotSubscribed
	}
	if !e.removeSink(h.sink) {
		return ErrNotSubscribed
	}
	if e.sinkCount() > 0 {
		return nil
	}

	s.byParams.Delete(h.key)
	s.byID.Delete(e.id)
	if _, err := c.Call(ctx, e.nodeURL, "eth_unsubscribe", []interface{}{e.id}); err != nil {
		s.log.Debug().Err(err).Str("subscription", e.id).Msg("upstream unsubscribe failed")
	}
	s.log.Info().Str("subscription", e.id).Msg("subscription closed")
	return nil
}

// Dispatch fans one eth_subscription notification out to the sinks of the
// subscription it belongs to. Notifications for an id nobody tracks yet
// are stashed for replay; stale ids age out of the stash.
func (s *SubscriptionData) Dispatch(raw []byte) {
	var note struct {
		Params struct {
			Subscription string          `json:"subscription"`
			Result       json.RawMessage `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &note); err != nil {
		s.log.Debug().Err(err).Msg("discarding malformed subscription notification")
		return
	}
	e, ok := s.byID.Load(note.Params.Subscription)
	if !ok {
		s.stash(note.Params.Subscription, note.Params.Result)
		return
	}
	deliver(e, note.Params.Result)
}

func deliver(e *subEntry, result json.RawMessage) {
	for _, sink := range e.snapshotSinks() {
		select {
		case sink <- result:
		default:
			// Slow consumer; drop rather than stall the read pump.
		}
	}
}

func (s *SubscriptionData) stash(id string, result json.RawMessage) {
	s.orphanMu.Lock()
	defer s.orphanMu.Unlock()
	if len(s.orphans) >= maxOrphans {
		s.orphans = s.orphans[1:]
	}
	s.orphans = append(s.orphans, orphanNote{id: id, result: result})
}

// replayOrphans delivers notifications that raced ahead of their
// subscription's registration.
func (s *SubscriptionData) replayOrphans(id string, e *subEntry) {
	s.orphanMu.Lock()
	var matched []json.RawMessage
	kept := s.orphans[:0]
	for _, o := range s.orphans {
		if o.id == id {
			matched = append(matched, o.result)
			continue
		}
		kept = append(kept, o)
	}
	s.orphans = kept
	s.orphanMu.Unlock()

	for _, result := range matched {
		deliver(e, result)
	}
}

// Move replays every subscription served by nodeURL on a surviving node
// and remaps its id. Subscriptions that cannot be replayed anywhere are
// discarded; their sinks simply stop receiving.
func (s *SubscriptionData) Move(ctx context.Context, c Caller, nodeURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var moving []*subEntry
	s.byID.Range(func(id string, e *subEntry) bool {
		if e.nodeURL == nodeURL {
			moving = append(moving, e)
		}
		return true
	})
	if len(moving) == 0 {
		return nil
	}

	var failed int
	for _, e := range moving {
		s.byID.Delete(e.id)
		id, newURL, err := s.open(ctx, c, e.params, nodeURL)
		if err != nil {
			failed++
			s.byParams.Delete(e.key)
			s.log.Error().Err(err).Str("node", nodeURL).RawJSON("params", e.params).
				Msg("could not move subscription to a surviving node")
			continue
		}
		e.id = id
		e.nodeURL = newURL
		s.byID.Store(id, e)
		s.replayOrphans(id, e)
		s.log.Info().Str("from", nodeURL).Str("to", newURL).Str("subscription", id).
			Msg("subscription moved")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d subscriptions could not be moved off %s", failed, len(moving), nodeURL)
	}
	return nil
}

// open subscribes upstream, trying each active node except skip until one
// accepts.
func (s *SubscriptionData) open(ctx context.Context, c Caller, params json.RawMessage, skip string) (string, string, error) {
	urls := c.ActiveURLs()
	var lastErr error
	tried := 0
	for _, url := range urls {
		if url == skip {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		tried++
		result, err := c.Call(ctx, url, "eth_subscribe", params)
		if err != nil {
			lastErr = err
			continue
		}
		var subID string
		if err := json.Unmarshal(result, &subID); err != nil {
			lastErr = fmt.Errorf("decode subscription id from %s: %w", url, err)
			continue
		}
		return subID, url, nil
	}
	if tried == 0 {
		return "", "", ErrNoConnections
	}
	return "", "", fmt.Errorf("subscribe failed on every node: %w", lastErr)
}

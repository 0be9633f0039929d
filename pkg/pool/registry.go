// Package pool tracks which upstream nodes may serve traffic.
//
// Nodes live in one of two lists. The active list serves requests and
// the poverty list parks nodes that fell behind the agreed chain head
// or lost their websocket connection. The health checker moves nodes
// between the lists through the compound operations on Registry; the
// balancer only ever touches the active list through Pick.
//
// List membership is the source of truth for routing. The erroring
// mark on a node is bookkeeping for a single arbitration pass: every
// node parked in poverty carries the mark, no active node does, and
// Demote, Promote and Quarantine preserve that. All compound
// operations tolerate stale indexes by skipping them, so callers may
// compute decisions against a snapshot without holding the lock.
package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/piavgh/blutgang/pkg/rpc"
)

// ErrNoRpcs is returned by Pick when the active list is empty.
var ErrNoRpcs = errors.New("no rpcs in the active list")

// Registry holds the active and poverty lists behind one lock.
//
// A single mutex covers both lists so that moves between them are
// atomic: no reader can observe a node in both lists or in neither.
type Registry struct {
	mu      sync.RWMutex
	active  []rpc.Rpc
	poverty []rpc.Rpc
}

// NewRegistry creates a registry with every node in the active list.
func NewRegistry(nodes []rpc.Rpc) *Registry {
	active := make([]rpc.Rpc, len(nodes))
	copy(active, nodes)
	return &Registry{active: active}
}

// ActiveLen returns the number of nodes currently serving traffic.
func (r *Registry) ActiveLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// PovertyLen returns the number of nodes currently parked.
func (r *Registry) PovertyLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.poverty)
}

// Active returns a copy of the active list. The copies share the
// underlying HTTP client with the registry entries, so callers can
// probe them directly.
func (r *Registry) Active() []rpc.Rpc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]rpc.Rpc, len(r.active))
	copy(out, r.active)
	return out
}

// Poverty returns a copy of the poverty list.
func (r *Registry) Poverty() []rpc.Rpc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]rpc.Rpc, len(r.poverty))
	copy(out, r.poverty)
	return out
}

// ActiveURLs returns the URLs of the active list in order.
func (r *Registry) ActiveURLs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	urls := make([]string, len(r.active))
	for i, node := range r.active {
		urls[i] = node.URL
	}
	return urls
}

// PovertyURLs returns the URLs of the poverty list in order.
func (r *Registry) PovertyURLs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	urls := make([]string, len(r.poverty))
	for i, node := range r.poverty {
		urls[i] = node.URL
	}
	return urls
}

// Add appends a node to the active list.
func (r *Registry) Add(node rpc.Rpc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node.Status.IsErroring = false
	r.active = append(r.active, node)
}

// RemoveActive removes the active node at index and returns it.
// A stale index leaves the list untouched and reports false.
func (r *Registry) RemoveActive(index int) (rpc.Rpc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.active) {
		return rpc.Rpc{}, false
	}
	node := r.active[index]
	r.active = append(r.active[:index], r.active[index+1:]...)
	return node, true
}

// RemoveURL removes the node with the given URL from whichever list
// holds it and returns it. The admin namespace identifies nodes by
// URL because positions shift under it as the health loop works.
func (r *Registry) RemoveURL(url string) (rpc.Rpc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, node := range r.active {
		if node.URL == url {
			r.active = append(r.active[:i], r.active[i+1:]...)
			return node, true
		}
	}
	for i, node := range r.poverty {
		if node.URL == url {
			r.poverty = append(r.poverty[:i], r.poverty[i+1:]...)
			return node, true
		}
	}
	return rpc.Rpc{}, false
}

// Demote parks the active nodes at the given indexes. Each node is
// marked erroring, appended to the poverty list and then removed from
// the active list in one filter pass, so the outcome does not depend
// on index order. Stale or repeated indexes are skipped. Returns the
// URLs of the nodes that actually moved.
func (r *Registry) Demote(indexes []int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var demoted []string
	for _, i := range indexes {
		if i < 0 || i >= len(r.active) {
			continue
		}
		if r.active[i].Status.IsErroring {
			continue
		}
		r.active[i].Status.IsErroring = true
		r.poverty = append(r.poverty, r.active[i])
		demoted = append(demoted, r.active[i].URL)
	}
	if len(demoted) == 0 {
		return nil
	}

	kept := r.active[:0]
	for _, node := range r.active {
		if !node.Status.IsErroring {
			kept = append(kept, node)
		}
	}
	r.active = kept
	return demoted
}

// Promote returns the poverty nodes at the given indexes to the
// active list with their erroring mark cleared. The poverty slot is
// unmarked as well so the trailing filter pass drops it. Stale or
// repeated indexes are skipped. Returns the URLs of the nodes that
// actually moved.
func (r *Registry) Promote(indexes []int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var promoted []string
	for _, i := range indexes {
		if i < 0 || i >= len(r.poverty) {
			continue
		}
		if !r.poverty[i].Status.IsErroring {
			continue
		}
		node := r.poverty[i]
		node.Status.IsErroring = false
		r.active = append(r.active, node)
		promoted = append(promoted, node.URL)
		r.poverty[i].Status.IsErroring = false
	}
	if len(promoted) == 0 {
		return nil
	}

	kept := r.poverty[:0]
	for _, node := range r.poverty {
		if node.Status.IsErroring {
			kept = append(kept, node)
		}
	}
	r.poverty = kept
	return promoted
}

// Quarantine moves the active node at index straight to the poverty
// list in a single critical section. It is the entry point for the
// dropped-connection path, where the index was captured before the
// lock was taken: a stale index leaves both lists untouched.
func (r *Registry) Quarantine(index int) (rpc.Rpc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.active) {
		return rpc.Rpc{}, false
	}
	node := r.active[index]
	node.Status.IsErroring = true
	r.poverty = append(r.poverty, node)
	r.active = append(r.active[:index], r.active[index+1:]...)
	return node, true
}

// Pick returns a copy of the node the next request should use along
// with its position in the active list. The chosen node's usage
// counters update in place; every other node's consecutive streak
// resets, so MaxConsecutive bounds uninterrupted runs on one node.
func (r *Registry) Pick() (rpc.Rpc, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.active) == 0 {
		return rpc.Rpc{}, -1, ErrNoRpcs
	}

	choice := r.choose()
	for i := range r.active {
		if i != choice {
			r.active[i].Consecutive = 0
		}
	}
	node := &r.active[choice]
	node.Consecutive++
	node.LastUsed = time.Now()
	return *node, choice, nil
}

// choose returns the index of the fastest node that is still allowed
// to serve. A node is passed over while its consecutive-use budget is
// spent or its reuse cooldown has not elapsed. If that rules out every
// node the fastest one serves anyway: the knobs shape traffic, they
// never refuse it.
func (r *Registry) choose() int {
	if len(r.active) == 1 {
		return 0
	}

	now := time.Now()
	best := -1
	for i := range r.active {
		node := &r.active[i]
		if node.MaxConsecutive > 0 && node.Consecutive >= node.MaxConsecutive {
			continue
		}
		if node.MinTimeDelta > 0 && now.Sub(node.LastUsed) < node.MinTimeDelta {
			continue
		}
		if best < 0 || node.Status.Latency < r.active[best].Status.Latency {
			best = i
		}
	}
	if best >= 0 {
		return best
	}

	best = 0
	for i := 1; i < len(r.active); i++ {
		if r.active[i].Status.Latency < r.active[best].Status.Latency {
			best = i
		}
	}
	return best
}

// ObserveLatency folds a measured request duration into the matching
// active node's latency estimate. Nodes that left the active list
// since the measurement are ignored.
func (r *Registry) ObserveLatency(url string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.active {
		if r.active[i].URL == url {
			r.active[i].ObserveLatency(d)
			return
		}
	}
}

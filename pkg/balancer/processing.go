package balancer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/piavgh/blutgang/pkg/cache"
	"github.com/piavgh/blutgang/pkg/pool"
	"github.com/piavgh/blutgang/pkg/rpc"
)

// maxForwardAttempts bounds how many nodes one request may burn through.
const maxForwardAttempts = 3

// uncacheableMethods never hit the cache: they carry side effects, node
// state, or values that change between blocks without a height anchor.
var uncacheableMethods = map[string]struct{}{
	"eth_sendRawTransaction":          {},
	"eth_sendTransaction":             {},
	"eth_sign":                        {},
	"eth_signTransaction":             {},
	"eth_signTypedData":               {},
	"eth_newFilter":                   {},
	"eth_newBlockFilter":              {},
	"eth_newPendingTransactionFilter": {},
	"eth_getFilterChanges":            {},
	"eth_getFilterLogs":               {},
	"eth_uninstallFilter":             {},
	"eth_subscribe":                   {},
	"eth_unsubscribe":                 {},
	"eth_blockNumber":                 {},
	"eth_gasPrice":                    {},
	"eth_maxPriorityFeePerGas":        {},
	"eth_feeHistory":                  {},
	"eth_estimateGas":                 {},
	"eth_syncing":                     {},
	"eth_coinbase":                    {},
	"eth_accounts":                    {},
	"eth_mining":                      {},
	"eth_hashrate":                    {},
	"net_peerCount":                   {},
	"net_listening":                   {},
	"web3_clientVersion":              {},
}

// uncacheablePrefixes covers whole namespaces of node-local state.
var uncacheablePrefixes = []string{
	"txpool_",
	"personal_",
	"admin_",
	"debug_",
	"miner_",
	"blutgang_",
}

// blockTagPosition maps methods to the index of their block tag parameter.
// The tag is pinned to a concrete height before hashing and forwarding, so
// "latest" responses cache consistently and expire on reorgs.
var blockTagPosition = map[string]int{
	"eth_getBalance":                          1,
	"eth_getStorageAt":                        2,
	"eth_getTransactionCount":                 1,
	"eth_getCode":                             1,
	"eth_call":                                1,
	"eth_getBlockByNumber":                    0,
	"eth_getBlockTransactionCountByNumber":    0,
	"eth_getUncleCountByBlockNumber":          0,
	"eth_getTransactionByBlockNumberAndIndex": 0,
	"eth_getUncleByBlockNumberAndIndex":       0,
	"eth_getBlockReceipts":                    0,
}

// decision is the outcome of preparing one request: the body to forward
// and, when the response may be cached, the key to store it under.
type decision struct {
	cacheable bool
	key       []byte
	body      []byte
}

// process serves one request from the cache or from an upstream node.
func (s *Server) process(ctx context.Context, req rpc.Request) rpc.Response {
	if req.JSONRPC != rpc.JSONRPCVersion || req.Method == "" {
		return errorResponse(req.ID, rpc.ErrInvalidRequest)
	}

	d, err := s.prepare(req)
	if err != nil {
		return errorResponse(req.ID, rpc.ErrInvalidRequest)
	}

	if d.cacheable {
		if val, ok, err := s.store.Get(d.key); err != nil {
			s.log.Debug().Err(err).Str("method", req.Method).Msg("cache read failed")
		} else if ok {
			s.log.Debug().Str("method", req.Method).Msg("serving from cache")
			return resultResponse(req.ID, val)
		}
	}

	result, nodeErr, err := s.forward(ctx, d.body)
	if err != nil {
		return errorResponse(req.ID, rpc.UpstreamError(err))
	}
	if nodeErr != nil {
		return errorResponse(req.ID, nodeErr)
	}

	if d.cacheable && !isNullResult(result) {
		s.cacheResult(d.key, result)
	}
	return resultResponse(req.ID, result)
}

// cacheResult stores the result and anchors it to the current head so a
// reorg can expire it. Before the first agreed head nothing is cached:
// an unanchored entry could never be expired.
func (s *Server) cacheResult(key []byte, result json.RawMessage) {
	head := s.named.Latest()
	if head == 0 {
		return
	}
	if err := s.store.Set(key, result); err != nil {
		s.log.Debug().Err(err).Msg("cache write failed")
		return
	}
	if err := s.index.Track(head, key); err != nil {
		s.log.Debug().Err(err).Msg("head index write failed")
	}
}

// forward sends the request to the fastest eligible node, moving on to the
// next one when a node fails. A failed attempt is folded into the node's
// latency as a full timeout, so the selector stops favoring it.
func (s *Server) forward(ctx context.Context, body []byte) (json.RawMessage, *rpc.RPCError, error) {
	attempts := maxForwardAttempts
	if n := s.registry.ActiveLen(); n < attempts {
		attempts = n
	}
	if attempts == 0 {
		return nil, nil, pool.ErrNoRpcs
	}

	ttl := s.settings.TTL()
	var lastErr error
	for i := 0; i < attempts; i++ {
		node, _, err := s.registry.Pick()
		if err != nil {
			return nil, nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, ttl)
		start := time.Now()
		raw, err := node.SendRequest(callCtx, body)
		cancel()
		if err != nil {
			lastErr = err
			s.registry.ObserveLatency(node.URL, ttl)
			s.log.Debug().Err(err).Str("node", node.URL).Msg("forward attempt failed")
			continue
		}
		s.registry.ObserveLatency(node.URL, time.Since(start))

		var resp struct {
			Result json.RawMessage `json:"result"`
			Error  *rpc.RPCError   `json:"error"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			lastErr = fmt.Errorf("decode response from %s: %w", node.URL, err)
			continue
		}
		if resp.Error != nil {
			return nil, resp.Error, nil
		}
		if len(resp.Result) == 0 {
			return json.RawMessage("null"), nil, nil
		}
		return resp.Result, nil, nil
	}
	return nil, nil, lastErr
}

// prepare pins block tags to concrete heights and decides whether the
// response may be cached.
func (s *Server) prepare(req rpc.Request) (decision, error) {
	params, cacheable := s.resolveTags(req.Method, req.Params)
	if neverCache(req.Method) {
		cacheable = false
	}

	fwd := rpc.Request{
		JSONRPC: rpc.JSONRPCVersion,
		ID:      req.ID,
		Method:  req.Method,
		Params:  params,
	}
	body, err := json.Marshal(&fwd)
	if err != nil {
		return decision{}, err
	}

	d := decision{cacheable: cacheable, body: body}
	if !cacheable {
		return d, nil
	}

	// The key covers method and pinned params only, so identical queries
	// share an entry regardless of their request ids.
	keyForm, err := json.Marshal(&struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params,omitempty"`
	}{Method: req.Method, Params: params})
	if err != nil {
		return decision{}, err
	}
	d.key = cache.Key(keyForm)
	return d, nil
}

func neverCache(method string) bool {
	if _, ok := uncacheableMethods[method]; ok {
		return true
	}
	for _, prefix := range uncacheablePrefixes {
		if strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return false
}

// resolveTags rewrites the request's block tags to concrete heights. It
// reports false when a tag cannot be pinned yet, which makes the request
// uncacheable but still forwardable.
func (s *Server) resolveTags(method string, params json.RawMessage) (json.RawMessage, bool) {
	if method == "eth_getLogs" {
		return s.resolveLogRange(params)
	}

	pos, ok := blockTagPosition[method]
	if !ok {
		return params, true
	}
	if len(params) == 0 {
		return params, true
	}

	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || pos >= len(args) {
		return params, false
	}

	pinned, changed, cacheable := s.pinTag(args[pos])
	if !cacheable {
		return params, false
	}
	if !changed {
		return params, true
	}
	args[pos] = pinned
	out, err := json.Marshal(args)
	if err != nil {
		return params, false
	}
	return out, true
}

// resolveLogRange pins the fromBlock and toBlock fields of an eth_getLogs
// filter object.
func (s *Server) resolveLogRange(params json.RawMessage) (json.RawMessage, bool) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
		return params, false
	}

	var filter map[string]json.RawMessage
	if err := json.Unmarshal(args[0], &filter); err != nil {
		return params, false
	}
	if _, ok := filter["blockHash"]; ok {
		// A hash-pinned filter needs no rewriting.
		return params, true
	}

	changedAny := false
	for _, field := range []string{"fromBlock", "toBlock"} {
		raw, ok := filter[field]
		if !ok {
			// An absent bound defaults to "latest" on the node; without a
			// pin the response cannot be cached consistently.
			return params, false
		}
		pinned, changed, cacheable := s.pinTag(raw)
		if !cacheable {
			return params, false
		}
		if changed {
			filter[field] = pinned
			changedAny = true
		}
	}
	if !changedAny {
		return params, true
	}

	rebuilt, err := json.Marshal(filter)
	if err != nil {
		return params, false
	}
	args[0] = rebuilt
	out, err := json.Marshal(args)
	if err != nil {
		return params, false
	}
	return out, true
}

// pinTag resolves one block tag value. Quantities and non-tag values pass
// through untouched; a known tag either resolves to its current height or
// marks the request uncacheable.
func (s *Server) pinTag(raw json.RawMessage) (pinned json.RawMessage, changed, cacheable bool) {
	var tag string
	if err := json.Unmarshal(raw, &tag); err != nil {
		return raw, false, true
	}
	if strings.HasPrefix(tag, "0x") || strings.HasPrefix(tag, "0X") {
		return raw, false, true
	}
	if !isBlockTag(tag) {
		return raw, false, true
	}
	n, ok := s.named.Resolve(tag)
	if !ok {
		return raw, false, false
	}
	q, err := json.Marshal(rpc.FormatQuantity(n))
	if err != nil {
		return raw, false, false
	}
	return q, true, true
}

func isBlockTag(s string) bool {
	switch s {
	case "latest", "earliest", "safe", "finalized", "pending":
		return true
	}
	return false
}

func isNullResult(result json.RawMessage) bool {
	return len(result) == 0 || bytes.Equal(result, []byte("null"))
}

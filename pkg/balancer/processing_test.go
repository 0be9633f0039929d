package balancer

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piavgh/blutgang/pkg/cache"
	"github.com/piavgh/blutgang/pkg/config"
	"github.com/piavgh/blutgang/pkg/health"
	"github.com/piavgh/blutgang/pkg/pool"
	"github.com/piavgh/blutgang/pkg/rpc"
)

const testAddr = "0xab5801a7d398351b8be11c439e05c5b3259aec9b"

// upstream is a JSON-RPC node that records every request it serves.
type upstream struct {
	srv    *httptest.Server
	calls  atomic.Int64
	mu     sync.Mutex
	bodies [][]byte
}

func newUpstream(t *testing.T, respond func(req rpc.Request) (interface{}, *rpc.RPCError)) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read", http.StatusInternalServerError)
			return
		}
		u.calls.Add(1)
		u.mu.Lock()
		u.bodies = append(u.bodies, body)
		u.mu.Unlock()

		var req rpc.Request
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		resp := rpc.Response{JSONRPC: rpc.JSONRPCVersion, ID: req.ID}
		result, rpcErr := respond(req)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func failingUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) lastBody(t *testing.T) []byte {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	require.NotEmpty(t, u.bodies)
	return u.bodies[len(u.bodies)-1]
}

func newTestServer(t *testing.T, head uint64, ups ...*upstream) *Server {
	t.Helper()
	handles := make([]rpc.Rpc, 0, len(ups))
	for _, u := range ups {
		handles = append(handles, rpc.NewRpc(u.srv.URL, "", 0, 0))
	}
	registry := pool.NewRegistry(handles)

	store, err := cache.New(cache.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	index, err := cache.OpenHeadIndex(filepath.Join(t.TempDir(), "heads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	named := health.NewNamedBlockNumbers()
	if head > 0 {
		named.SetLatest(head)
	}

	settings := config.Default()
	settings.TTL = 2 * time.Second
	settings.Rpcs = []config.RpcEntry{{URL: "http://placeholder"}}

	return New(DefaultConfig(), config.NewStore(settings), registry, store, index, named)
}

// wireResponse keeps the result raw so tests can compare JSON directly.
type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpc.RPCError   `json:"error"`
}

func postRaw(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func postWire(t *testing.T, h http.Handler, body string) wireResponse {
	t.Helper()
	rec := postRaw(t, h, body)
	require.Equal(t, http.StatusOK, rec.Code)
	var out wireResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func balanceRequest(id int, tag string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"eth_getBalance","params":[%q,%q]}`,
		id, testAddr, tag)
}

func TestProcessForwardsAndCaches(t *testing.T) {
	u := newUpstream(t, func(req rpc.Request) (interface{}, *rpc.RPCError) {
		return "0x10", nil
	})
	s := newTestServer(t, 18193012, u)
	h := s.Handler()

	first := postWire(t, h, balanceRequest(1, "latest"))
	require.Nil(t, first.Error)
	assert.JSONEq(t, `"0x10"`, string(first.Result))

	second := postWire(t, h, balanceRequest(2, "latest"))
	require.Nil(t, second.Error)
	assert.JSONEq(t, `"0x10"`, string(second.Result))

	assert.EqualValues(t, 1, u.calls.Load(), "repeat query must be served from cache")

	keys, err := s.index.KeysAbove(18193011)
	require.NoError(t, err)
	assert.Len(t, keys, 1, "cached entry must be anchored to the agreed head")
}

func TestProcessPinsBlockTag(t *testing.T) {
	u := newUpstream(t, func(req rpc.Request) (interface{}, *rpc.RPCError) {
		return "0x10", nil
	})
	s := newTestServer(t, 18193012, u)

	resp := postWire(t, s.Handler(), balanceRequest(1, "latest"))
	require.Nil(t, resp.Error)

	var fwd rpc.Request
	require.NoError(t, json.Unmarshal(u.lastBody(t), &fwd))
	var args []string
	require.NoError(t, json.Unmarshal(fwd.Params, &args))
	require.Len(t, args, 2)
	assert.Equal(t, rpc.FormatQuantity(18193012), args[1])
}

func TestProcessNeverCachesTransactions(t *testing.T) {
	u := newUpstream(t, func(req rpc.Request) (interface{}, *rpc.RPCError) {
		return "0x5f1b9e3a40a1c7d8", nil
	})
	s := newTestServer(t, 18193012, u)
	h := s.Handler()

	body := `{"jsonrpc":"2.0","id":1,"method":"eth_sendRawTransaction","params":["0xf86c0a85"]}`
	postWire(t, h, body)
	postWire(t, h, body)
	assert.EqualValues(t, 2, u.calls.Load())
}

func TestProcessPendingTagUncached(t *testing.T) {
	u := newUpstream(t, func(req rpc.Request) (interface{}, *rpc.RPCError) {
		return "0x10", nil
	})
	s := newTestServer(t, 18193012, u)
	h := s.Handler()

	postWire(t, h, balanceRequest(1, "pending"))
	postWire(t, h, balanceRequest(2, "pending"))
	assert.EqualValues(t, 2, u.calls.Load())
}

func TestProcessNoCachingBeforeFirstHead(t *testing.T) {
	u := newUpstream(t, func(req rpc.Request) (interface{}, *rpc.RPCError) {
		return "0x10", nil
	})
	s := newTestServer(t, 0, u)
	h := s.Handler()

	body := balanceRequest(1, "0x1159a00")
	postWire(t, h, body)
	postWire(t, h, body)
	assert.EqualValues(t, 2, u.calls.Load())
}

func TestForwardRetriesOnNodeFailure(t *testing.T) {
	bad := failingUpstream(t)
	good := newUpstream(t, func(req rpc.Request) (interface{}, *rpc.RPCError) {
		return "0x10", nil
	})
	s := newTestServer(t, 18193012, bad, good)

	resp := postWire(t, s.Handler(), balanceRequest(1, "latest"))
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `"0x10"`, string(resp.Result))
	assert.EqualValues(t, 1, bad.calls.Load())
	assert.EqualValues(t, 1, good.calls.Load())
}

func TestForwardAllNodesFailing(t *testing.T) {
	bad := failingUpstream(t)
	s := newTestServer(t, 18193012, bad)

	resp := postWire(t, s.Handler(), balanceRequest(1, "latest"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.ServerError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "upstream error")
}

func TestForwardNoNodes(t *testing.T) {
	s := newTestServer(t, 18193012)

	resp := postWire(t, s.Handler(), balanceRequest(1, "latest"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.ServerError, resp.Error.Code)
}

func TestProcessUpstreamErrorPassthrough(t *testing.T) {
	u := newUpstream(t, func(req rpc.Request) (interface{}, *rpc.RPCError) {
		return nil, rpc.NewRPCError(rpc.InvalidParams, "Invalid params")
	})
	s := newTestServer(t, 18193012, u)
	h := s.Handler()

	resp := postWire(t, h, balanceRequest(1, "latest"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.InvalidParams, resp.Error.Code)

	postWire(t, h, balanceRequest(2, "latest"))
	assert.EqualValues(t, 2, u.calls.Load(), "error responses must not be cached")
}

func TestProcessNullResultNotCached(t *testing.T) {
	u := newUpstream(t, func(req rpc.Request) (interface{}, *rpc.RPCError) {
		return nil, nil
	})
	s := newTestServer(t, 18193012, u)
	h := s.Handler()

	body := `{"jsonrpc":"2.0","id":1,"method":"eth_getTransactionReceipt","params":["0x5f1b9e3a"]}`
	resp := postWire(t, h, body)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, "null", string(resp.Result))

	postWire(t, h, body)
	assert.EqualValues(t, 2, u.calls.Load())
}

func TestResolveTagsTable(t *testing.T) {
	named := health.NewNamedBlockNumbers()
	named.SetLatest(18193012)
	named.SetFinalized(18192900)
	s := &Server{named: named}

	pinnedLatest := `"` + rpc.FormatQuantity(18193012) + `"`
	pinnedFinal := `"` + rpc.FormatQuantity(18192900) + `"`

	tests := []struct {
		name      string
		method    string
		params    string
		want      string
		cacheable bool
	}{
		{"latest pinned", "eth_getBlockByNumber", `["latest",false]`, `[` + pinnedLatest + `,false]`, true},
		{"finalized pinned", "eth_getBalance", `["` + testAddr + `","finalized"]`, `["` + testAddr + `",` + pinnedFinal + `]`, true},
		{"earliest pinned", "eth_getBlockByNumber", `["earliest",true]`, `["0x0",true]`, true},
		{"pending uncacheable", "eth_call", `[{"to":"` + testAddr + `"},"pending"]`, `[{"to":"` + testAddr + `"},"pending"]`, false},
		{"quantity untouched", "eth_getBalance", `["` + testAddr + `","0x10"]`, `["` + testAddr + `","0x10"]`, true},
		{"no tag position", "eth_getTransactionByHash", `["0x5f1b9e3a"]`, `["0x5f1b9e3a"]`, true},
		{"missing tag argument", "eth_getBalance", `["` + testAddr + `"]`, `["` + testAddr + `"]`, false},
		{"log range pinned", "eth_getLogs", `[{"fromBlock":"latest","toBlock":"latest"}]`, `[{"fromBlock":` + pinnedLatest + `,"toBlock":` + pinnedLatest + `}]`, true},
		{"log range open ended", "eth_getLogs", `[{"fromBlock":"0x1"}]`, `[{"fromBlock":"0x1"}]`, false},
		{"log range by hash", "eth_getLogs", `[{"blockHash":"0x5f1b9e3a"}]`, `[{"blockHash":"0x5f1b9e3a"}]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, cacheable := s.resolveTags(tt.method, json.RawMessage(tt.params))
			assert.Equal(t, tt.cacheable, cacheable)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestResolveTagsUnsetLatest(t *testing.T) {
	s := &Server{named: health.NewNamedBlockNumbers()}

	_, cacheable := s.resolveTags("eth_getBalance", json.RawMessage(`["`+testAddr+`","latest"]`))
	assert.False(t, cacheable, "an unpinnable tag must not be cached")
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piavgh/blutgang/internal/watch"
	"github.com/piavgh/blutgang/pkg/pool"
	"github.com/piavgh/blutgang/pkg/rpc"
)

// wsNode is a JSON-RPC node reachable over WebSocket. It answers
// eth_blockNumber with its head and streams one header notification right
// after accepting an eth_subscribe.
type wsNode struct {
	srv   *httptest.Server
	URL   string
	WSURL string
}

func newWSNode(t *testing.T, head uint64) *wsNode {
	t.Helper()
	var upgrader websocket.Upgrader
	n := &wsNode{}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		subSeq := 0
		for {
			var req rpc.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Method {
			case "eth_blockNumber":
				if err := writeResult(conn, req.ID, rpc.FormatQuantity(head)); err != nil {
					return
				}
			case "eth_subscribe":
				subSeq++
				subID := fmt.Sprintf("0xsub%d", subSeq)
				if err := writeResult(conn, req.ID, subID); err != nil {
					return
				}
				notify := fmt.Sprintf(
					`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":%q,"result":{"number":%q}}}`,
					subID, rpc.FormatQuantity(head),
				)
				if err := conn.WriteMessage(websocket.TextMessage, []byte(notify)); err != nil {
					return
				}
			case "eth_unsubscribe":
				if err := writeResult(conn, req.ID, true); err != nil {
					return
				}
			default:
				resp := map[string]interface{}{
					"jsonrpc": "2.0",
					"id":      req.ID,
					"error":   map[string]interface{}{"code": -32601, "message": "Method not found"},
				}
				if err := conn.WriteJSON(resp); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(n.srv.Close)
	n.URL = n.srv.URL
	n.WSURL = "ws" + strings.TrimPrefix(n.srv.URL, "http")
	return n
}

func writeResult(conn *websocket.Conn, id, result interface{}) error {
	return conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result})
}

func newTestManager(t *testing.T, nodes ...*wsNode) (*Manager, *pool.Registry) {
	t.Helper()
	handles := make([]rpc.Rpc, 0, len(nodes))
	for _, n := range nodes {
		handles = append(handles, rpc.NewRpc(n.URL, n.WSURL, 0, 0))
	}
	registry := pool.NewRegistry(handles)
	return NewManager(registry, NewSubscriptionData(), Config{}), registry
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("manager did not stop")
		}
	})
}

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestManagerCallByURL(t *testing.T) {
	node := newWSNode(t, 18193012)
	m, _ := newTestManager(t, node)
	startManager(t, m)

	result, err := m.Call(callCtx(t), node.URL, "eth_blockNumber", []interface{}{})
	require.NoError(t, err)
	assert.JSONEq(t, strconv.Quote(rpc.FormatQuantity(18193012)), string(result))
}

func TestManagerCallAnyNode(t *testing.T) {
	node := newWSNode(t, 18193012)
	m, _ := newTestManager(t, node)
	startManager(t, m)

	result, err := m.Call(callCtx(t), "", "eth_blockNumber", nil)
	require.NoError(t, err)
	assert.JSONEq(t, strconv.Quote(rpc.FormatQuantity(18193012)), string(result))
}

func TestManagerCallUnknownNode(t *testing.T) {
	node := newWSNode(t, 18193012)
	m, _ := newTestManager(t, node)
	startManager(t, m)

	_, err := m.Call(callCtx(t), "http://nowhere.invalid", "eth_blockNumber", nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestManagerCallUpstreamError(t *testing.T) {
	node := newWSNode(t, 18193012)
	m, _ := newTestManager(t, node)
	startManager(t, m)

	_, err := m.Call(callCtx(t), node.URL, "eth_noSuchMethod", nil)
	require.Error(t, err)
	var rpcErr *rpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpc.MethodNotFound, rpcErr.Code)
}

func TestManagerReportsDroppedConn(t *testing.T) {
	node := newWSNode(t, 18193012)
	m, _ := newTestManager(t, node)
	drops := make(chan ChannelErr, 1)
	m.SetOnDrop(func(e ChannelErr) { drops <- e })
	startManager(t, m)

	_, err := m.Call(callCtx(t), node.URL, "eth_blockNumber", nil)
	require.NoError(t, err)

	node.srv.CloseClientConnections()

	select {
	case e := <-drops:
		assert.Equal(t, node.URL, e.URL)
		assert.Equal(t, 0, e.Index)
	case <-time.After(2 * time.Second):
		t.Fatal("connection death was not reported")
	}
}

func TestManagerReconcileFollowsPool(t *testing.T) {
	a := newWSNode(t, 18193012)
	b := newWSNode(t, 18193013)
	m, registry := newTestManager(t, a)
	startManager(t, m)

	_, err := m.Call(callCtx(t), a.URL, "eth_blockNumber", nil)
	require.NoError(t, err)

	// A node joining the pool gets a connection on the next reconcile.
	registry.Add(rpc.NewRpc(b.URL, b.WSURL, 0, 0))
	m.RequestReconnect()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, err := m.Call(ctx, b.URL, "eth_blockNumber", nil)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	// A node leaving the pool loses its connection.
	_, ok := registry.Quarantine(0)
	require.True(t, ok)
	m.RequestReconnect()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, err := m.Call(ctx, a.URL, "eth_blockNumber", nil)
		return errors.Is(err, ErrNotConnected)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestManagerRunStopsWithContext(t *testing.T) {
	node := newWSNode(t, 18193012)
	m, _ := newTestManager(t, node)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestSubscribeStreamsNotifications(t *testing.T) {
	node := newWSNode(t, 18193012)
	m, _ := newTestManager(t, node)
	startManager(t, m)

	sink := make(chan json.RawMessage, 8)
	h, err := m.Subscribe(callCtx(t), json.RawMessage(`["newHeads"]`), sink)
	require.NoError(t, err)

	select {
	case raw := <-sink:
		var head struct {
			Number string `json:"number"`
		}
		require.NoError(t, json.Unmarshal(raw, &head))
		assert.Equal(t, rpc.FormatQuantity(18193012), head.Number)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification arrived")
	}

	require.NoError(t, m.Unsubscribe(callCtx(t), h))
}

func TestMoveSubscriptionsEndToEnd(t *testing.T) {
	a := newWSNode(t, 18193012)
	b := newWSNode(t, 18193013)
	m, _ := newTestManager(t, a, b)
	startManager(t, m)

	sink := make(chan json.RawMessage, 8)
	_, err := m.Subscribe(callCtx(t), json.RawMessage(`["newHeads"]`), sink)
	require.NoError(t, err)

	headNumber := func(raw json.RawMessage) string {
		var head struct {
			Number string `json:"number"`
		}
		require.NoError(t, json.Unmarshal(raw, &head))
		return head.Number
	}

	select {
	case raw := <-sink:
		assert.Equal(t, rpc.FormatQuantity(18193012), headNumber(raw))
	case <-time.After(2 * time.Second):
		t.Fatal("no notification from the first node")
	}

	a.srv.CloseClientConnections()
	require.NoError(t, m.MoveSubscriptions(callCtx(t), a.URL))

	select {
	case raw := <-sink:
		assert.Equal(t, rpc.FormatQuantity(18193013), headNumber(raw))
	case <-time.After(2 * time.Second):
		t.Fatal("no notification after the move")
	}
}

func TestWatchNewHeads(t *testing.T) {
	node := newWSNode(t, 18193012)
	m, _ := newTestManager(t, node)
	startManager(t, m)

	heads := watch.New(uint64(0))
	updates := heads.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchNewHeads(ctx, m, heads) }()

	select {
	case h := <-updates:
		assert.Equal(t, uint64(18193012), h)
	case <-time.After(2 * time.Second):
		t.Fatal("no head update")
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/piavgh/blutgang/internal/log"
	"github.com/piavgh/blutgang/pkg/pool"
	"github.com/piavgh/blutgang/pkg/rpc"
)

// Default tuning.
const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 60 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultSendBuffer   = 256
	DefaultMailbox      = 256
)

// Config tunes the connection manager.
type Config struct {
	// DialTimeout bounds the WebSocket handshake.
	DialTimeout time.Duration

	// PingInterval is the pause between keepalive pings.
	PingInterval time.Duration

	// PongTimeout is how long a connection may stay silent before it is
	// considered dead. Must exceed PingInterval.
	PongTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int

	// Mailbox is the manager's request queue length.
	Mailbox int
}

// DefaultConfig returns the default manager tuning.
func DefaultConfig() Config {
	return Config{
		DialTimeout:  DefaultDialTimeout,
		PingInterval: DefaultPingInterval,
		PongTimeout:  DefaultPongTimeout,
		WriteTimeout: DefaultWriteTimeout,
		SendBuffer:   DefaultSendBuffer,
		Mailbox:      DefaultMailbox,
	}
}

// WithDefaults fills unset fields with defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.Mailbox <= 0 {
		c.Mailbox = d.Mailbox
	}
	return c
}

// Manager owns one WebSocket connection per active node. All connection
// state is confined to the Run goroutine; other goroutines talk to it
// through the mailbox, so Call, Subscribe and RequestReconnect are safe
// from anywhere once Run is up.
type Manager struct {
	cfg      Config
	registry *pool.Registry
	subs     *SubscriptionData

	incoming chan ConnMessage
	deaths   chan *nodeConn

	// conns is keyed by node URL and touched only by Run.
	conns  map[string]*nodeConn
	nextID atomic.Uint64
	onDrop func(ChannelErr)
	log    zerolog.Logger
}

// NewManager builds a manager over the registry's active nodes. Nothing is
// dialed until Run starts.
func NewManager(registry *pool.Registry, subs *SubscriptionData, cfg Config) *Manager {
	cfg = cfg.WithDefaults()
	return &Manager{
		cfg:      cfg,
		registry: registry,
		subs:     subs,
		incoming: make(chan ConnMessage, cfg.Mailbox),
		deaths:   make(chan *nodeConn, 16),
		conns:    make(map[string]*nodeConn),
		log:      log.WithComponent("ws"),
	}
}

// SetOnDrop registers the callback fired when a node's connection dies
// unexpectedly. The callback runs on its own goroutine and may block.
// Must be set before Run.
func (m *Manager) SetOnDrop(fn func(ChannelErr)) {
	m.onDrop = fn
}

// RequestReconnect asks the manager to reconcile its connections with the
// current active list. It never blocks; when the mailbox is full a
// reconcile is already queued behind other work.
func (m *Manager) RequestReconnect() {
	select {
	case m.incoming <- ConnMessage{Kind: KindReconnect}:
	default:
	}
}

// ActiveURLs lists the nodes currently eligible to serve calls.
func (m *Manager) ActiveURLs() []string {
	return m.registry.ActiveURLs()
}

// Call forwards one method call over the node's WebSocket connection and
// returns the decoded result. An empty nodeURL lets the manager pick any
// connected node. Requires a running manager.
func (m *Manager) Call(ctx context.Context, nodeURL, method string, params interface{}) (json.RawMessage, error) {
	id := m.nextID.Add(1)
	req := rpc.Request{
		JSONRPC: rpc.JSONRPCVersion,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		req.Params = p
	}
	body, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("marshal request for %s: %w", method, err)
	}

	reply := make(chan IncomingResponse, 1)
	msg := ConnMessage{
		Kind:    KindCall,
		NodeURL: nodeURL,
		WireID:  id,
		Call:    body,
		Reply:   reply,
	}
	select {
	case m.incoming <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		if r.Err != nil {
			return nil, r.Err
		}
		return decodeResult(r)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func decodeResult(r IncomingResponse) (json.RawMessage, error) {
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpc.RPCError   `json:"error"`
	}
	if err := json.Unmarshal(r.Content, &resp); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", r.NodeURL, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if len(resp.Result) == 0 || bytes.Equal(resp.Result, []byte("null")) {
		return nil, rpc.ErrNullResult
	}
	return resp.Result, nil
}

// Subscribe opens (or joins) an upstream subscription and fans its
// notifications into sink.
func (m *Manager) Subscribe(ctx context.Context, params json.RawMessage, sink chan<- json.RawMessage) (SubHandle, error) {
	return m.subs.Subscribe(ctx, m, params, sink)
}

// Unsubscribe detaches sink from its subscription. The upstream
// subscription is closed once no sinks remain.
func (m *Manager) Unsubscribe(ctx context.Context, h SubHandle) error {
	return m.subs.Unsubscribe(ctx, m, h)
}

// MoveSubscriptions replays every subscription served by nodeURL on a
// surviving node.
func (m *Manager) MoveSubscriptions(ctx context.Context, nodeURL string) error {
	return m.subs.Move(ctx, m, nodeURL)
}

// Run dials the active nodes and serves mailbox requests until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	m.reconcile(ctx)
	defer m.closeAll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.incoming:
			switch msg.Kind {
			case KindReconnect:
				m.reconcile(ctx)
			case KindCall:
				m.forward(msg)
			default:
				m.reply(msg, IncomingResponse{Err: fmt.Errorf("unknown message kind %d", msg.Kind)})
			}
		case c := <-m.deaths:
			m.handleDeath(c)
		}
	}
}

// reconcile aligns the connection set with the active list: known nodes
// keep their connections and subscriptions, missing ones are dialed,
// departed ones are torn down.
func (m *Manager) reconcile(ctx context.Context) {
	nodes := m.registry.Active()
	want := make(map[string]struct{}, len(nodes))
	for i, node := range nodes {
		if node.WSURL == "" {
			continue
		}
		want[node.URL] = struct{}{}
		if c, ok := m.conns[node.URL]; ok {
			c.index = i
			continue
		}
		c, err := m.dial(ctx, node, i)
		if err != nil {
			m.log.Warn().Err(err).Str("node", node.URL).Msg("websocket dial failed")
			continue
		}
		m.conns[node.URL] = c
		m.log.Info().Str("node", node.URL).Msg("websocket connected")
	}
	for url, c := range m.conns {
		if _, ok := want[url]; ok {
			continue
		}
		delete(m.conns, url)
		c.shutdown()
		c.flushPending()
		m.log.Info().Str("node", url).Msg("websocket closed, node left the active pool")
	}
}

func (m *Manager) dial(ctx context.Context, node rpc.Rpc, index int) (*nodeConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, node.WSURL, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("dial %s: %w", node.WSURL, err)
	}
	c := &nodeConn{
		url:     node.URL,
		index:   index,
		conn:    conn,
		send:    make(chan []byte, m.cfg.SendBuffer),
		quit:    make(chan struct{}),
		pending: xsync.NewMapOf[uint64, chan<- IncomingResponse](),
	}
	go c.readPump(ctx, m)
	go c.writePump(m)
	return c, nil
}

func (m *Manager) forward(msg ConnMessage) {
	var c *nodeConn
	if msg.NodeURL != "" {
		c = m.conns[msg.NodeURL]
		if c == nil {
			m.reply(msg, IncomingResponse{NodeURL: msg.NodeURL, Err: ErrNotConnected})
			return
		}
	} else {
		for _, cand := range m.conns {
			c = cand
			break
		}
		if c == nil {
			m.reply(msg, IncomingResponse{Err: ErrNoConnections})
			return
		}
	}

	if msg.Reply != nil {
		c.pending.Store(msg.WireID, msg.Reply)
	}
	select {
	case c.send <- msg.Call:
	default:
		c.pending.Delete(msg.WireID)
		m.reply(msg, IncomingResponse{NodeURL: c.url, Err: ErrSendBufferFull})
	}
}

func (m *Manager) reply(msg ConnMessage, r IncomingResponse) {
	if msg.Reply == nil {
		return
	}
	select {
	case msg.Reply <- r:
	default:
	}
}

func (m *Manager) handleDeath(c *nodeConn) {
	c.shutdown()
	c.flushPending()
	cur, ok := m.conns[c.url]
	if !ok || cur != c {
		return
	}
	delete(m.conns, c.url)
	m.log.Warn().Str("node", c.url).Msg("websocket connection lost")
	if fn := m.onDrop; fn != nil {
		go fn(ChannelErr{Index: c.index, URL: c.url})
	}
}

func (m *Manager) closeAll() {
	for url, c := range m.conns {
		delete(m.conns, url)
		c.shutdown()
		c.flushPending()
	}
}

// nodeConn is one managed connection. The manager routes calls into send
// and registers their reply channels in pending; the read pump matches
// replies back by wire id.
type nodeConn struct {
	url   string
	index int
	conn  *websocket.Conn
	send  chan []byte
	quit  chan struct{}

	pending *xsync.MapOf[uint64, chan<- IncomingResponse]
	closed  atomic.Bool
}

func (c *nodeConn) shutdown() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.quit)
	}
}

// flushPending fails every in-flight call on this connection.
func (c *nodeConn) flushPending() {
	c.pending.Range(func(id uint64, reply chan<- IncomingResponse) bool {
		c.pending.Delete(id)
		select {
		case reply <- IncomingResponse{NodeURL: c.url, Err: ErrConnDropped}:
		default:
		}
		return true
	})
}

func (c *nodeConn) readPump(ctx context.Context, m *Manager) {
	defer c.conn.Close()
	_ = c.conn.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.log.Debug().Err(err).Str("node", c.url).Msg("websocket read failed")
			}
			select {
			case m.deaths <- c:
			case <-ctx.Done():
			}
			return
		}
		c.route(m, raw)
	}
}

// route hands a subscription notification to the dispatcher and matches
// everything else against the pending calls.
func (c *nodeConn) route(m *Manager, raw []byte) {
	var frame struct {
		ID     uint64 `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		m.log.Debug().Err(err).Str("node", c.url).Msg("discarding unparseable websocket frame")
		return
	}
	if frame.Method == methodSubscription {
		m.subs.Dispatch(raw)
		return
	}
	reply, ok := c.pending.LoadAndDelete(frame.ID)
	if !ok {
		m.log.Debug().Uint64("id", frame.ID).Str("node", c.url).Msg("reply with no waiting call")
		return
	}
	select {
	case reply <- IncomingResponse{NodeURL: c.url, Content: raw}:
	default:
	}
}

func (c *nodeConn) writePump(m *Manager) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	defer c.conn.Close()
	for {
		select {
		case <-c.quit:
			deadline := time.Now().Add(m.cfg.WriteTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				m.log.Debug().Err(err).Str("node", c.url).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(m.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

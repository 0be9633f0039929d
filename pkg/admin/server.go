// Package admin serves the blutgang_* management namespace on its own
// listen address. The methods inspect and mutate the node pool, the
// runtime settings, and the response cache of a running process.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/piavgh/blutgang/internal/log"
	"github.com/piavgh/blutgang/pkg/cache"
	"github.com/piavgh/blutgang/pkg/config"
	"github.com/piavgh/blutgang/pkg/pool"
	"github.com/piavgh/blutgang/pkg/rpc"
)

// Config holds the admin server tuning.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out response writes.
	WriteTimeout time.Duration

	// MaxRequestSize is the maximum allowed request body size in bytes.
	MaxRequestSize int64
}

// DefaultConfig returns the default admin server tuning.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:5715",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequestSize: 1024 * 1024,
	}
}

// Reconnector is poked after an admin call changes the node pool, so
// the websocket layer can realign its connections.
type Reconnector interface {
	RequestReconnect()
}

// handlerFunc is an admin method handler.
type handlerFunc func(params json.RawMessage) (interface{}, *rpc.RPCError)

// Server is the admin JSON-RPC server.
type Server struct {
	cfg      Config
	settings *config.Store
	registry *pool.Registry
	store    *cache.Store

	onQuit    func()
	quitOnce  sync.Once
	reconnect Reconnector

	handlers map[string]handlerFunc
	server   *http.Server
	log      zerolog.Logger
}

// New wires the admin namespace to its dependencies. onQuit is invoked
// once when blutgang_quit is called; nil disables the method's effect.
func New(cfg Config, settings *config.Store, registry *pool.Registry, store *cache.Store, onQuit func()) *Server {
	s := &Server{
		cfg:      cfg,
		settings: settings,
		registry: registry,
		store:    store,
		onQuit:   onQuit,
		handlers: make(map[string]handlerFunc),
		log:      log.WithComponent("admin"),
	}
	s.registerHandlers()
	return s
}

// SetReconnector wires the websocket layer. Call before Start.
func (s *Server) SetReconnector(r Reconnector) {
	s.reconnect = r
}

func (s *Server) registerHandlers() {
	s.handlers["blutgang_quit"] = s.quit
	s.handlers["blutgang_rpc_list"] = s.rpcList
	s.handlers["blutgang_poverty_list"] = s.povertyList
	s.handlers["blutgang_ttl"] = s.ttl
	s.handlers["blutgang_set_ttl"] = s.setTTL
	s.handlers["blutgang_health_check_ttl"] = s.healthCheckTTL
	s.handlers["blutgang_set_health_check_ttl"] = s.setHealthCheckTTL
	s.handlers["blutgang_flush_cache"] = s.flushCache
	s.handlers["blutgang_config"] = s.configSnapshot
	s.handlers["blutgang_add_to_rpc_list"] = s.addToRpcList
	s.handlers["blutgang_remove_from_rpc_list"] = s.removeFromRpcList
}

// Handler returns the HTTP handler serving the admin namespace.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	return mux
}

// Start serves admin traffic until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("address", s.cfg.Addr).Msg("admin namespace enabled")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		s.writeError(w, nil, rpc.ErrInvalidRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxRequestSize))
	if err != nil {
		s.writeError(w, nil, rpc.ErrParseError)
		return
	}

	// The admin namespace takes one call at a time; there is no batch
	// form like the client entrypoint has.
	var req rpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, nil, rpc.ErrParseError)
		return
	}
	if req.JSONRPC != rpc.JSONRPCVersion {
		s.writeError(w, req.ID, rpc.ErrInvalidRequest)
		return
	}

	result, rpcErr := s.dispatch(req.Method, req.Params)
	if rpcErr != nil {
		s.writeError(w, req.ID, rpcErr)
		return
	}
	s.writeResult(w, req.ID, result)
}

// dispatch routes admin methods to their handlers.
func (s *Server) dispatch(method string, params json.RawMessage) (interface{}, *rpc.RPCError) {
	handler, ok := s.handlers[method]
	if !ok {
		return nil, rpc.NewRPCError(rpc.MethodNotFound, fmt.Sprintf("Method not found: %s", method))
	}
	s.log.Debug().Str("method", method).Msg("admin call")
	return handler(params)
}

func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := rpc.Response{
		JSONRPC: rpc.JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Debug().Err(err).Msg("write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, rpcErr *rpc.RPCError) {
	resp := rpc.Response{
		JSONRPC: rpc.JSONRPCVersion,
		ID:      id,
		Error:   rpcErr,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Debug().Err(err).Msg("write response")
	}
}

// Package balancer implements the client-facing JSON-RPC entrypoint. Each
// request is served from the response cache when possible and otherwise
// forwarded to the fastest eligible node, with failures retried on other
// nodes before giving up.
package balancer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/piavgh/blutgang/internal/log"
	"github.com/piavgh/blutgang/pkg/cache"
	"github.com/piavgh/blutgang/pkg/config"
	"github.com/piavgh/blutgang/pkg/health"
	"github.com/piavgh/blutgang/pkg/pool"
	"github.com/piavgh/blutgang/pkg/rpc"
)

// Config holds the HTTP server tuning.
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

// DefaultConfig returns the default server tuning.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:3000",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequestSize: 10 * 1024 * 1024,
	}
}

// Server accepts client JSON-RPC traffic and routes it through the cache
// and the active node pool.
type Server struct {
	cfg      Config
	settings *config.Store
	registry *pool.Registry
	store    *cache.Store
	index    *cache.HeadIndex
	named    *health.NamedBlockNumbers

	server *http.Server
	log    zerolog.Logger
}

// New wires the entrypoint to its dependencies. Nothing listens until
// Start.
func New(cfg Config, settings *config.Store, registry *pool.Registry, store *cache.Store, index *cache.HeadIndex, named *health.NamedBlockNumbers) *Server {
	return &Server{
		cfg:      cfg,
		settings: settings,
		registry: registry,
		store:    store,
		index:    index,
		named:    named,
		log:      log.WithComponent("balancer"),
	}
}

// Handler returns the HTTP handler serving the JSON-RPC entrypoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	return mux
}

// Start serves client traffic until ctx ends, then shuts down gracefully.
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

	s.log.Info().Str("address", s.cfg.Addr).Msg("accepting client requests")
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
		s.writeResponse(w, errorResponse(nil, rpc.ErrInvalidRequest))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxRequestSize))
	if err != nil {
		s.writeResponse(w, errorResponse(nil, rpc.ErrParseError))
		return
	}

	if isBatch(body) {
		s.handleBatch(r.Context(), w, body)
		return
	}

	var req rpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeResponse(w, errorResponse(nil, rpc.ErrParseError))
		return
	}

	s.writeResponse(w, s.process(r.Context(), req))
}

// handleBatch serves each entry of a batch independently, so one request
// can hit the cache while its neighbor goes upstream.
func (s *Server) handleBatch(ctx context.Context, w http.ResponseWriter, body []byte) {
	var requests []rpc.Request
	if err := json.Unmarshal(body, &requests); err != nil {
		s.writeResponse(w, errorResponse(nil, rpc.ErrParseError))
		return
	}
	if len(requests) == 0 {
		s.writeResponse(w, errorResponse(nil, rpc.ErrInvalidRequest))
		return
	}

	responses := make([]rpc.Response, len(requests))
	for i, req := range requests {
		responses[i] = s.process(ctx, req)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(responses); err != nil {
		s.log.Debug().Err(err).Msg("write batch response")
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, resp rpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Debug().Err(err).Msg("write response")
	}
}

func errorResponse(id interface{}, rpcErr *rpc.RPCError) rpc.Response {
	return rpc.Response{
		JSONRPC: rpc.JSONRPCVersion,
		ID:      id,
		Error:   rpcErr,
	}
}

func resultResponse(id interface{}, result json.RawMessage) rpc.Response {
	return rpc.Response{
		JSONRPC: rpc.JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
}

// isBatch reports whether the body is a JSON array, skipping leading
// whitespace.
func isBatch(body []byte) bool {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

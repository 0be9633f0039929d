package admin

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/piavgh/blutgang/pkg/rpc"
)

// nodeInfo is the admin view of one node handle.
type nodeInfo struct {
	URL            string  `json:"url"`
	WSURL          string  `json:"ws_url,omitempty"`
	LatencyMs      float64 `json:"latency_ms"`
	IsErroring     bool    `json:"is_erroring"`
	MaxConsecutive uint    `json:"max_consecutive"`
}

// configInfo is the admin view of the runtime settings. The node list
// is deliberately absent: blutgang_rpc_list reflects admin mutations,
// the startup settings do not.
type configInfo struct {
	Address          string `json:"address"`
	AdminAddress     string `json:"admin_address"`
	HealthCheck      bool   `json:"health_check"`
	IsWS             bool   `json:"is_ws"`
	TTL              int64  `json:"ttl"`
	HealthCheckTTL   int64  `json:"health_check_ttl"`
	MaxConsecutive   uint   `json:"max_consecutive"`
	MinTimeDelta     int64  `json:"min_time_delta"`
	CacheDir         string `json:"cache_dir"`
	CacheCompression bool   `json:"cache_compression"`
	LogLevel         string `json:"log_level"`
}

func nodeInfos(nodes []rpc.Rpc) []nodeInfo {
	out := make([]nodeInfo, len(nodes))
	for i, node := range nodes {
		out[i] = nodeInfo{
			URL:            node.URL,
			WSURL:          node.WSURL,
			LatencyMs:      float64(node.Status.Latency) / float64(time.Millisecond),
			IsErroring:     node.Status.IsErroring,
			MaxConsecutive: node.MaxConsecutive,
		}
	}
	return out
}

func (s *Server) quit(params json.RawMessage) (interface{}, *rpc.RPCError) {
	s.log.Info().Msg("shutdown requested over the admin namespace")
	if s.onQuit != nil {
		s.quitOnce.Do(s.onQuit)
	}
	return "Shutting down", nil
}

func (s *Server) rpcList(params json.RawMessage) (interface{}, *rpc.RPCError) {
	return nodeInfos(s.registry.Active()), nil
}

func (s *Server) povertyList(params json.RawMessage) (interface{}, *rpc.RPCError) {
	return nodeInfos(s.registry.Poverty()), nil
}

func (s *Server) ttl(params json.RawMessage) (interface{}, *rpc.RPCError) {
	return s.settings.TTL().Milliseconds(), nil
}

func (s *Server) setTTL(params json.RawMessage) (interface{}, *rpc.RPCError) {
	ms, rpcErr := parseMillisParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	s.settings.SetTTL(time.Duration(ms) * time.Millisecond)
	s.log.Info().Int64("ttl_ms", ms).Msg("query ttl updated")
	return ms, nil
}

func (s *Server) healthCheckTTL(params json.RawMessage) (interface{}, *rpc.RPCError) {
	return s.settings.HealthCheckTTL().Milliseconds(), nil
}

func (s *Server) setHealthCheckTTL(params json.RawMessage) (interface{}, *rpc.RPCError) {
	ms, rpcErr := parseMillisParam(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	s.settings.SetHealthCheckTTL(time.Duration(ms) * time.Millisecond)
	s.log.Info().Int64("health_check_ttl_ms", ms).Msg("health check interval updated")
	return ms, nil
}

func (s *Server) flushCache(params json.RawMessage) (interface{}, *rpc.RPCError) {
	hits, misses := s.store.Stats()
	if err := s.store.Flush(); err != nil {
		return nil, rpc.InternalServerError("flush cache: " + err.Error())
	}
	s.log.Info().Uint64("hits", hits).Uint64("misses", misses).Msg("response cache flushed")
	return "OK", nil
}

func (s *Server) configSnapshot(params json.RawMessage) (interface{}, *rpc.RPCError) {
	snap := s.settings.Snapshot()
	return configInfo{
		Address:          snap.Address,
		AdminAddress:     snap.AdminAddress,
		HealthCheck:      snap.HealthCheck,
		IsWS:             snap.IsWS,
		TTL:              snap.TTL.Milliseconds(),
		HealthCheckTTL:   snap.HealthCheckTTL.Milliseconds(),
		MaxConsecutive:   snap.MaxConsecutive,
		MinTimeDelta:     snap.MinTimeDelta.Milliseconds(),
		CacheDir:         snap.CacheDir,
		CacheCompression: snap.CacheCompression,
		LogLevel:         snap.LogLevel,
	}, nil
}

func (s *Server) addToRpcList(params json.RawMessage) (interface{}, *rpc.RPCError) {
	args, rpcErr := stringParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	url := args[0]
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, rpc.InvalidParamsError("url must start with http:// or https://")
	}
	var wsURL string
	if len(args) > 1 {
		wsURL = args[1]
		if wsURL != "" && !strings.HasPrefix(wsURL, "ws://") && !strings.HasPrefix(wsURL, "wss://") {
			return nil, rpc.InvalidParamsError("ws url must start with ws:// or wss://")
		}
	}
	for _, existing := range append(s.registry.ActiveURLs(), s.registry.PovertyURLs()...) {
		if existing == url {
			return nil, rpc.InvalidParamsError("node already in the pool: " + url)
		}
	}

	snap := s.settings.Snapshot()
	s.registry.Add(rpc.NewRpc(url, wsURL, snap.MaxConsecutive, snap.MinTimeDelta))
	if s.reconnect != nil {
		s.reconnect.RequestReconnect()
	}
	s.log.Info().Str("node", url).Msg("node added over the admin namespace")
	return s.registry.ActiveURLs(), nil
}

func (s *Server) removeFromRpcList(params json.RawMessage) (interface{}, *rpc.RPCError) {
	args, rpcErr := stringParams(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	url := args[0]
	removed, ok := s.registry.RemoveURL(url)
	if !ok {
		return nil, rpc.InvalidParamsError("no node with url: " + url)
	}
	if s.reconnect != nil {
		s.reconnect.RequestReconnect()
	}
	s.log.Info().Str("node", removed.URL).Msg("node removed over the admin namespace")
	return s.registry.ActiveURLs(), nil
}

// stringParams unmarshals a positional string parameter list and checks
// the minimum argument count.
func stringParams(params json.RawMessage, min int) ([]string, *rpc.RPCError) {
	var args []string
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, rpc.InvalidParamsError("params must be an array of strings")
		}
	}
	if len(args) < min {
		return nil, rpc.InvalidParamsError("missing required parameter")
	}
	return args, nil
}

// parseMillisParam reads a single positive duration in milliseconds,
// given either as a number or as a numeric string.
func parseMillisParam(params json.RawMessage) (int64, *rpc.RPCError) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
		return 0, rpc.InvalidParamsError("missing duration parameter")
	}

	var ms int64
	if err := json.Unmarshal(args[0], &ms); err != nil {
		var str string
		if err := json.Unmarshal(args[0], &str); err != nil {
			return 0, rpc.InvalidParamsError("duration must be a number of milliseconds")
		}
		parsed, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return 0, rpc.InvalidParamsError("duration must be a number of milliseconds")
		}
		ms = parsed
	}
	if ms <= 0 {
		return 0, rpc.InvalidParamsError("duration must be positive")
	}
	return ms, nil
}

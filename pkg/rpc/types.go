// Package rpc provides the upstream node handle and its JSON-RPC 2.0 client.
package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ParseQuantity decodes an Ethereum hex quantity such as "0x1157bf4".
func ParseQuantity(s string) (uint64, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, fmt.Errorf("quantity %q missing 0x prefix", s)
	}
	digits := s[2:]
	if digits == "" {
		return 0, fmt.Errorf("quantity %q has no digits", s)
	}
	n, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("quantity %q: %w", s, err)
	}
	return n, nil
}

// FormatQuantity encodes a block number as an Ethereum hex quantity.
func FormatQuantity(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}

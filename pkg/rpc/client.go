package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// clientResponse mirrors Response with a raw result so callers decode into
// their own types.
type clientResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// SendRequest posts a raw JSON-RPC payload to the node and returns the raw
// response body. The context bounds the whole round trip.
func (r *Rpc) SendRequest(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", r.URL, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := r.client
	if client == nil {
		client = defaultClient
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request to %s: %w", r.URL, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s replied with status %d", r.URL, httpResp.StatusCode)
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", r.URL, err)
	}
	return raw, nil
}

// Call invokes one method on the node and returns the raw result. A JSON-RPC
// error object and a null result both count as failures.
func (r *Rpc) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := Request{
		JSONRPC: JSONRPCVersion,
		ID:      1,
		Method:  method,
	}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		req.Params = p
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request for %s: %w", method, err)
	}

	raw, err := r.SendRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	var resp clientResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", r.URL, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if len(resp.Result) == 0 || bytes.Equal(resp.Result, []byte("null")) {
		return nil, ErrNullResult
	}
	return resp.Result, nil
}

// BlockNumber asks the node which block it considers the chain head.
func (r *Rpc) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := r.Call(ctx, "eth_blockNumber", []interface{}{})
	if err != nil {
		return 0, err
	}
	var quantity string
	if err := json.Unmarshal(result, &quantity); err != nil {
		return 0, fmt.Errorf("decode block number from %s: %w", r.URL, err)
	}
	return ParseQuantity(quantity)
}

// FinalizedBlockNumber asks the node for the number of its latest finalized
// block.
func (r *Rpc) FinalizedBlockNumber(ctx context.Context) (uint64, error) {
	return r.blockNumberByTag(ctx, "finalized")
}

// SafeBlockNumber asks the node for the number of its latest safe block.
func (r *Rpc) SafeBlockNumber(ctx context.Context) (uint64, error) {
	return r.blockNumberByTag(ctx, "safe")
}

func (r *Rpc) blockNumberByTag(ctx context.Context, tag string) (uint64, error) {
	result, err := r.Call(ctx, "eth_getBlockByNumber", []interface{}{tag, false})
	if err != nil {
		return 0, err
	}
	var block struct {
		Number string `json:"number"`
	}
	if err := json.Unmarshal(result, &block); err != nil {
		return 0, fmt.Errorf("decode %s block from %s: %w", tag, r.URL, err)
	}
	return ParseQuantity(block.Number)
}

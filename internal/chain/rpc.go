package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPClient talks JSON-RPC 2.0 to a Soroban RPC endpoint.
type HTTPClient struct {
	URL    string
	Client *http.Client
}

func NewHTTPClient(url string) *HTTPClient {
	return &HTTPClient{URL: url, Client: &http.Client{}}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *HTTPClient) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return ChainError{Op: method, Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return ChainError{Op: method, Err: fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))}
	}
	var envelope rpcResponse
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return ChainError{Op: method, Err: err}
	}
	if envelope.Error != nil {
		return ChainError{Op: method, Err: fmt.Errorf("rpc error %d: %s", envelope.Error.Code, envelope.Error.Message)}
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return ChainError{Op: method, Err: err}
		}
	}
	return nil
}

func (c *HTTPClient) AccountSequence(ctx context.Context, account string) (int64, error) {
	var result struct {
		Sequence int64 `json:"sequence,string"`
	}
	if err := c.call(ctx, "getAccount", map[string]string{"account": account}, &result); err != nil {
		return 0, err
	}
	return result.Sequence, nil
}

func (c *HTTPClient) Simulate(ctx context.Context, tx Transaction) (SimulationResult, error) {
	var result struct {
		Error          string `json:"error,omitempty"`
		MinResourceFee int64  `json:"minResourceFee,string"`
	}
	if err := c.call(ctx, "simulateTransaction", map[string]any{"transaction": tx}, &result); err != nil {
		return SimulationResult{}, err
	}
	// The endpoint reports contract-side rejection inside the result, not
	// as a transport error.
	if result.Error != "" {
		return SimulationResult{}, SimulationError{Reason: result.Error}
	}
	return SimulationResult{MinResourceFee: result.MinResourceFee}, nil
}

func (c *HTTPClient) Submit(ctx context.Context, tx SignedTransaction) (string, error) {
	var result struct {
		Status string `json:"status"`
		Hash   string `json:"hash"`
	}
	if err := c.call(ctx, "sendTransaction", map[string]any{"transaction": tx}, &result); err != nil {
		return "", err
	}
	if strings.EqualFold(result.Status, "error") {
		return "", ChainError{Op: "sendTransaction", Err: fmt.Errorf("rejected with status %s", result.Status)}
	}
	return result.Hash, nil
}

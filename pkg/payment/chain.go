package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// chainClient is a minimal JSON-RPC client for transaction receipt lookups.
type chainClient struct {
	url        string
	httpClient *http.Client
}

type chainRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type chainRPCResponse struct {
	Result *struct {
		Status string `json:"status"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// transactionSucceeded looks up a transaction receipt and reports whether it
// exists and executed successfully.
func (c *chainClient) transactionSucceeded(ctx context.Context, txHash string) (bool, error) {
	body, err := json.Marshal(chainRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_getTransactionReceipt",
		Params:  []any{txHash},
	})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create chain RPC request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("chain RPC call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("chain RPC returned %s", resp.Status)
	}

	var rpcResp chainRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return false, fmt.Errorf("failed to decode chain RPC response: %w", err)
	}
	if rpcResp.Error != nil {
		return false, fmt.Errorf("chain RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if rpcResp.Result == nil {
		return false, nil
	}
	return rpcResp.Result.Status == "0x1", nil
}

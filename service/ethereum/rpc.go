package ethereum

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/brojonat/whalewatch/service/metrics"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"
)

// ErrBlockNotFound is returned when the node has no block at the requested height.
var ErrBlockNotFound = errors.New("block not found")

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPCClient talks JSON-RPC over HTTP to an Ethereum node. Calls are paced by
// a token bucket so bursts of new heads do not trip provider rate limits.
type RPCClient struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	requestID  atomic.Uint64
}

// NewRPCClient creates a client. rps <= 0 disables pacing.
// If m is nil, no metrics will be recorded.
func NewRPCClient(endpoint string, rps float64, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *RPCClient {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	return &RPCClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		metrics:    m,
		logger:     logger,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// BlockByNumber fetches a block with full transaction objects.
func (c *RPCClient) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	raw, err := c.call(ctx, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true)
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", number, err)
	}
	block, err := ParseBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", number, err)
	}
	return block, nil
}

// BlockNumber returns the node's latest block height.
func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	raw, err := c.call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, fmt.Errorf("get block number: %w", err)
	}
	var n hexutil.Uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("decode block number: %w", err)
	}
	return uint64(n), nil
}

func (c *RPCClient) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	result, err := c.do(ctx, method, params)
	status := "success"
	if err != nil {
		status = "error"
		c.logger.DebugContext(ctx, "node rpc call failed", "method", method, "error", err)
	}
	c.metrics.RecordRPCCall(method, status, time.Since(start).Seconds())
	return result, err
}

func (c *RPCClient) do(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		c.metrics.RecordRateLimitHit()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node returned HTTP %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var rr rpcResponse
	if err := json.Unmarshal(respBody, &rr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rr.Error != nil {
		return nil, rr.Error
	}
	return rr.Result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

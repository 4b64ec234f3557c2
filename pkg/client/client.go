// Package client implements the outbound side of the A2A protocol: paced,
// retried JSON-RPC calls with automatic x402 payment handling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/payment"
)

// Status classifies the outcome of an outbound call.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusError           Status = "error"
	StatusPaymentRequired Status = "payment_required"
	StatusTimeout         Status = "timeout"
)

// Response is the outcome of one outbound exchange. Remote failures are
// reported here, not as Go errors.
type Response struct {
	Success    bool           `json:"success"`
	Status     Status         `json:"status"`
	TaskID     string         `json:"taskId,omitempty"`
	TaskStatus a2a.TaskStatus `json:"taskStatus,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Latency    time.Duration  `json:"latency"`

	// Requirement is attached when the remote agent demanded payment and no
	// payer was configured (or signing was refused).
	Requirement *payment.RequiredResponse `json:"requirement,omitempty"`
}

// Payer signs payment proofs for 402 challenges. *payment.Signer satisfies
// it; tests substitute fakes.
type Payer interface {
	Sign(rr *payment.RequiredResponse) (*payment.Proof, error)
	Identity() string
}

// Client is an outbound A2A JSON-RPC client.
type Client struct {
	httpClient  *http.Client
	payer       Payer
	logger      *slog.Logger
	maxRetries  int
	retryDelay  time.Duration
	minInterval time.Duration

	mu       sync.Mutex
	lastCall map[string]time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPayer enables automatic x402 payment on 402 challenges.
func WithPayer(p Payer) Option {
	return func(c *Client) { c.payer = p }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetry sets the bounded retry policy for transient failures.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryDelay = delay
	}
}

// WithMinInterval sets the per-endpoint pacing interval.
func WithMinInterval(d time.Duration) Option {
	return func(c *Client) { c.minInterval = d }
}

// New creates a client with sane defaults: 30s timeout, 3 attempts with 2s
// linear backoff, 1s per-endpoint pacing.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      slog.Default(),
		maxRetries:  3,
		retryDelay:  2 * time.Second,
		minInterval: time.Second,
		lastCall:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send delivers a message/send call to the agent behind card. The returned
// error is non-nil only for context cancellation; every remote failure is
// described in the Response.
func (c *Client) Send(ctx context.Context, card *a2a.AgentCard, skill, message string, params map[string]any) (*Response, error) {
	return c.call(ctx, card.URL, a2a.MethodMessageSend, a2a.MessageSendParams{
		Skill:   skill,
		Message: message,
		Params:  params,
	})
}

// GetInfo asks an agent to describe itself over RPC.
func (c *Client) GetInfo(ctx context.Context, endpoint string) (*a2a.AgentCard, error) {
	resp, err := c.call(ctx, endpoint, a2a.MethodAgentInfo, struct{}{})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("agent/info failed: %s", resp.Error)
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode agent/info result: %w", err)
	}
	var card a2a.AgentCard
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, fmt.Errorf("failed to decode agent card: %w", err)
	}
	return &card, nil
}

// Cancel requests cancellation of a remote task.
func (c *Client) Cancel(ctx context.Context, card *a2a.AgentCard, taskID, reason string) (*Response, error) {
	return c.call(ctx, card.URL, a2a.MethodTasksCancel, a2a.TasksCancelParams{
		TaskID: taskID,
		Reason: reason,
	})
}

// Poll watches a remote task until it resolves or maxWait elapses. A timeout
// produces StatusTimeout, distinct from a remote error.
func (c *Client) Poll(ctx context.Context, card *a2a.AgentCard, taskID string, interval, maxWait time.Duration) (*Response, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(maxWait)

	for {
		resp, err := c.call(ctx, card.URL, a2a.MethodTasksGet, a2a.TasksGetParams{TaskID: taskID})
		if err != nil {
			return nil, err
		}
		if !resp.Success {
			return resp, nil
		}
		switch resp.TaskStatus {
		case a2a.TaskStatusCompleted:
			return resp, nil
		case a2a.TaskStatusFailed, a2a.TaskStatusCancelled:
			resp.Success = false
			resp.Status = StatusError
			if resp.Error == "" {
				resp.Error = fmt.Sprintf("task ended in status %s", resp.TaskStatus)
			}
			return resp, nil
		}

		if time.Now().Add(interval).After(deadline) {
			return &Response{
				Status:     StatusTimeout,
				TaskID:     taskID,
				TaskStatus: resp.TaskStatus,
				Error:      fmt.Sprintf("task %s still %s after %s", taskID, resp.TaskStatus, maxWait),
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) call(ctx context.Context, endpoint, method string, params any) (*Response, error) {
	if err := c.pace(ctx, endpoint); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.roundTrip(ctx, endpoint, method, params, "")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Response{
			Status:  StatusError,
			Error:   err.Error(),
			Latency: time.Since(start),
		}, nil
	}
	resp.Latency = time.Since(start)
	return resp, nil
}

// roundTrip performs one RPC exchange, including the retry loop and the
// single payment retry on a 402 challenge.
func (c *Client) roundTrip(ctx context.Context, endpoint, method string, params any, paymentHeader string) (*Response, error) {
	req, err := a2a.NewRequest(uuid.New().String(), method, params)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var (
		status   int
		respBody []byte
	)
	for attempt := 1; ; attempt++ {
		status, respBody, err = c.post(ctx, endpoint, body, paymentHeader)
		if err == nil && !retryableStatus(status) {
			break
		}
		if attempt >= c.maxRetries {
			if err != nil {
				return nil, err
			}
			break
		}
		delay := c.retryDelay * time.Duration(attempt)
		c.logger.Debug("retrying call", "endpoint", endpoint, "method", method, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if status == http.StatusPaymentRequired {
		return c.handlePaymentRequired(ctx, endpoint, method, params, respBody, paymentHeader != "")
	}
	if status != http.StatusOK {
		return &Response{
			Status: StatusError,
			Error:  fmt.Sprintf("agent returned HTTP %d", status),
		}, nil
	}
	return decodeRPCResponse(respBody)
}

func (c *Client) handlePaymentRequired(ctx context.Context, endpoint, method string, params any, body []byte, alreadyPaid bool) (*Response, error) {
	var rr payment.RequiredResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return &Response{
			Status: StatusPaymentRequired,
			Error:  "agent demanded payment but sent an unreadable challenge",
		}, nil
	}

	if alreadyPaid {
		return &Response{
			Status:      StatusPaymentRequired,
			Error:       "payment proof was rejected",
			Requirement: &rr,
		}, nil
	}
	if c.payer == nil {
		return &Response{
			Status:      StatusPaymentRequired,
			Error:       "agent requires payment and no payer is configured",
			Requirement: &rr,
		}, nil
	}

	proof, err := c.payer.Sign(&rr)
	if err != nil {
		return &Response{
			Status:      StatusPaymentRequired,
			Error:       fmt.Sprintf("payment refused: %v", err),
			Requirement: &rr,
		}, nil
	}
	header, err := proof.EncodeHeader()
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment proof: %w", err)
	}
	c.logger.Info("paying for call", "endpoint", endpoint, "method", method)
	return c.roundTrip(ctx, endpoint, method, params, header)
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte, paymentHeader string) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if paymentHeader != "" {
		httpReq.Header.Set(a2a.PaymentHeader, paymentHeader)
	}
	if c.payer != nil {
		httpReq.Header.Set(a2a.AgentIDHeader, c.payer.Identity())
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// pace enforces the per-endpoint minimum call interval.
func (c *Client) pace(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	now := time.Now()
	var wait time.Duration
	if last, ok := c.lastCall[endpoint]; ok {
		if elapsed := now.Sub(last); elapsed < c.minInterval {
			wait = c.minInterval - elapsed
		}
	}
	c.lastCall[endpoint] = now.Add(wait)
	c.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func retryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

func decodeRPCResponse(body []byte) (*Response, error) {
	var env a2a.Response
	if err := json.Unmarshal(body, &env); err != nil {
		return &Response{
			Status: StatusError,
			Error:  fmt.Sprintf("agent returned malformed JSON-RPC: %v", err),
		}, nil
	}
	if env.Error != nil {
		return &Response{
			Status: StatusError,
			Error:  env.Error.Message,
		}, nil
	}

	raw, err := json.Marshal(env.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode result: %w", err)
	}

	resp := &Response{Success: true, Status: StatusSuccess}

	// message/send and tasks/get results share the taskId/status envelope;
	// agent/info has neither and lands entirely in Data.
	var probe struct {
		TaskID string         `json:"taskId"`
		Status a2a.TaskStatus `json:"status"`
		Data   map[string]any `json:"data"`
		Result map[string]any `json:"result"`
		Error  string         `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && (probe.TaskID != "" || probe.Status != "") {
		resp.TaskID = probe.TaskID
		resp.TaskStatus = probe.Status
		resp.Error = probe.Error
		if probe.Data != nil {
			resp.Data = probe.Data
		} else {
			resp.Data = probe.Result
		}
		return resp, nil
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err == nil {
		resp.Data = data
	}
	return resp, nil
}

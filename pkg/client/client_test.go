package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/payment"
)

func newTestClient(opts ...Option) *Client {
	base := []Option{
		WithRetry(3, time.Millisecond),
		WithMinInterval(0),
	}
	return New(append(base, opts...)...)
}

func rpcHandler(handle func(req *a2a.Request, r *http.Request) *a2a.Response) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req a2a.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(handle(&req, r))
	}
}

func cardFor(srv *httptest.Server) *a2a.AgentCard {
	return &a2a.AgentCard{Name: "test-agent", URL: srv.URL}
}

func TestSendSuccess(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(func(req *a2a.Request, _ *http.Request) *a2a.Response {
		if req.Method != a2a.MethodMessageSend {
			t.Errorf("expected message/send, got %s", req.Method)
		}
		var params a2a.MessageSendParams
		json.Unmarshal(req.Params, &params)
		if params.Skill != "echo" || params.Message != "hello" {
			t.Errorf("unexpected params: %+v", params)
		}
		return a2a.NewResponse(req.ID, a2a.MessageSendResult{
			TaskID: "task-1",
			Status: a2a.TaskStatusCompleted,
			Data:   map[string]any{"echo": "hello"},
		})
	}))
	defer srv.Close()

	resp, err := newTestClient().Send(context.Background(), cardFor(srv), "echo", "hello", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !resp.Success || resp.Status != StatusSuccess {
		t.Fatalf("expected success, got %+v", resp)
	}
	if resp.TaskID != "task-1" || resp.TaskStatus != a2a.TaskStatusCompleted {
		t.Errorf("task envelope not decoded: %+v", resp)
	}
	if resp.Data["echo"] != "hello" {
		t.Errorf("expected data to carry through, got %v", resp.Data)
	}
	if resp.Latency <= 0 {
		t.Error("expected latency to be measured")
	}
}

func TestSendRPCErrorIsNotAGoError(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(func(req *a2a.Request, _ *http.Request) *a2a.Response {
		return a2a.NewErrorResponse(req.ID, a2a.SkillNotFound, "skill not found: nope", nil)
	}))
	defer srv.Close()

	resp, err := newTestClient().Send(context.Background(), cardFor(srv), "nope", "x", nil)
	if err != nil {
		t.Fatalf("remote failure must not be a Go error: %v", err)
	}
	if resp.Success || resp.Status != StatusError {
		t.Fatalf("expected error response, got %+v", resp)
	}
	if resp.Error != "skill not found: nope" {
		t.Errorf("expected remote message, got %q", resp.Error)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		rpcHandler(func(req *a2a.Request, _ *http.Request) *a2a.Response {
			return a2a.NewResponse(req.ID, a2a.MessageSendResult{TaskID: "t", Status: a2a.TaskStatusCompleted})
		})(w, r)
	}))
	defer srv.Close()

	resp, err := newTestClient().Send(context.Background(), cardFor(srv), "echo", "x", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success after retries, got %+v", resp)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	resp, err := newTestClient().Send(context.Background(), cardFor(srv), "echo", "x", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure")
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

type fakePayer struct {
	err    error
	signed atomic.Int64
}

func (f *fakePayer) Sign(rr *payment.RequiredResponse) (*payment.Proof, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.signed.Add(1)
	return &payment.Proof{
		Version: payment.Version,
		Scheme:  "exact",
		Payload: payment.Payload{Token: "test-token"},
	}, nil
}

func (f *fakePayer) Identity() string { return "fake-payer" }

func paymentChallengeServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	var paidCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(a2a.PaymentHeader) == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(payment.RequiredResponse{
				Version: payment.Version,
				Error:   "payment required",
				Accepts: acceptsFixture(),
			})
			return
		}
		paidCalls.Add(1)
		rpcHandler(func(req *a2a.Request, _ *http.Request) *a2a.Response {
			return a2a.NewResponse(req.ID, a2a.MessageSendResult{TaskID: "paid", Status: a2a.TaskStatusCompleted})
		})(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &paidCalls
}

func acceptsFixture() []payment.Option {
	return []payment.Option{{
		Scheme:  "exact",
		Network: "base",
		Asset:   "USDC",
		Amount:  1000,
		PayTo:   "0xserver",
	}}
}

func TestPaymentRequiredWithoutPayer(t *testing.T) {
	srv, paid := paymentChallengeServer(t)

	resp, err := newTestClient().Send(context.Background(), cardFor(srv), "premium", "x", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.Success || resp.Status != StatusPaymentRequired {
		t.Fatalf("expected payment_required, got %+v", resp)
	}
	if resp.Requirement == nil || len(resp.Requirement.Accepts) != 1 {
		t.Error("expected the challenge to be attached to the response")
	}
	if paid.Load() != 0 {
		t.Error("no paid call should have happened")
	}
}

func TestPaymentRequiredPaysAndRetriesOnce(t *testing.T) {
	srv, paid := paymentChallengeServer(t)

	payer := &fakePayer{}
	resp, err := newTestClient(WithPayer(payer)).Send(context.Background(), cardFor(srv), "premium", "x", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected paid retry to succeed, got %+v", resp)
	}
	if resp.TaskID != "paid" {
		t.Errorf("expected result of the paid call, got %+v", resp)
	}
	if payer.signed.Load() != 1 || paid.Load() != 1 {
		t.Errorf("expected exactly one proof and one paid call, got %d/%d", payer.signed.Load(), paid.Load())
	}
}

func TestPaymentRefusedByPayer(t *testing.T) {
	srv, paid := paymentChallengeServer(t)

	payer := &fakePayer{err: errors.New("exceeds per-call limit")}
	resp, err := newTestClient(WithPayer(payer)).Send(context.Background(), cardFor(srv), "premium", "x", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.Success || resp.Status != StatusPaymentRequired {
		t.Fatalf("expected payment_required, got %+v", resp)
	}
	if resp.Requirement == nil {
		t.Error("expected the challenge to be attached")
	}
	if paid.Load() != 0 {
		t.Error("refused payment must not produce a paid call")
	}
}

func TestPaymentRejectedAfterPayingStops(t *testing.T) {
	// Server rejects every proof: client must not loop.
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(payment.RequiredResponse{Version: payment.Version, Accepts: acceptsFixture()})
	}))
	defer srv.Close()

	resp, err := newTestClient(WithPayer(&fakePayer{})).Send(context.Background(), cardFor(srv), "premium", "x", nil)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.Success || resp.Status != StatusPaymentRequired {
		t.Fatalf("expected payment_required, got %+v", resp)
	}
	if calls.Load() != 2 {
		t.Errorf("expected exactly one unpaid and one paid attempt, got %d", calls.Load())
	}
}

func TestPacingSpacesCalls(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(func(req *a2a.Request, _ *http.Request) *a2a.Response {
		return a2a.NewResponse(req.ID, a2a.MessageSendResult{TaskID: "t", Status: a2a.TaskStatusCompleted})
	}))
	defer srv.Close()

	c := New(WithMinInterval(60*time.Millisecond), WithRetry(1, 0))
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.Send(context.Background(), cardFor(srv), "echo", "x", nil); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 120*time.Millisecond {
		t.Errorf("3 paced calls finished in %s, pacing not enforced", elapsed)
	}
}

func TestGetInfo(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(func(req *a2a.Request, _ *http.Request) *a2a.Response {
		return a2a.NewResponse(req.ID, a2a.AgentCard{
			Name:            "info-agent",
			ProtocolVersion: a2a.ProtocolVersion,
			Skills:          []a2a.AgentSkill{{ID: "echo", Name: "Echo"}},
		})
	}))
	defer srv.Close()

	card, err := newTestClient().GetInfo(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if card.Name != "info-agent" || !card.HasSkill("echo") {
		t.Errorf("unexpected card: %+v", card)
	}
}

func TestPollUntilCompleted(t *testing.T) {
	var polls atomic.Int64
	srv := httptest.NewServer(rpcHandler(func(req *a2a.Request, _ *http.Request) *a2a.Response {
		status := a2a.TaskStatusInProgress
		if polls.Add(1) >= 3 {
			status = a2a.TaskStatusCompleted
		}
		return a2a.NewResponse(req.ID, map[string]any{
			"taskId": "task-9",
			"status": status,
			"result": map[string]any{"answer": float64(42)},
		})
	}))
	defer srv.Close()

	resp, err := newTestClient().Poll(context.Background(), cardFor(srv), "task-9", 5*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !resp.Success || resp.TaskStatus != a2a.TaskStatusCompleted {
		t.Fatalf("expected completed task, got %+v", resp)
	}
	if resp.Data["answer"] != float64(42) {
		t.Errorf("expected result data, got %v", resp.Data)
	}
}

func TestPollTimeoutIsDistinct(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(func(req *a2a.Request, _ *http.Request) *a2a.Response {
		return a2a.NewResponse(req.ID, map[string]any{"taskId": "task-slow", "status": a2a.TaskStatusInProgress})
	}))
	defer srv.Close()

	resp, err := newTestClient().Poll(context.Background(), cardFor(srv), "task-slow", 10*time.Millisecond, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if resp.Status != StatusTimeout {
		t.Fatalf("expected timeout status, got %+v", resp)
	}
	if resp.TaskStatus != a2a.TaskStatusInProgress {
		t.Errorf("timeout should report the last seen task status, got %s", resp.TaskStatus)
	}
}

func TestPollFailedTask(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(func(req *a2a.Request, _ *http.Request) *a2a.Response {
		return a2a.NewResponse(req.ID, map[string]any{
			"taskId": "task-bad",
			"status": a2a.TaskStatusFailed,
			"error":  "skill blew up",
		})
	}))
	defer srv.Close()

	resp, err := newTestClient().Poll(context.Background(), cardFor(srv), "task-bad", 5*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if resp.Success || resp.Status != StatusError {
		t.Fatalf("expected error, got %+v", resp)
	}
	if resp.Error != "skill blew up" {
		t.Errorf("expected remote error message, got %q", resp.Error)
	}
}

func TestCancel(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(func(req *a2a.Request, _ *http.Request) *a2a.Response {
		var params a2a.TasksCancelParams
		json.Unmarshal(req.Params, &params)
		return a2a.NewResponse(req.ID, a2a.TasksCancelResult{
			TaskID:    params.TaskID,
			Status:    a2a.TaskStatusCancelled,
			Cancelled: true,
		})
	}))
	defer srv.Close()

	resp, err := newTestClient().Cancel(context.Background(), cardFor(srv), "task-7", "no longer needed")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !resp.Success || resp.TaskID != "task-7" || resp.TaskStatus != a2a.TaskStatusCancelled {
		t.Errorf("unexpected cancel response: %+v", resp)
	}
}

func TestTransportErrorIsResponseNotError(t *testing.T) {
	c := New(WithRetry(1, 0), WithMinInterval(0))
	resp, err := c.Send(context.Background(), &a2a.AgentCard{URL: "http://127.0.0.1:1"}, "echo", "x", nil)
	if err != nil {
		t.Fatalf("transport failure must not surface as a Go error: %v", err)
	}
	if resp.Success || resp.Status != StatusError {
		t.Fatalf("expected error response, got %+v", resp)
	}
}

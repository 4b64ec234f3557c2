package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/payment"
	"github.com/agentmesh/agentmesh/pkg/ratelimit"
	"github.com/agentmesh/agentmesh/pkg/task"
)

type testServer struct {
	srv   *httptest.Server
	tasks *task.Store
}

func newTestServer(t *testing.T, configure func(*Options)) *testServer {
	t.Helper()

	db, dialect, err := task.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := task.NewStore(db, dialect)
	if err != nil {
		t.Fatalf("failed to init store: %v", err)
	}

	skills := NewSkillRouter()
	skills.Register(a2a.AgentSkill{ID: "echo", Name: "Echo"}, func(_ context.Context, p a2a.MessageSendParams) (map[string]any, error) {
		return map[string]any{"echo": p.Message}, nil
	})
	skills.Register(a2a.AgentSkill{ID: "explode", Name: "Explode"}, func(_ context.Context, _ a2a.MessageSendParams) (map[string]any, error) {
		panic("boom")
	})

	opts := Options{
		Card:   a2a.AgentCard{Name: "test-agent", Description: "test fixture"},
		Tasks:  store,
		Skills: skills,
	}
	if configure != nil {
		configure(&opts)
	}

	s, err := New(opts)
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, tasks: store}
}

func (ts *testServer) rpc(t *testing.T, method string, params any, headers map[string]string) (*a2a.Response, int) {
	t.Helper()
	req, err := a2a.NewRequest(1, method, params)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	body, _ := json.Marshal(req)

	httpReq, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/rpc", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("rpc call failed: %v", err)
	}
	defer resp.Body.Close()

	var env a2a.Response
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, resp.StatusCode
	}
	return &env, resp.StatusCode
}

func resultAs[T any](t *testing.T, env *a2a.Response) T {
	t.Helper()
	var out T
	raw, _ := json.Marshal(env.Result)
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	return out
}

func TestWellKnownCard(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.srv.URL + a2a.WellKnownCardPath)
	if err != nil {
		t.Fatalf("card fetch failed: %v", err)
	}
	defer resp.Body.Close()

	var card a2a.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		t.Fatalf("failed to decode card: %v", err)
	}
	if card.Name != "test-agent" || card.ProtocolVersion != a2a.ProtocolVersion {
		t.Errorf("unexpected card: %+v", card)
	}
	if len(card.Skills) != 2 || !card.HasSkill("echo") {
		t.Errorf("expected registered skills on the card, got %+v", card.Skills)
	}
}

func TestAgentInfoMethod(t *testing.T) {
	ts := newTestServer(t, nil)

	env, status := ts.rpc(t, a2a.MethodAgentInfo, struct{}{}, nil)
	if status != http.StatusOK || env.Error != nil {
		t.Fatalf("agent/info failed: status=%d err=%v", status, env.Error)
	}
	card := resultAs[a2a.AgentCard](t, env)
	if card.Name != "test-agent" {
		t.Errorf("unexpected card: %+v", card)
	}
}

func TestMessageSendLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	env, _ := ts.rpc(t, a2a.MethodMessageSend, a2a.MessageSendParams{Skill: "echo", Message: "hello"}, nil)
	if env.Error != nil {
		t.Fatalf("message/send failed: %v", env.Error)
	}
	result := resultAs[a2a.MessageSendResult](t, env)
	if result.Status != a2a.TaskStatusCompleted || result.Data["echo"] != "hello" {
		t.Fatalf("unexpected result: %+v", result)
	}

	// The exchange is recorded as a completed inbound task with an audit
	// trail.
	env, _ = ts.rpc(t, a2a.MethodTasksGet, a2a.TasksGetParams{TaskID: result.TaskID}, nil)
	if env.Error != nil {
		t.Fatalf("tasks/get failed: %v", env.Error)
	}
	got := resultAs[a2a.Task](t, env)
	if got.Status != a2a.TaskStatusCompleted || got.Direction != a2a.DirectionInbound {
		t.Errorf("unexpected task record: %+v", got)
	}

	log, err := ts.tasks.Log(context.Background(), result.TaskID)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	if len(log) != 3 {
		t.Errorf("expected created/executing/completed log, got %d entries", len(log))
	}
}

func TestMessageSendUnknownSkill(t *testing.T) {
	ts := newTestServer(t, nil)

	env, _ := ts.rpc(t, a2a.MethodMessageSend, a2a.MessageSendParams{Skill: "nope", Message: "x"}, nil)
	if env.Error == nil || env.Error.Code != a2a.SkillNotFound {
		t.Fatalf("expected skill-not-found, got %+v", env.Error)
	}
}

func TestMessageSendMissingSkill(t *testing.T) {
	ts := newTestServer(t, nil)

	env, _ := ts.rpc(t, a2a.MethodMessageSend, a2a.MessageSendParams{Message: "x"}, nil)
	if env.Error == nil || env.Error.Code != a2a.InvalidParams {
		t.Fatalf("expected invalid params, got %+v", env.Error)
	}
}

func TestSkillPanicBecomesFailedTask(t *testing.T) {
	ts := newTestServer(t, nil)

	env, status := ts.rpc(t, a2a.MethodMessageSend, a2a.MessageSendParams{Skill: "explode", Message: "x"}, nil)
	if status != http.StatusOK {
		t.Fatalf("panic must not take down the server, got HTTP %d", status)
	}
	if env.Error == nil || env.Error.Code != a2a.SkillFailed {
		t.Fatalf("expected skill-failed, got %+v", env.Error)
	}

	data, _ := env.Error.Data.(map[string]any)
	taskID, _ := data["taskId"].(string)
	if taskID == "" {
		t.Fatal("expected the failed task id in error data")
	}
	got, err := ts.tasks.Get(context.Background(), taskID)
	if err != nil {
		t.Fatalf("failed to load task: %v", err)
	}
	if got.Status != a2a.TaskStatusFailed || got.Error == "" {
		t.Errorf("expected failed task with error, got %+v", got)
	}
}

func TestTasksGetNotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	env, _ := ts.rpc(t, a2a.MethodTasksGet, a2a.TasksGetParams{TaskID: "missing"}, nil)
	if env.Error == nil || env.Error.Code != a2a.InvalidParams {
		t.Fatalf("expected invalid params for unknown task, got %+v", env.Error)
	}
}

func TestTasksCancel(t *testing.T) {
	ts := newTestServer(t, nil)

	id, err := ts.tasks.Create(context.Background(), task.CreateParams{
		Skill:     "echo",
		Direction: a2a.DirectionInbound,
	})
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	env, _ := ts.rpc(t, a2a.MethodTasksCancel, a2a.TasksCancelParams{TaskID: id, Reason: "test"}, nil)
	if env.Error != nil {
		t.Fatalf("tasks/cancel failed: %v", env.Error)
	}
	result := resultAs[a2a.TasksCancelResult](t, env)
	if !result.Cancelled || result.Status != a2a.TaskStatusCancelled {
		t.Errorf("expected cancelled task, got %+v", result)
	}

	// Cancelling a terminal task reports cancelled=false without error.
	env, _ = ts.rpc(t, a2a.MethodTasksCancel, a2a.TasksCancelParams{TaskID: id}, nil)
	if env.Error != nil {
		t.Fatalf("second cancel errored: %v", env.Error)
	}
	result = resultAs[a2a.TasksCancelResult](t, env)
	if result.Cancelled {
		t.Error("terminal task must not report cancelled=true again")
	}
}

func TestMethodNotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	env, _ := ts.rpc(t, "bogus/method", struct{}{}, nil)
	if env.Error == nil || env.Error.Code != a2a.MethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", env.Error)
	}
}

func TestParseError(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Post(ts.srv.URL+"/rpc", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	defer resp.Body.Close()

	var env a2a.Response
	json.NewDecoder(resp.Body).Decode(&env)
	if env.Error == nil || env.Error.Code != a2a.ParseError {
		t.Fatalf("expected parse error, got %+v", env.Error)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	now := time.Now()
	limiter, err := ratelimit.New(2, time.Minute, ratelimit.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("failed to build limiter: %v", err)
	}
	ts := newTestServer(t, func(o *Options) { o.Limiter = limiter })

	headers := map[string]string{a2a.AgentIDHeader: "caller-a"}
	for i := 0; i < 2; i++ {
		if _, status := ts.rpc(t, a2a.MethodAgentInfo, struct{}{}, headers); status != http.StatusOK {
			t.Fatalf("request %d unexpectedly limited", i+1)
		}
	}

	req, _ := a2a.NewRequest(1, a2a.MethodAgentInfo, struct{}{})
	body, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/rpc", bytes.NewReader(body))
	httpReq.Header.Set(a2a.AgentIDHeader, "caller-a")
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// A different identity is unaffected.
	if _, status := ts.rpc(t, a2a.MethodAgentInfo, struct{}{}, map[string]string{a2a.AgentIDHeader: "caller-b"}); status != http.StatusOK {
		t.Error("independent identity must not share the window")
	}
}

func paidServer(t *testing.T) *testServer {
	return newTestServer(t, func(o *Options) {
		db, dialect, err := task.Open("sqlite3", ":memory:")
		if err != nil {
			t.Fatalf("failed to open ledger db: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		ledger, err := payment.NewLedger(db, dialect)
		if err != nil {
			t.Fatalf("failed to init ledger: %v", err)
		}
		verifier, err := payment.NewVerifier(payment.VerifierConfig{
			Required: true,
			Amount:   1000,
			Currency: "USDC",
			Chain:    "base",
			PayTo:    "0xserver",
		}, ledger, nil, nil)
		if err != nil {
			t.Fatalf("failed to build verifier: %v", err)
		}
		o.Verifier = verifier
	})
}

func TestPaymentChallengeOnMessageSend(t *testing.T) {
	ts := paidServer(t)

	req, _ := a2a.NewRequest(1, a2a.MethodMessageSend, a2a.MessageSendParams{Skill: "echo", Message: "x"})
	body, _ := json.Marshal(req)
	resp, err := http.Post(ts.srv.URL+"/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	var rr payment.RequiredResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		t.Fatalf("failed to decode challenge: %v", err)
	}
	if len(rr.Accepts) != 1 || rr.Accepts[0].Amount != 1000 || rr.Accepts[0].PayTo != "0xserver" {
		t.Errorf("unexpected challenge: %+v", rr)
	}
}

func TestPaymentNotChargedOnFreeMethods(t *testing.T) {
	ts := paidServer(t)

	env, status := ts.rpc(t, a2a.MethodAgentInfo, struct{}{}, nil)
	if status != http.StatusOK || env.Error != nil {
		t.Fatalf("agent/info must stay free: status=%d err=%v", status, env.Error)
	}
	card := resultAs[a2a.AgentCard](t, env)
	if card.Payment == nil || !card.Payment.Required {
		t.Error("card should advertise payment terms")
	}
}

func TestPaymentProofAccepted(t *testing.T) {
	ts := paidServer(t)

	proof := &payment.Proof{
		Version: payment.Version,
		Scheme:  "exact",
		Network: "base",
		Payload: payment.Payload{
			Authorization: &payment.Authorization{
				From:        "honor-sender",
				To:          "0xserver",
				Amount:      1000,
				Asset:       "USDC",
				Network:     "base",
				Nonce:       "n-1",
				ValidAfter:  time.Now().Add(-time.Minute).Unix(),
				ValidBefore: time.Now().Add(time.Minute).Unix(),
			},
		},
	}
	header, err := proof.EncodeHeader()
	if err != nil {
		t.Fatalf("failed to encode proof: %v", err)
	}

	env, status := ts.rpc(t, a2a.MethodMessageSend,
		a2a.MessageSendParams{Skill: "echo", Message: "paid"},
		map[string]string{a2a.PaymentHeader: header})
	if status != http.StatusOK {
		t.Fatalf("expected paid call to pass, got HTTP %d", status)
	}
	if env.Error != nil {
		t.Fatalf("paid call failed: %v", env.Error)
	}
	result := resultAs[a2a.MessageSendResult](t, env)
	if result.Data["echo"] != "paid" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestAnalyticsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	for i := 0; i < 3; i++ {
		ts.rpc(t, a2a.MethodMessageSend, a2a.MessageSendParams{Skill: "echo", Message: fmt.Sprintf("m%d", i)}, nil)
	}
	ts.rpc(t, a2a.MethodMessageSend, a2a.MessageSendParams{Skill: "explode", Message: "x"}, nil)

	resp, err := http.Get(ts.srv.URL + "/skills/analytics")
	if err != nil {
		t.Fatalf("analytics fetch failed: %v", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Skills []SkillAnalytics `json:"skills"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode analytics: %v", err)
	}

	bySkill := map[string]SkillAnalytics{}
	for _, s := range payload.Skills {
		bySkill[s.Skill] = s
	}
	if a := bySkill["echo"]; a.Calls != 3 || a.Errors != 0 || a.SuccessRate != 1.0 {
		t.Errorf("unexpected echo analytics: %+v", a)
	}
	if a := bySkill["explode"]; a.Calls != 1 || a.Errors != 1 || a.SuccessRate != 0 {
		t.Errorf("unexpected explode analytics: %+v", a)
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.rpc(t, a2a.MethodMessageSend, a2a.MessageSendParams{Skill: "echo", Message: "x"}, nil)

	resp, err := http.Get(ts.srv.URL + "/stats")
	if err != nil {
		t.Fatalf("stats fetch failed: %v", err)
	}
	defer resp.Body.Close()

	var stats task.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.Total != 1 || stats.ByStatus["completed"] != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz fetch failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

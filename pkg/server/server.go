// Package server hosts the inbound A2A surface: JSON-RPC over HTTP with
// rate-limit and payment middleware, agent card discovery, and analytics
// endpoints.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/observability"
	"github.com/agentmesh/agentmesh/pkg/payment"
	"github.com/agentmesh/agentmesh/pkg/ratelimit"
	"github.com/agentmesh/agentmesh/pkg/task"
)

// Options wires the server's collaborators. Tasks and Skills are required;
// a nil Limiter disables rate limiting and a nil Verifier disables payments.
type Options struct {
	Addr     string
	Card     a2a.AgentCard
	Tasks    *task.Store
	Skills   *SkillRouter
	Verifier *payment.Verifier
	Limiter  *ratelimit.Limiter
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Server is the inbound A2A HTTP server.
type Server struct {
	opts       Options
	logger     *slog.Logger
	httpServer *http.Server
}

// New builds the server and its route tree.
func New(opts Options) (*Server, error) {
	if opts.Tasks == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if opts.Skills == nil {
		opts.Skills = NewSkillRouter()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.New()
	}

	s := &Server{opts: opts, logger: opts.Logger}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the route tree, mostly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get(a2a.WellKnownCardPath, s.handleCard)
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/skills/analytics", s.handleAnalytics)
	r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)
		r.Use(s.paymentMiddleware)
		r.Post("/rpc", s.handleRPC)
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.httpServer.Addr, "agent", s.opts.Card.Name)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// callerIdentity picks the rate-limit key: the self-declared agent id when
// present, the client IP otherwise.
func callerIdentity(r *http.Request) string {
	if id := r.Header.Get(a2a.AgentIDHeader); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		res := s.opts.Limiter.Allow(callerIdentity(r))
		if !res.Allowed {
			s.opts.Metrics.RateLimited.Inc()
			retryAfter := int(res.RetryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, a2a.NewErrorResponse(nil, a2a.RateLimited,
				fmt.Sprintf("rate limit exceeded: %d requests per window", res.Limit),
				map[string]any{"retryAfterSeconds": retryAfter}))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// paymentMiddleware charges message/send calls. It buffers the body to peek
// at the method, then restores it for the RPC handler.
func (s *Server) paymentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Verifier == nil || !s.opts.Verifier.Required() {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var probe struct {
			Method string `json:"method"`
		}
		// Malformed bodies fall through to the RPC parser for a proper
		// -32700.
		if json.Unmarshal(body, &probe) != nil || probe.Method != a2a.MethodMessageSend {
			next.ServeHTTP(w, r)
			return
		}

		result, err := s.opts.Verifier.VerifyHeader(r.Context(), r.Header.Get(a2a.PaymentHeader))
		if err != nil {
			s.logger.Error("payment verification failed", "error", err)
			writeJSON(w, http.StatusInternalServerError,
				a2a.NewErrorResponse(nil, a2a.InternalError, "payment verification failed", nil))
			return
		}
		if !result.Accepted {
			s.opts.Metrics.PaymentsRejected.Inc()
			s.logger.Info("payment rejected", "reason", result.Reason, "caller", callerIdentity(r))
			writeJSON(w, http.StatusPaymentRequired, result.Requirement)
			return
		}
		s.opts.Metrics.PaymentsAccepted.WithLabelValues(acceptTier(result)).Inc()
		next.ServeHTTP(w, r)
	})
}

func acceptTier(res *payment.VerifyResult) string {
	if res.Verified {
		return "verified"
	}
	return "unverified"
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeJSON(w, http.StatusOK, a2a.NewErrorResponse(nil, a2a.ParseError, "failed to read body", nil))
		return
	}

	var req a2a.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.opts.Metrics.RequestsTotal.WithLabelValues("unknown", "parse_error").Inc()
		writeJSON(w, http.StatusOK, a2a.NewErrorResponse(nil, a2a.ParseError, "invalid JSON", nil))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.opts.Metrics.RequestsTotal.WithLabelValues("unknown", "invalid_request").Inc()
		writeJSON(w, http.StatusOK, a2a.NewErrorResponse(req.ID, a2a.InvalidRequest, "not a JSON-RPC 2.0 request", nil))
		return
	}

	resp := s.dispatch(r, &req)

	outcome := "ok"
	if resp.Error != nil {
		outcome = "error"
	}
	s.opts.Metrics.RequestsTotal.WithLabelValues(req.Method, outcome).Inc()
	s.opts.Metrics.RequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) dispatch(r *http.Request, req *a2a.Request) *a2a.Response {
	ctx := r.Context()
	switch req.Method {
	case a2a.MethodAgentInfo:
		return a2a.NewResponse(req.ID, s.card())
	case a2a.MethodMessageSend:
		return s.handleMessageSend(ctx, r, req)
	case a2a.MethodTasksGet:
		return s.handleTasksGet(ctx, req)
	case a2a.MethodTasksCancel:
		return s.handleTasksCancel(ctx, req)
	default:
		return a2a.NewErrorResponse(req.ID, a2a.MethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (s *Server) handleMessageSend(ctx context.Context, r *http.Request, req *a2a.Request) *a2a.Response {
	var params a2a.MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return a2a.NewErrorResponse(req.ID, a2a.InvalidParams, "invalid message/send params", nil)
	}
	if params.Skill == "" {
		return a2a.NewErrorResponse(req.ID, a2a.InvalidParams, "skill is required", nil)
	}
	if !s.opts.Skills.Has(params.Skill) {
		return a2a.NewErrorResponse(req.ID, a2a.SkillNotFound,
			fmt.Sprintf("skill not found: %s", params.Skill), nil)
	}

	taskID, err := s.opts.Tasks.Create(ctx, task.CreateParams{
		Skill:            params.Skill,
		Message:          params.Message,
		Params:           params.Params,
		Direction:        a2a.DirectionInbound,
		CounterpartyName: r.Header.Get(a2a.AgentIDHeader),
		CounterpartyURL:  callerIdentity(r),
	})
	if err != nil {
		s.logger.Error("failed to record inbound task", "skill", params.Skill, "error", err)
		return a2a.NewErrorResponse(req.ID, a2a.InternalError, "failed to record task", nil)
	}
	if _, err := s.opts.Tasks.Transition(ctx, taskID, a2a.TaskStatusInProgress, "executing"); err != nil {
		s.logger.Error("failed to transition task", "task", taskID, "error", err)
	}

	data, execErr := s.opts.Skills.Execute(ctx, params)
	if execErr != nil {
		if _, err := s.opts.Tasks.Fail(ctx, taskID, execErr.Error()); err != nil {
			s.logger.Error("failed to mark task failed", "task", taskID, "error", err)
		}
		s.logger.Warn("skill execution failed", "skill", params.Skill, "task", taskID, "error", execErr)
		return a2a.NewErrorResponse(req.ID, a2a.SkillFailed, execErr.Error(),
			map[string]any{"taskId": taskID})
	}

	if _, err := s.opts.Tasks.Complete(ctx, taskID, data); err != nil {
		s.logger.Error("failed to mark task completed", "task", taskID, "error", err)
	}
	return a2a.NewResponse(req.ID, a2a.MessageSendResult{
		TaskID: taskID,
		Status: a2a.TaskStatusCompleted,
		Data:   data,
	})
}

func (s *Server) handleTasksGet(ctx context.Context, req *a2a.Request) *a2a.Response {
	var params a2a.TasksGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
		return a2a.NewErrorResponse(req.ID, a2a.InvalidParams, "taskId is required", nil)
	}
	t, err := s.opts.Tasks.Get(ctx, params.TaskID)
	if errors.Is(err, task.ErrTaskNotFound) {
		return a2a.NewErrorResponse(req.ID, a2a.InvalidParams,
			fmt.Sprintf("task not found: %s", params.TaskID), nil)
	}
	if err != nil {
		return a2a.NewErrorResponse(req.ID, a2a.InternalError, "failed to load task", nil)
	}
	return a2a.NewResponse(req.ID, t)
}

func (s *Server) handleTasksCancel(ctx context.Context, req *a2a.Request) *a2a.Response {
	var params a2a.TasksCancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
		return a2a.NewErrorResponse(req.ID, a2a.InvalidParams, "taskId is required", nil)
	}
	reason := params.Reason
	if reason == "" {
		reason = "cancelled by caller"
	}

	cancelled, err := s.opts.Tasks.Cancel(ctx, params.TaskID, reason)
	if err != nil {
		return a2a.NewErrorResponse(req.ID, a2a.InternalError, "failed to cancel task", nil)
	}

	t, err := s.opts.Tasks.Get(ctx, params.TaskID)
	if errors.Is(err, task.ErrTaskNotFound) {
		return a2a.NewErrorResponse(req.ID, a2a.InvalidParams,
			fmt.Sprintf("task not found: %s", params.TaskID), nil)
	}
	if err != nil {
		return a2a.NewErrorResponse(req.ID, a2a.InternalError, "failed to load task", nil)
	}
	return a2a.NewResponse(req.ID, a2a.TasksCancelResult{
		TaskID:    params.TaskID,
		Status:    t.Status,
		Cancelled: cancelled,
	})
}

// card renders the agent card with the live skill list and payment terms.
func (s *Server) card() a2a.AgentCard {
	card := s.opts.Card
	card.ProtocolVersion = a2a.ProtocolVersion
	card.Skills = s.opts.Skills.Skills()
	if s.opts.Verifier != nil && s.opts.Verifier.Required() {
		card.Capabilities.Payments = true
		rr := s.opts.Verifier.Requirement()
		if len(rr.Accepts) > 0 {
			opt := rr.Accepts[0]
			card.Payment = &a2a.PaymentInfo{
				Required: true,
				Price:    payment.FormatAmount(opt.Amount),
				Currency: opt.Asset,
				Chain:    opt.Network,
				PayTo:    opt.PayTo,
			}
		}
	}
	return card
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.card())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "agent": s.opts.Card.Name})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Tasks.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to load stats", http.StatusInternalServerError)
		return
	}
	for status, count := range stats.ByStatus {
		s.opts.Metrics.TasksByStatus.WithLabelValues(status).Set(float64(count))
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"skills": s.opts.Skills.Analytics()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

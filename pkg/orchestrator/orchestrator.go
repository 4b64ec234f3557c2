// Package orchestrator coordinates multi-agent calls: parallel fan-out,
// sequential pipelines, and consensus over fan-out results, all under one
// shared concurrency ceiling.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/client"
	"github.com/agentmesh/agentmesh/pkg/observability"
	"github.com/agentmesh/agentmesh/pkg/task"
)

// DefaultConcurrency is the shared ceiling on in-flight agent calls.
const DefaultConcurrency = 5

// DefaultTimeout bounds one whole orchestration run.
const DefaultTimeout = 60 * time.Second

// Caller sends messages to remote agents. *client.Client satisfies it.
type Caller interface {
	Send(ctx context.Context, card *a2a.AgentCard, skill, message string, params map[string]any) (*client.Response, error)
}

// CardResolver resolves endpoint URLs to agent cards.
type CardResolver interface {
	FetchCard(ctx context.Context, url string, force bool) (*a2a.AgentCard, error)
}

// CallResult is the outcome of one agent call inside an orchestration.
type CallResult struct {
	AgentURL  string         `json:"agentUrl"`
	AgentName string         `json:"agentName,omitempty"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Latency   time.Duration  `json:"latency"`
	TaskID    string         `json:"taskId,omitempty"`
}

// FanOutResult aggregates a parallel broadcast.
type FanOutResult struct {
	Results      []CallResult  `json:"results"`
	AgentCount   int           `json:"agentCount"`
	SuccessCount int           `json:"successCount"`
	SuccessRate  float64       `json:"successRate"`
	Duration     time.Duration `json:"duration"`
}

// BestResponse returns the lowest-latency successful result, or nil when
// every call failed.
func (r *FanOutResult) BestResponse() *CallResult {
	var best *CallResult
	for i := range r.Results {
		res := &r.Results[i]
		if !res.Success {
			continue
		}
		if best == nil || res.Latency < best.Latency {
			best = res
		}
	}
	return best
}

// Orchestrator runs multi-agent workflows and records every outbound call as
// a task.
type Orchestrator struct {
	caller   Caller
	resolver CardResolver
	tasks    *task.Store
	sem      *semaphore.Weighted
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency overrides the shared in-flight call ceiling.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithTimeout overrides the default per-run timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics counts outbound call outcomes on the shared metrics set.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an orchestrator. tasks may be nil, disabling call recording.
func New(caller Caller, resolver CardResolver, tasks *task.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		caller:   caller,
		resolver: resolver,
		tasks:    tasks,
		sem:      semaphore.NewWeighted(DefaultConcurrency),
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FanOut broadcasts one message to every agent in parallel under the shared
// concurrency ceiling. Calls abandoned by the run timeout still appear as
// failures in the result set; an empty agent list yields a zero success
// rate, not a division error.
func (o *Orchestrator) FanOut(ctx context.Context, agentURLs []string, skill, message string, params map[string]any) *FanOutResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	results := make([]CallResult, len(agentURLs))
	var wg sync.WaitGroup
	for i, url := range agentURLs {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			if err := o.sem.Acquire(ctx, 1); err != nil {
				results[i] = CallResult{AgentURL: url, Error: fmt.Sprintf("abandoned: %v", err)}
				return
			}
			defer o.sem.Release(1)
			results[i] = o.callAgent(ctx, url, skill, message, params)
		}(i, url)
	}
	wg.Wait()

	out := &FanOutResult{
		Results:    results,
		AgentCount: len(agentURLs),
		Duration:   time.Since(start),
	}
	for _, r := range results {
		if r.Success {
			out.SuccessCount++
		}
	}
	if out.AgentCount > 0 {
		out.SuccessRate = float64(out.SuccessCount) / float64(out.AgentCount)
	}
	o.logger.Info("fan-out finished", "agents", out.AgentCount, "successes", out.SuccessCount, "duration", out.Duration)
	return out
}

// CallOne sends one message to one agent under the shared ceiling.
func (o *Orchestrator) CallOne(ctx context.Context, agentURL, skill, message string, params map[string]any) *CallResult {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return &CallResult{AgentURL: agentURL, Error: fmt.Sprintf("abandoned: %v", err)}
	}
	defer o.sem.Release(1)

	res := o.callAgent(ctx, agentURL, skill, message, params)
	return &res
}

// callAgent resolves, calls, and records one agent exchange.
func (o *Orchestrator) callAgent(ctx context.Context, url, skill, message string, params map[string]any) CallResult {
	result := CallResult{AgentURL: url}
	start := time.Now()

	card, err := o.resolver.FetchCard(ctx, url, false)
	if err != nil {
		result.Error = fmt.Sprintf("failed to resolve agent: %v", err)
		result.Latency = time.Since(start)
		o.recordCall(url, "", skill, message, params, result)
		return result
	}
	result.AgentName = card.Name

	resp, err := o.caller.Send(ctx, card, skill, message, params)
	if err != nil {
		result.Error = err.Error()
		result.Latency = time.Since(start)
		o.recordCall(url, card.Name, skill, message, params, result)
		return result
	}

	result.Success = resp.Success
	result.Data = resp.Data
	result.Error = resp.Error
	result.Latency = resp.Latency
	if result.Latency == 0 {
		result.Latency = time.Since(start)
	}
	o.recordCall(url, card.Name, skill, message, params, result)
	return result
}

// recordCall persists the exchange as an outbound task. Recording uses a
// fresh context so a timed-out run still leaves an audit record.
func (o *Orchestrator) recordCall(url, name, skill, message string, params map[string]any, result CallResult) {
	if o.metrics != nil {
		outcome := "error"
		if result.Success {
			outcome = "success"
		}
		o.metrics.OutboundCalls.WithLabelValues(outcome).Inc()
	}
	if o.tasks == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := o.tasks.Create(ctx, task.CreateParams{
		Skill:            skill,
		Message:          message,
		Params:           params,
		Direction:        a2a.DirectionOutbound,
		CounterpartyName: name,
		CounterpartyURL:  url,
	})
	if err != nil {
		o.logger.Error("failed to record outbound task", "agent", url, "error", err)
		return
	}
	if result.Success {
		_, err = o.tasks.Complete(ctx, id, result.Data)
	} else {
		_, err = o.tasks.Fail(ctx, id, result.Error)
	}
	if err != nil {
		o.logger.Error("failed to resolve outbound task", "task", id, "error", err)
	}
}

// PipelineStep is one stage of a sequential workflow. The literal {{prev}}
// in Message is replaced with the previous step's result.
type PipelineStep struct {
	AgentURL string         `json:"agentUrl"`
	Skill    string         `json:"skill"`
	Message  string         `json:"message"`
	Params   map[string]any `json:"params,omitempty"`
}

// PipelineResult holds the executed steps, partial on failure.
type PipelineResult struct {
	Steps     []CallResult  `json:"steps"`
	Completed bool          `json:"completed"`
	Duration  time.Duration `json:"duration"`
}

// Pipeline runs steps in order, feeding each step's output into the next.
// It stops at the first failing step.
func (o *Orchestrator) Pipeline(ctx context.Context, steps []PipelineStep) *PipelineResult {
	start := time.Now()
	out := &PipelineResult{}

	var prev map[string]any
	for i, step := range steps {
		message := step.Message
		if strings.Contains(message, "{{prev}}") {
			message = strings.ReplaceAll(message, "{{prev}}", renderPrev(prev))
		}

		res := o.CallOne(ctx, step.AgentURL, step.Skill, message, step.Params)
		out.Steps = append(out.Steps, *res)
		if !res.Success {
			o.logger.Warn("pipeline stopped", "step", i, "agent", step.AgentURL, "error", res.Error)
			out.Duration = time.Since(start)
			return out
		}
		prev = res.Data
	}

	out.Completed = true
	out.Duration = time.Since(start)
	return out
}

func renderPrev(prev map[string]any) string {
	if len(prev) == 0 {
		return ""
	}
	b, err := json.Marshal(prev)
	if err != nil {
		return ""
	}
	return string(b)
}

// Scorer reduces fan-out results to a consensus verdict.
type Scorer func(results []CallResult) ConsensusVerdict

// ConsensusVerdict summarizes agreement across agents.
type ConsensusVerdict struct {
	Agreement    float64        `json:"agreement"`
	CommonFields []string       `json:"commonFields,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// ConsensusResult pairs the raw fan-out with the scored verdict.
type ConsensusResult struct {
	FanOut  *FanOutResult    `json:"fanOut"`
	Verdict ConsensusVerdict `json:"verdict"`
}

// Consensus broadcasts a question and scores the answers. A nil scorer uses
// FieldIntersectionScorer.
func (o *Orchestrator) Consensus(ctx context.Context, agentURLs []string, skill, message string, params map[string]any, scorer Scorer) *ConsensusResult {
	if scorer == nil {
		scorer = FieldIntersectionScorer
	}
	fanOut := o.FanOut(ctx, agentURLs, skill, message, params)
	return &ConsensusResult{
		FanOut:  fanOut,
		Verdict: scorer(fanOut.Results),
	}
}

// FieldIntersectionScorer is the default consensus scorer: agreement is the
// fraction of agents that answered at all, and common fields are the
// top-level keys every successful answer shares.
func FieldIntersectionScorer(results []CallResult) ConsensusVerdict {
	verdict := ConsensusVerdict{}
	if len(results) == 0 {
		return verdict
	}

	var common map[string]struct{}
	answered := 0
	for _, r := range results {
		if !r.Success {
			continue
		}
		answered++
		if common == nil {
			common = make(map[string]struct{}, len(r.Data))
			for k := range r.Data {
				common[k] = struct{}{}
			}
			continue
		}
		for k := range common {
			if _, ok := r.Data[k]; !ok {
				delete(common, k)
			}
		}
	}

	verdict.Agreement = float64(answered) / float64(len(results))
	for k := range common {
		verdict.CommonFields = append(verdict.CommonFields, k)
	}
	sort.Strings(verdict.CommonFields)
	verdict.Details = map[string]any{"answered": answered, "asked": len(results)}
	return verdict
}

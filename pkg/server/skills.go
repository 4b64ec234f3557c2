package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// SkillHandler executes one skill invocation and returns its result payload.
type SkillHandler func(ctx context.Context, params a2a.MessageSendParams) (map[string]any, error)

// SkillRouter maps skill ids to handlers and tracks per-skill analytics.
type SkillRouter struct {
	mu       sync.RWMutex
	handlers map[string]registeredSkill
	stats    map[string]*skillStats
}

type registeredSkill struct {
	skill   a2a.AgentSkill
	handler SkillHandler
}

type skillStats struct {
	calls        int64
	errors       int64
	totalLatency time.Duration
}

// SkillAnalytics is the served snapshot of one skill's counters.
type SkillAnalytics struct {
	Skill          string  `json:"skill"`
	Calls          int64   `json:"calls"`
	Errors         int64   `json:"errors"`
	SuccessRate    float64 `json:"successRate"`
	AvgLatencyMs   float64 `json:"avgLatencyMs"`
	TotalLatencyMs int64   `json:"totalLatencyMs"`
}

// NewSkillRouter creates an empty router.
func NewSkillRouter() *SkillRouter {
	return &SkillRouter{
		handlers: make(map[string]registeredSkill),
		stats:    make(map[string]*skillStats),
	}
}

// Register adds a skill. Re-registering an id replaces the handler.
func (r *SkillRouter) Register(skill a2a.AgentSkill, handler SkillHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[skill.ID] = registeredSkill{skill: skill, handler: handler}
	if _, ok := r.stats[skill.ID]; !ok {
		r.stats[skill.ID] = &skillStats{}
	}
}

// Skills lists the registered skills in id order, for the agent card.
func (r *SkillRouter) Skills() []a2a.AgentSkill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skills := make([]a2a.AgentSkill, 0, len(r.handlers))
	for _, reg := range r.handlers {
		skills = append(skills, reg.skill)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].ID < skills[j].ID })
	return skills
}

// Has reports whether a skill id is registered.
func (r *SkillRouter) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[id]
	return ok
}

// Execute runs a skill handler with panic recovery and records analytics.
// A panicking handler is reported as a skill execution error, not a crash.
func (r *SkillRouter) Execute(ctx context.Context, params a2a.MessageSendParams) (result map[string]any, err error) {
	r.mu.RLock()
	reg, ok := r.handlers[params.Skill]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("skill not registered: %s", params.Skill)
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("skill %s panicked: %v", params.Skill, rec)
		}
		r.record(params.Skill, time.Since(start), err != nil)
	}()

	return reg.handler(ctx, params)
}

func (r *SkillRouter) record(skill string, latency time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stats[skill]
	if !ok {
		st = &skillStats{}
		r.stats[skill] = st
	}
	st.calls++
	st.totalLatency += latency
	if failed {
		st.errors++
	}
}

// Analytics returns a snapshot of every skill's counters, sorted by skill id.
func (r *SkillRouter) Analytics() []SkillAnalytics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SkillAnalytics, 0, len(r.stats))
	for id, st := range r.stats {
		a := SkillAnalytics{
			Skill:          id,
			Calls:          st.calls,
			Errors:         st.errors,
			TotalLatencyMs: st.totalLatency.Milliseconds(),
		}
		if st.calls > 0 {
			a.SuccessRate = float64(st.calls-st.errors) / float64(st.calls)
			a.AvgLatencyMs = float64(st.totalLatency.Milliseconds()) / float64(st.calls)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Skill < out[j].Skill })
	return out
}

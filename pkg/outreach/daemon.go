package outreach

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/observability"
	"github.com/agentmesh/agentmesh/pkg/orchestrator"
)

// Lister provides the candidate agent set. *registry.Discovery satisfies it.
type Lister interface {
	ListAgents(ctx context.Context, chain string, limit int) ([]a2a.AgentEntry, error)
}

// Broadcaster contacts a batch of agents. *orchestrator.Orchestrator
// satisfies it.
type Broadcaster interface {
	FanOut(ctx context.Context, agentURLs []string, skill, message string, params map[string]any) *orchestrator.FanOutResult
}

// RoundStats summarizes one outreach round.
type RoundStats struct {
	Discovered  int `json:"discovered"`
	Due         int `json:"due"`
	Contacted   int `json:"contacted"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	PaidSkipped int `json:"paidSkipped"`
}

// Daemon is the prospecting loop: every interval it refreshes discovery,
// contacts due agents under the shared concurrency ceiling, and updates the
// reliability ledger.
type Daemon struct {
	cfg         config.OutreachConfig
	chain       string
	lister      Lister
	broadcaster Broadcaster
	reliability *ReliabilityStore
	scorer      Scorer
	signals     *expirable.LRU[string, map[string]any]
	logger      *slog.Logger
	metrics     *observability.Metrics
	now         func() time.Time

	mu        sync.Mutex
	paidDay   time.Time
	paidCount int
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithScorer replaces the default keyword scorer.
func WithScorer(s Scorer) Option {
	return func(d *Daemon) { d.scorer = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithClock injects a clock for deterministic cooldown tests.
func WithClock(now func() time.Time) Option {
	return func(d *Daemon) { d.now = now }
}

// WithMetrics counts completed rounds on the shared metrics set.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Daemon) { d.metrics = m }
}

// New creates the daemon. cfg is expected to have defaults applied.
func New(cfg config.OutreachConfig, chain string, lister Lister, broadcaster Broadcaster, reliability *ReliabilityStore, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:         cfg,
		chain:       chain,
		lister:      lister,
		broadcaster: broadcaster,
		reliability: reliability,
		scorer:      NewKeywordScorer(cfg.Keywords),
		signals:     expirable.NewLRU[string, map[string]any](cfg.SignalCacheSize, nil, cfg.SignalCacheTTL),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run loops until ctx is cancelled. Every round error is caught and logged;
// one bad round never stops the daemon.
func (d *Daemon) Run(ctx context.Context) {
	d.logger.Info("outreach daemon starting", "interval", d.cfg.Interval, "chain", d.chain)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.safeRound(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outreach daemon stopping")
			return
		case <-ticker.C:
			d.safeRound(ctx)
		}
	}
}

func (d *Daemon) safeRound(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("outreach round panicked", "panic", rec)
		}
	}()
	stats, err := d.RunRound(ctx)
	if err != nil {
		d.logger.Error("outreach round failed", "error", err)
		return
	}
	d.logger.Info("outreach round finished",
		"discovered", stats.Discovered, "due", stats.Due, "contacted", stats.Contacted,
		"succeeded", stats.Succeeded, "failed", stats.Failed, "paidSkipped", stats.PaidSkipped)
}

// RunRound executes one full prospecting round.
func (d *Daemon) RunRound(ctx context.Context) (*RoundStats, error) {
	stats := &RoundStats{}

	entries, err := d.lister.ListAgents(ctx, d.chain, 0)
	if err != nil {
		return nil, fmt.Errorf("discovery failed: %w", err)
	}
	stats.Discovered = len(entries)

	byURL := make(map[string]a2a.AgentEntry, len(entries))
	for _, e := range entries {
		if e.EndpointURL == "" {
			continue
		}
		if err := d.reliability.Upsert(ctx, e.EndpointURL, e.Name); err != nil {
			d.logger.Warn("failed to upsert reliability record", "url", e.EndpointURL, "error", err)
			continue
		}
		byURL[e.EndpointURL] = e
	}

	due, err := d.dueSet(ctx, byURL)
	if err != nil {
		return nil, err
	}
	stats.Due = len(due)

	targets := d.capPaid(due, byURL, stats)
	if len(targets) > 0 {
		roundCtx, cancel := context.WithTimeout(ctx, d.cfg.ContactTimeout)
		defer cancel()
		result := d.broadcaster.FanOut(roundCtx, targets, d.cfg.ProbeSkill, d.cfg.ProbeMessage, nil)
		stats.Contacted = result.AgentCount

		for _, call := range result.Results {
			if err := d.applyResult(ctx, call, stats); err != nil {
				d.logger.Warn("failed to apply call result", "url", call.AgentURL, "error", err)
			}
		}
	}

	if d.metrics != nil {
		d.metrics.OutreachRounds.Inc()
	}
	return stats, nil
}

// dueSet picks the endpoints whose cooldowns have elapsed, dropping agents
// inside a failure cooldown.
func (d *Daemon) dueSet(ctx context.Context, discovered map[string]a2a.AgentEntry) ([]string, error) {
	records, err := d.reliability.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load reliability ledger: %w", err)
	}

	now := d.now()
	var due []string
	for _, rec := range records {
		if _, known := discovered[rec.URL]; !known {
			continue
		}
		if d.benched(rec, now) {
			continue
		}
		if rec.LastContact != nil && now.Sub(*rec.LastContact) < d.cooldown(rec.Tier) {
			continue
		}
		due = append(due, rec.URL)
	}
	return due, nil
}

// benched reports whether the failure streak has the endpoint in cooldown.
// Once the cooldown elapses the endpoint gets a single retry: a success
// clears the streak, another failure re-arms the cooldown.
func (d *Daemon) benched(rec *Record, now time.Time) bool {
	if rec.ConsecutiveFailures < d.cfg.FailureThreshold {
		return false
	}
	if rec.LastFailure == nil {
		return false
	}
	return now.Sub(*rec.LastFailure) < d.cfg.FailureCooldown
}

func (d *Daemon) cooldown(tier Tier) time.Duration {
	switch tier {
	case TierValuable:
		return d.cfg.ValuableCooldown
	case TierGeneric:
		return d.cfg.GenericCooldown
	case TierUseless:
		return d.cfg.UselessCooldown
	default:
		return 0
	}
}

// capPaid drops paid endpoints that would exceed the remaining daily
// contact budget. Free endpoints always pass.
func (d *Daemon) capPaid(due []string, byURL map[string]a2a.AgentEntry, stats *RoundStats) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := d.now().UTC().Truncate(24 * time.Hour)
	if !day.Equal(d.paidDay) {
		d.paidDay = day
		d.paidCount = 0
	}
	remaining := d.cfg.ContactBudget - d.paidCount

	targets := make([]string, 0, len(due))
	for _, url := range due {
		if byURL[url].PaymentSupported {
			if remaining <= 0 {
				stats.PaidSkipped++
				continue
			}
			remaining--
			d.paidCount++
		}
		targets = append(targets, url)
	}
	return targets
}

// applyResult updates the ledger and tier for one contacted agent and caches
// positively scored payloads as signals.
func (d *Daemon) applyResult(ctx context.Context, call orchestrator.CallResult, stats *RoundStats) error {
	if !call.Success {
		stats.Failed++
		return d.reliability.RecordFailure(ctx, call.AgentURL)
	}
	stats.Succeeded++

	score := d.scorer.Score(call.Data)
	low := score < d.cfg.ValuableScore
	if err := d.reliability.RecordSuccess(ctx, call.AgentURL, score, low); err != nil {
		return err
	}

	rec, err := d.reliability.Get(ctx, call.AgentURL)
	if err != nil {
		return err
	}

	// A valuable agent keeps the tier until the low-score streak crosses
	// the demote threshold. One bad answer is noise, a run of them is a
	// downgrade.
	tier := d.classify(score)
	if rec.Tier == TierValuable && tier != TierValuable && rec.ConsecutiveLow < d.cfg.DemoteThreshold {
		tier = TierValuable
	}
	if err := d.reliability.SetTier(ctx, call.AgentURL, tier); err != nil {
		return err
	}

	if score >= d.cfg.ValuableScore {
		d.signals.Add(call.AgentURL, call.Data)
	}
	return nil
}

func (d *Daemon) classify(score float64) Tier {
	switch {
	case score >= d.cfg.ValuableScore:
		return TierValuable
	case score > d.cfg.UselessScore:
		return TierGeneric
	default:
		return TierUseless
	}
}

// Signal returns a cached positively-scored payload for an endpoint.
func (d *Daemon) Signal(url string) (map[string]any, bool) {
	return d.signals.Get(url)
}

// Signals lists the endpoints with live cached signals.
func (d *Daemon) Signals() []string {
	return d.signals.Keys()
}

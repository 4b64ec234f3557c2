package main

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/client"
	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/observability"
	"github.com/agentmesh/agentmesh/pkg/orchestrator"
	"github.com/agentmesh/agentmesh/pkg/outreach"
	"github.com/agentmesh/agentmesh/pkg/payment"
	"github.com/agentmesh/agentmesh/pkg/ratelimit"
	"github.com/agentmesh/agentmesh/pkg/registry"
	"github.com/agentmesh/agentmesh/pkg/server"
	"github.com/agentmesh/agentmesh/pkg/task"
)

// ServeCmd starts the A2A server, plus the outreach daemon when enabled.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	ctx, cancel := signalContext()
	defer cancel()

	db, dialect, err := task.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer db.Close()

	store, err := task.NewStore(db, dialect)
	if err != nil {
		return fmt.Errorf("failed to init task store: %w", err)
	}

	metrics := observability.New()

	verifier, err := buildVerifier(cfg, db, dialect)
	if err != nil {
		return err
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window)
		if err != nil {
			return fmt.Errorf("invalid rate limit config: %w", err)
		}
	}

	skills := server.NewSkillRouter()
	registerBuiltinSkills(skills)

	srv, err := server.New(server.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Card: a2a.AgentCard{
			Name:        cfg.Agent.Name,
			Description: cfg.Agent.Description,
			URL:         cfg.Agent.URL,
		},
		Tasks:    store,
		Skills:   skills,
		Verifier: verifier,
		Limiter:  limiter,
		Metrics:  metrics,
		Logger:   slog.Default(),
	})
	if err != nil {
		return err
	}

	go sweepLoop(ctx, store, limiter)

	if cfg.Outreach.Enabled {
		daemon, err := buildDaemon(cfg, db, dialect, store, metrics)
		if err != nil {
			return err
		}
		go daemon.Run(ctx)
	}

	fmt.Printf("agentmesh server ready\n")
	fmt.Printf("  RPC:        http://%s:%d/rpc\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Agent card: http://%s:%d%s\n", cfg.Server.Host, cfg.Server.Port, a2a.WellKnownCardPath)
	fmt.Printf("  Metrics:    http://%s:%d/metrics\n", cfg.Server.Host, cfg.Server.Port)
	if verifier != nil && verifier.Required() {
		fmt.Printf("  Payments:   required, %s %s per call\n", cfg.Payments.Price, cfg.Payments.Currency)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start(ctx)
}

// OutreachCmd runs only the prospecting daemon.
type OutreachCmd struct {
	Once bool `help:"Run a single round and exit."`
}

func (c *OutreachCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if cfg.Registry.URL == "" {
		return fmt.Errorf("outreach requires registry.url in the config")
	}

	ctx, cancel := signalContext()
	defer cancel()

	db, dialect, err := task.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer db.Close()

	store, err := task.NewStore(db, dialect)
	if err != nil {
		return fmt.Errorf("failed to init task store: %w", err)
	}

	daemon, err := buildDaemon(cfg, db, dialect, store, observability.New())
	if err != nil {
		return err
	}

	if c.Once {
		stats, err := daemon.RunRound(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)
	}

	daemon.Run(ctx)
	return nil
}

// buildVerifier assembles the inbound payment verifier, or nil when payments
// are off.
func buildVerifier(cfg *config.Config, db *sql.DB, dialect string) (*payment.Verifier, error) {
	if !cfg.Payments.Required {
		return nil, nil
	}

	amount, err := payment.ParseAmount(cfg.Payments.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid payments.price: %w", err)
	}
	ledger, err := payment.NewLedger(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to init receipt ledger: %w", err)
	}

	return payment.NewVerifier(payment.VerifierConfig{
		Required:            true,
		Amount:              amount,
		Currency:            cfg.Payments.Currency,
		Chain:               cfg.Payments.Chain,
		PayTo:               cfg.Payments.PayTo,
		ChainRPCURL:         cfg.Payments.ChainRPCURL,
		FacilitatorURL:      cfg.Payments.FacilitatorURL,
		AllowBearerFallback: cfg.Payments.AllowBearerFallback,
	}, ledger, nil, slog.Default())
}

// buildSigner loads the outbound payment signer, or nil when no key is
// configured.
func buildSigner(cfg *config.Config, metrics *observability.Metrics) (*payment.Signer, error) {
	if cfg.Payments.SigningKeyFile == "" {
		return nil, nil
	}
	key, err := loadOrCreateKey(cfg.Payments.SigningKeyFile)
	if err != nil {
		return nil, err
	}
	return payment.NewSigner(key, payment.SignerConfig{
		MaxPerCall:        cfg.Payments.MaxPerCall,
		MaxPerDay:         cfg.Payments.MaxPerDay,
		NetworkPreference: cfg.Payments.NetworkPreference,
		Metrics:           metrics,
	})
}

func loadOrCreateKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := payment.LoadPrivateKey(path)
	if err == nil {
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	key, err = payment.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	if err := payment.SavePrivateKey(path, key); err != nil {
		return nil, fmt.Errorf("failed to save signing key: %w", err)
	}
	slog.Info("generated new payment signing key", "path", path)
	return key, nil
}

// buildClient assembles the outbound RPC client, with a payer when a signing
// key is configured.
func buildClient(cfg *config.Config, metrics *observability.Metrics) (*client.Client, error) {
	opts := []client.Option{
		client.WithHTTPClient(&http.Client{Timeout: cfg.Client.Timeout}),
		client.WithRetry(cfg.Client.MaxRetries, cfg.Client.RetryDelay),
		client.WithMinInterval(cfg.Client.MinInterval),
	}
	signer, err := buildSigner(cfg, metrics)
	if err != nil {
		return nil, err
	}
	if signer != nil {
		opts = append(opts, client.WithPayer(signer))
	}
	return client.New(opts...), nil
}

// buildDaemon assembles the outreach daemon and its collaborators.
func buildDaemon(cfg *config.Config, db *sql.DB, dialect string, store *task.Store, metrics *observability.Metrics) (*outreach.Daemon, error) {
	rpcClient, err := buildClient(cfg, metrics)
	if err != nil {
		return nil, err
	}

	resolver := registry.NewResolver(nil, cfg.Registry.CardTTL)
	discovery := registry.NewDiscovery(cfg.Registry.URL, nil, cfg.Registry.ListTTL,
		registry.WithIPFSGateways(cfg.Registry.IPFSGateways))
	orch := orchestrator.New(rpcClient, resolver, store,
		orchestrator.WithConcurrency(cfg.Outreach.Concurrency),
		orchestrator.WithTimeout(cfg.Outreach.ContactTimeout),
		orchestrator.WithMetrics(metrics),
	)

	reliability, err := outreach.NewReliabilityStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to init reliability store: %w", err)
	}

	return outreach.New(cfg.Outreach, cfg.Registry.Chain, discovery, orch, reliability,
		outreach.WithMetrics(metrics)), nil
}

// sweepLoop expires stale tasks and prunes idle rate-limit windows.
func sweepLoop(ctx context.Context, store *task.Store, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := store.ExpireStale(ctx); err != nil {
				slog.Error("task expiry sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("expired stale tasks", "count", n)
			}
			if limiter != nil {
				limiter.Prune()
			}
		}
	}
}

// registerBuiltinSkills installs the skills every node answers with.
func registerBuiltinSkills(skills *server.SkillRouter) {
	skills.Register(a2a.AgentSkill{
		ID:          "echo",
		Name:        "Echo",
		Description: "Echoes the message back, for connectivity checks.",
	}, func(_ context.Context, p a2a.MessageSendParams) (map[string]any, error) {
		return map[string]any{"echo": p.Message}, nil
	})

	skills.Register(a2a.AgentSkill{
		ID:          "ping",
		Name:        "Ping",
		Description: "Returns the server time.",
	}, func(_ context.Context, _ a2a.MessageSendParams) (map[string]any, error) {
		return map[string]any{"pong": time.Now().UTC().Format(time.RFC3339)}, nil
	})
}

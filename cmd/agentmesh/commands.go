package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agentmesh/agentmesh/pkg/a2a"
	"github.com/agentmesh/agentmesh/pkg/orchestrator"
	"github.com/agentmesh/agentmesh/pkg/payment"
	"github.com/agentmesh/agentmesh/pkg/registry"
	"github.com/agentmesh/agentmesh/pkg/task"
)

// CallCmd sends one message to a remote agent and prints the response.
type CallCmd struct {
	URL     string            `required:"" help:"Agent base URL."`
	Skill   string            `required:"" help:"Skill id to invoke."`
	Message string            `arg:"" optional:"" help:"Message text."`
	Param   map[string]string `help:"Extra params as key=value pairs."`
}

func (c *CallCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	db, dialect, err := task.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer db.Close()

	store, err := task.NewStore(db, dialect)
	if err != nil {
		return err
	}

	rpcClient, err := buildClient(cfg, nil)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	params := make(map[string]any, len(c.Param))
	for k, v := range c.Param {
		params[k] = v
	}

	// Routing through the orchestrator records the exchange as an
	// outbound task, same as daemon-initiated calls.
	resolver := registry.NewResolver(nil, cfg.Registry.CardTTL)
	orch := orchestrator.New(rpcClient, resolver, store,
		orchestrator.WithTimeout(cfg.Client.Timeout))
	res := orch.CallOne(ctx, c.URL, c.Skill, c.Message, params)

	if err := printJSON(res); err != nil {
		return err
	}
	if !res.Success {
		os.Exit(1)
	}
	return nil
}

// AgentsCmd searches the discovery registry.
type AgentsCmd struct {
	Registry string   `help:"Registry base URL (overrides config)."`
	Chain    string   `help:"Filter by chain."`
	Skill    []string `help:"Filter by skill id."`
	Tag      []string `help:"Filter by tag."`
	MinTrust float64  `help:"Minimum trust score."`
	Limit    int      `help:"Maximum results." default:"20"`
}

func (c *AgentsCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	baseURL := c.Registry
	if baseURL == "" {
		baseURL = cfg.Registry.URL
	}
	if baseURL == "" {
		return fmt.Errorf("no registry URL: pass --registry or set registry.url")
	}
	chain := c.Chain
	if chain == "" {
		chain = cfg.Registry.Chain
	}

	ctx, cancel := commandContext()
	defer cancel()

	discovery := registry.NewDiscovery(baseURL, nil, cfg.Registry.ListTTL,
		registry.WithIPFSGateways(cfg.Registry.IPFSGateways))
	entries, err := discovery.Search(ctx, registry.Query{
		Chain:    chain,
		Skills:   c.Skill,
		Tags:     c.Tag,
		MinTrust: c.MinTrust,
		Limit:    c.Limit,
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no agents found")
		return nil
	}

	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = e.AgentID
		}
		fmt.Printf("%s\n", name)
		fmt.Printf("  endpoint: %s\n", e.EndpointURL)
		fmt.Printf("  trust:    %.2f\n", e.TrustScore)
		if len(e.Skills) > 0 {
			fmt.Printf("  skills:   %s\n", strings.Join(e.Skills, ", "))
		}
		if e.PaymentSupported {
			fmt.Printf("  payment:  supported\n")
		}
		fmt.Println()
	}
	return nil
}

// TasksCmd lists recorded tasks from local storage.
type TasksCmd struct {
	Status    string `help:"Filter by status (pending, in_progress, completed, failed, cancelled)."`
	Skill     string `help:"Filter by skill."`
	Direction string `help:"Filter by direction (inbound, outbound)."`
	Limit     int    `help:"Maximum results." default:"20"`
	Stats     bool   `help:"Print aggregate counts instead of a listing."`
}

func (c *TasksCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	db, dialect, err := task.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer db.Close()

	store, err := task.NewStore(db, dialect)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	if c.Stats {
		stats, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)
	}

	tasks, err := store.List(ctx, task.Filter{
		Status:    a2a.TaskStatus(c.Status),
		Skill:     c.Skill,
		Direction: a2a.TaskDirection(c.Direction),
		Limit:     c.Limit,
	})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks recorded")
		return nil
	}

	for _, t := range tasks {
		fmt.Printf("%s  %-11s %-8s %-20s %s\n",
			t.ID, t.Status, t.Direction, t.Skill, t.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

// KeygenCmd generates the ECDSA key used to sign payment authorizations.
type KeygenCmd struct {
	Out string `help:"Output path for the PEM key." default:"agentmesh-payment.pem"`
}

func (c *KeygenCmd) Run() error {
	if _, err := os.Stat(c.Out); err == nil {
		return fmt.Errorf("refusing to overwrite existing key at %s", c.Out)
	}

	key, err := payment.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	if err := payment.SavePrivateKey(c.Out, key); err != nil {
		return fmt.Errorf("failed to save key: %w", err)
	}
	fmt.Printf("wrote payment signing key to %s\n", c.Out)
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// Package config defines the typed configuration surface of the agentmesh
// process. Each section owns its defaults and validation.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Agent     AgentConfig     `yaml:"agent,omitempty"`
	Server    ServerConfig    `yaml:"server,omitempty"`
	Storage   StorageConfig   `yaml:"storage,omitempty"`
	Client    ClientConfig    `yaml:"client,omitempty"`
	Payments  PaymentsConfig  `yaml:"payments,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
	Registry  RegistryConfig  `yaml:"registry,omitempty"`
	Outreach  OutreachConfig  `yaml:"outreach,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
}

// AgentConfig describes this agent's own identity card.
type AgentConfig struct {
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
	// URL is the externally reachable base URL advertised on the card.
	URL string `yaml:"url,omitempty"`
}

func (c *AgentConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "agentmesh"
	}
}

// ServerConfig configures the inbound RPC server.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8700
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server: port %d out of range", c.Port)
	}
	return nil
}

// StorageConfig configures the SQL database backing tasks, receipts and the
// reliability ledger.
type StorageConfig struct {
	// Driver is one of sqlite, mysql, postgres.
	Driver string `yaml:"driver,omitempty"`
	DSN    string `yaml:"dsn,omitempty"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.DSN == "" {
		c.DSN = "agentmesh.db"
	}
}

func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case "sqlite", "sqlite3", "mysql", "postgres":
		return nil
	default:
		return fmt.Errorf("storage: unsupported driver %q (supported: sqlite, mysql, postgres)", c.Driver)
	}
}

// ClientConfig configures the outbound RPC client.
type ClientConfig struct {
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	MaxRetries  int           `yaml:"max_retries,omitempty"`
	RetryDelay  time.Duration `yaml:"retry_delay,omitempty"`
	MinInterval time.Duration `yaml:"min_interval,omitempty"`
}

func (c *ClientConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.MinInterval == 0 {
		c.MinInterval = 1 * time.Second
	}
}

// PaymentsConfig configures both sides of the x402 protocol.
type PaymentsConfig struct {
	// Required charges inbound message/send calls.
	Required bool   `yaml:"required,omitempty"`
	Price    string `yaml:"price,omitempty"`
	Currency string `yaml:"currency,omitempty"`
	Chain    string `yaml:"chain,omitempty"`
	PayTo    string `yaml:"pay_to,omitempty"`

	// Outbound spend ceilings, in minor units of the currency.
	MaxPerCall int64 `yaml:"max_per_call,omitempty"`
	MaxPerDay  int64 `yaml:"max_per_day,omitempty"`

	// NetworkPreference orders acceptable networks when a 402 offers several.
	NetworkPreference []string `yaml:"network_preference,omitempty"`

	// ChainRPCURL is the JSON-RPC endpoint used for on-chain verification.
	ChainRPCURL string `yaml:"chain_rpc_url,omitempty"`

	// FacilitatorURL is a third-party settlement helper, if any.
	FacilitatorURL string `yaml:"facilitator_url,omitempty"`

	// AllowBearerFallback accepts opaque bearer tokens as payment proof with
	// no further checks. Off unless a trusted upstream facilitator
	// pre-verifies them.
	AllowBearerFallback bool `yaml:"allow_bearer_fallback,omitempty"`

	// SigningKeyFile is a PEM-encoded ECDSA private key used to sign
	// outbound payment authorizations.
	SigningKeyFile string `yaml:"signing_key_file,omitempty"`
}

func (c *PaymentsConfig) SetDefaults() {
	if c.Currency == "" {
		c.Currency = "USDC"
	}
	if c.Chain == "" {
		c.Chain = "base"
	}
	if c.MaxPerCall == 0 {
		c.MaxPerCall = 100_000 // 0.10 in 6-decimal units
	}
	if c.MaxPerDay == 0 {
		c.MaxPerDay = 5_000_000 // 5.00 in 6-decimal units
	}
	if len(c.NetworkPreference) == 0 {
		c.NetworkPreference = []string{"base", "base-sepolia", "polygon"}
	}
}

func (c *PaymentsConfig) Validate() error {
	if c.Required && c.PayTo == "" {
		return fmt.Errorf("payments: pay_to is required when payments are required")
	}
	if c.MaxPerCall < 0 || c.MaxPerDay < 0 {
		return fmt.Errorf("payments: spend ceilings must be non-negative")
	}
	if c.MaxPerCall > c.MaxPerDay {
		return fmt.Errorf("payments: max_per_call (%d) exceeds max_per_day (%d)", c.MaxPerCall, c.MaxPerDay)
	}
	return nil
}

// RateLimitConfig configures the inbound sliding-window rate limiter.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled,omitempty"`
	Requests int           `yaml:"requests,omitempty"`
	Window   time.Duration `yaml:"window,omitempty"`
}

func (c *RateLimitConfig) SetDefaults() {
	if c.Requests == 0 {
		c.Requests = 30
	}
	if c.Window == 0 {
		c.Window = 60 * time.Second
	}
}

func (c *RateLimitConfig) Validate() error {
	if c.Requests < 1 {
		return fmt.Errorf("rate_limit: requests must be at least 1")
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate_limit: window must be positive")
	}
	return nil
}

// RegistryConfig configures agent discovery.
type RegistryConfig struct {
	URL          string        `yaml:"url,omitempty"`
	Chain        string        `yaml:"chain,omitempty"`
	CardTTL      time.Duration `yaml:"card_ttl,omitempty"`
	ListTTL      time.Duration `yaml:"list_ttl,omitempty"`
	IPFSGateways []string      `yaml:"ipfs_gateways,omitempty"`
}

func (c *RegistryConfig) SetDefaults() {
	if c.CardTTL == 0 {
		c.CardTTL = 5 * time.Minute
	}
	if c.ListTTL == 0 {
		c.ListTTL = 60 * time.Second
	}
	if len(c.IPFSGateways) == 0 {
		c.IPFSGateways = []string{
			"https://ipfs.io/ipfs/",
			"https://cloudflare-ipfs.com/ipfs/",
			"https://gateway.pinata.cloud/ipfs/",
		}
	}
}

// OutreachConfig configures the continuous prospecting daemon.
type OutreachConfig struct {
	Enabled       bool          `yaml:"enabled,omitempty"`
	Interval      time.Duration `yaml:"interval,omitempty"`
	Concurrency   int           `yaml:"concurrency,omitempty"`
	ContactBudget int           `yaml:"contact_budget,omitempty"` // paid contacts per day

	// Per-tier recontact cooldowns.
	ValuableCooldown time.Duration `yaml:"valuable_cooldown,omitempty"`
	GenericCooldown  time.Duration `yaml:"generic_cooldown,omitempty"`
	UselessCooldown  time.Duration `yaml:"useless_cooldown,omitempty"`

	// Consecutive failures before an agent is benched, and for how long.
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	FailureCooldown  time.Duration `yaml:"failure_cooldown,omitempty"`

	// ContactTimeout covers a payment-challenge round trip: two requests
	// plus signing.
	ContactTimeout time.Duration `yaml:"contact_timeout,omitempty"`

	SignalCacheSize int           `yaml:"signal_cache_size,omitempty"`
	SignalCacheTTL  time.Duration `yaml:"signal_cache_ttl,omitempty"`

	// ProbeSkill and ProbeMessage form the introduction sent to newly
	// discovered agents.
	ProbeSkill   string `yaml:"probe_skill,omitempty"`
	ProbeMessage string `yaml:"probe_message,omitempty"`

	// Keywords feed the default response scorer.
	Keywords []string `yaml:"keywords,omitempty"`

	// Score thresholds for tier classification.
	ValuableScore float64 `yaml:"valuable_score,omitempty"`
	UselessScore  float64 `yaml:"useless_score,omitempty"`

	// DemoteThreshold is the number of consecutive low-scoring responses
	// before a valuable agent loses the tier.
	DemoteThreshold int `yaml:"demote_threshold,omitempty"`
}

func (c *OutreachConfig) SetDefaults() {
	if c.Interval == 0 {
		c.Interval = 15 * time.Minute
	}
	if c.Concurrency == 0 {
		c.Concurrency = 5
	}
	if c.ContactBudget == 0 {
		c.ContactBudget = 50
	}
	if c.ValuableCooldown == 0 {
		c.ValuableCooldown = 1 * time.Hour
	}
	if c.GenericCooldown == 0 {
		c.GenericCooldown = 24 * time.Hour
	}
	if c.UselessCooldown == 0 {
		c.UselessCooldown = 7 * 24 * time.Hour
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.FailureCooldown == 0 {
		c.FailureCooldown = 6 * time.Hour
	}
	if c.ContactTimeout == 0 {
		c.ContactTimeout = 90 * time.Second
	}
	if c.SignalCacheSize == 0 {
		c.SignalCacheSize = 256
	}
	if c.SignalCacheTTL == 0 {
		c.SignalCacheTTL = 24 * time.Hour
	}
	if c.ProbeSkill == "" {
		c.ProbeSkill = "echo"
	}
	if c.ProbeMessage == "" {
		c.ProbeMessage = "hello, what can you do?"
	}
	if c.ValuableScore == 0 {
		c.ValuableScore = 0.6
	}
	if c.UselessScore == 0 {
		c.UselessScore = 0.1
	}
	if c.DemoteThreshold == 0 {
		c.DemoteThreshold = 2
	}
}

func (c *OutreachConfig) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("outreach: concurrency must be at least 1")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("outreach: failure_threshold must be at least 1")
	}
	if c.DemoteThreshold < 1 {
		return fmt.Errorf("outreach: demote_threshold must be at least 1")
	}
	return nil
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Agent.SetDefaults()
	c.Server.SetDefaults()
	c.Storage.SetDefaults()
	c.Client.SetDefaults()
	c.Payments.SetDefaults()
	c.RateLimit.SetDefaults()
	c.Registry.SetDefaults()
	c.Outreach.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate validates every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Payments.Validate(); err != nil {
		return err
	}
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if err := c.Outreach.Validate(); err != nil {
		return err
	}
	return nil
}

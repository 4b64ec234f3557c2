// Command agentmesh runs an A2A protocol agent: an RPC server with x402
// payments, an outreach prospecting daemon, and client utilities.
//
// Usage:
//
//	agentmesh serve --config config.yaml
//	agentmesh outreach --config config.yaml
//	agentmesh call --url http://agent:8700 --skill echo --message "hi"
//	agentmesh agents --registry https://registry.example.com
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the A2A server."`
	Outreach OutreachCmd `cmd:"" help:"Run the outreach prospecting daemon."`
	Call     CallCmd     `cmd:"" help:"Call a skill on a remote agent."`
	Agents   AgentsCmd   `cmd:"" help:"Search the discovery registry."`
	Tasks    TasksCmd    `cmd:"" help:"List recorded tasks."`
	Keygen   KeygenCmd   `cmd:"" help:"Generate a payment signing key."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFormat string `help:"Log format (text, json)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("agentmesh %s\n", version)
	return nil
}

// loadConfig reads the config file, or defaults when no path is given. CLI
// logging flags override the file.
func loadConfig(cli *CLI) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}

	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}
	logger.Init(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()
	return ctx, cancel
}

// commandContext bounds one-shot client commands.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Minute)
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("agentmesh"),
		kong.Description("agentmesh - an Agent-to-Agent protocol node"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

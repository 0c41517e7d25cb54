package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/neuralsieve/relay/internal/agent"
	"github.com/neuralsieve/relay/internal/model"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the Sync Agent",
		Long: `The Sync Agent polls a relay for pending captures, runs each one
through the processing pipeline, and acknowledges the ones that succeed.
It keeps a small local ledger so a capture whose acknowledgment was lost
is not reprocessed.`,
	}

	cmd.AddCommand(newAgentRunCmd())

	return cmd
}

func newAgentRunCmd() *cobra.Command {
	var (
		configPath   string
		relayURL     string
		apiKey       string
		interval     time.Duration
		batchLimit   int
		maxAttempts  int
		pipelineSpec string
		once         bool
		noLedger     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start polling the relay",
		Example: `  relay agent run --relay-url http://127.0.0.1:8421 --pipeline "sieve-import --stdin"
  relay agent run --config agent.yaml
  relay agent run --relay-url http://127.0.0.1:8421 --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(agentRunOptions{
				configPath:   configPath,
				relayURL:     relayURL,
				apiKey:       apiKey,
				interval:     interval,
				batchLimit:   batchLimit,
				maxAttempts:  maxAttempts,
				pipelineSpec: pipelineSpec,
				once:         once,
				noLedger:     noLedger,
			})
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to agent YAML config")
	cmd.Flags().StringVar(&relayURL, "relay-url", "", "Base URL of the relay, e.g. http://127.0.0.1:8421")
	cmd.Flags().StringVar(&apiKey, "key", "", "API key for relay access (prompted if omitted, or set RELAY_AGENT_KEY)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Poll interval (default 1m)")
	cmd.Flags().IntVar(&batchLimit, "batch-limit", 0, "Max captures fetched per cycle (default 100)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Pipeline failures before a capture is dead-lettered (default 5, negative to retry forever)")
	cmd.Flags().StringVar(&pipelineSpec, "pipeline", "", "Pipeline command; the capture is written to its stdin as JSON")
	cmd.Flags().BoolVar(&once, "once", false, "Run a single poll cycle and exit")
	cmd.Flags().BoolVar(&noLedger, "no-ledger", false, "Disable the local dedup ledger")

	return cmd
}

type agentRunOptions struct {
	configPath   string
	relayURL     string
	apiKey       string
	interval     time.Duration
	batchLimit   int
	maxAttempts  int
	pipelineSpec string
	once         bool
	noLedger     bool
}

func runAgent(opts agentRunOptions) error {
	cfg, err := agent.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}

	// Flags override the config file.
	if opts.relayURL != "" {
		cfg.RelayURL = opts.relayURL
	}
	if opts.apiKey != "" {
		cfg.APIKey = opts.apiKey
	}
	if opts.interval > 0 {
		cfg.Interval = opts.interval
	}
	if opts.batchLimit > 0 {
		cfg.BatchLimit = opts.batchLimit
	}
	if opts.maxAttempts != 0 {
		cfg.MaxAttempts = opts.maxAttempts
	}
	if opts.pipelineSpec != "" {
		parts := strings.Fields(opts.pipelineSpec)
		cfg.PipelineCommand = parts[0]
		cfg.PipelineArgs = parts[1:]
	}

	if cfg.RelayURL == "" {
		cfg.RelayURL = os.Getenv("RELAY_AGENT_URL")
	}
	if cfg.RelayURL == "" {
		return fmt.Errorf("relay URL required (--relay-url, config file, or RELAY_AGENT_URL)")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("RELAY_AGENT_KEY")
	}
	if cfg.APIKey == "" {
		key, err := promptAPIKey()
		if err != nil {
			return err
		}
		cfg.APIKey = key
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(resolveDataDir(), "agent")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	client := agent.NewClient(cfg.RelayURL, cfg.APIKey, cfg.RequestTimeout)

	var pipeline agent.Pipeline
	if cfg.PipelineCommand != "" {
		pipeline = &agent.CommandPipeline{Command: cfg.PipelineCommand, Args: cfg.PipelineArgs}
	} else {
		// No pipeline configured: write each capture to stdout as JSON, one
		// per line, and acknowledge it.
		enc := json.NewEncoder(os.Stdout)
		pipeline = agent.PipelineFunc(func(ctx context.Context, c model.Capture) error {
			return enc.Encode(c)
		})
	}

	var ledger *agent.Ledger
	if !opts.noLedger {
		ledger, err = agent.OpenLedger(cfg.DataDir)
		if err != nil {
			return err
		}
		defer ledger.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Health(ctx); err != nil {
		logger.Warn("relay not reachable yet, polling anyway", "error", err)
	}

	a := agent.New(client, pipeline, ledger, logger, cfg)

	if opts.once {
		n, err := a.RunOnce(ctx)
		if err != nil {
			return err
		}
		logger.Info("poll cycle complete", "processed", n)
		return nil
	}

	return a.Run(ctx)
}

// promptAPIKey reads the key without echo when attached to a terminal.
func promptAPIKey() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("API key required (--key, config file, or RELAY_AGENT_KEY)")
	}

	fmt.Fprint(os.Stderr, "API key: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read api key: %w", err)
	}

	key := strings.TrimSpace(string(raw))
	if key == "" {
		return "", fmt.Errorf("API key required")
	}
	return key, nil
}

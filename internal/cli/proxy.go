package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/josephwibowo/mantora/internal/config"
	"github.com/josephwibowo/mantora/internal/db"
	"github.com/josephwibowo/mantora/internal/mcp"
	"github.com/josephwibowo/mantora/internal/proxy"
)

var (
	flagProxyTarget      string
	flagProxyTargetType  string
	flagProxyTransparent bool
)

func init() {
	proxyCmd.Flags().StringVar(&flagProxyTarget, "target", "", "target server command (overrides config)")
	proxyCmd.Flags().StringVar(&flagProxyTargetType, "target-type", "", "target type: postgres, snowflake, bigquery, databricks, generic")
	proxyCmd.Flags().BoolVar(&flagProxyTransparent, "transparent", false, "disable protective mode (responses are still capped)")

	rootCmd.AddCommand(proxyCmd)
}

var proxyCmd = &cobra.Command{
	Use:   "proxy [-- target command...]",
	Short: "Run the intercepting proxy on stdio",
	Long: `Run the proxy between an agent (on this process's stdio) and a target
tool server (spawned as a subprocess).

The target command comes from the arguments after --, the --target flag,
or [target.command] in the config, in that order. The agent speaks the
tool protocol on stdin/stdout; diagnostics go to stderr.

Approvals happen out-of-band through the shared store:

  mantora proxy -- npx my-db-server --db prod   # agent side
  mantora pending allow <request-id>            # operator side`,
	Args: cobra.ArbitraryArgs,
	RunE: runProxy,
}

func runProxy(cmd *cobra.Command, args []string) error {
	// An interactive terminal on stdin means no agent is attached; refuse
	// rather than hang waiting for protocol messages.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("stdin is a terminal; the proxy must be launched by an agent (see 'mantora proxy --help')")
	}

	overrides := map[string]any{}
	if flagProxyTargetType != "" {
		overrides["target.type"] = flagProxyTargetType
	}
	if flagProxyTransparent {
		overrides["policy.protective_mode"] = false
	}

	project, err := projectPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(config.LoadOptions{
		ProjectDir:    project,
		ConfigPath:    flagConfig,
		FlagOverrides: overrides,
	})
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	argv, err := targetArgv(args, cfg)
	if err != nil {
		return err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "mantora"})
	if flagVerbose {
		logger.SetLevel(log.DebugLevel)
	}

	store, err := db.OpenAndMigrate(resolveDBPath(cfg))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()
	store.SetRetention(cfg.Limits.RetentionDays, cfg.Limits.MaxDBBytes)

	client, err := mcp.StartCommand(argv, logger)
	if err != nil {
		return fmt.Errorf("starting target: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	bridge := proxy.New(cfg, store, client, logger, version)
	if err := bridge.Run(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// targetArgv resolves the target command from trailing args, the --target
// flag, or the config, in that order.
func targetArgv(args []string, cfg config.Config) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}

	command := flagProxyTarget
	if command == "" {
		command = cfg.Target.Command
	}
	if command == "" {
		return nil, fmt.Errorf("no target command: pass one after --, use --target, or set [target.command] in config")
	}

	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parsing target command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("target command is empty")
	}
	return argv, nil
}

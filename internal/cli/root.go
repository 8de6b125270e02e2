// Package cli implements the Cobra command-line interface for mantora.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/josephwibowo/mantora/internal/config"
	"github.com/josephwibowo/mantora/internal/output"
)

// Version information set by goreleaser
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flag values
var (
	flagConfig  string
	flagOutput  string
	flagJSON    bool
	flagVerbose bool
	flagDB      string
	flagProject string
)

var rootCmd = &cobra.Command{
	Use:   "mantora",
	Short: "Guarded proxy between AI agents and database tool servers",
	Long: `Mantora sits between an AI agent and a database tool server, passing
tool calls through while recording every step, capping every response,
and holding high-risk SQL for human approval.

In protective mode (the default), DDL, DML, multi-statement SQL, and
DELETE without WHERE block until a human decides:

  mantora pending list
  mantora pending allow <request-id>
  mantora pending deny <request-id>

Read-only queries pass through immediately. Responses are always capped
by rows, columns, and bytes regardless of mode.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagProject == "" {
			return nil
		}
		if err := os.Chdir(flagProject); err != nil {
			return fmt.Errorf("changing directory to %s: %w", flagProject, err)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		goVersion := runtime.Version()
		configPath := flagConfig
		if configPath == "" {
			home, _ := os.UserHomeDir()
			configPath = filepath.Join(home, ".mantora", "config.toml")
		}
		projectPath, _ := os.Getwd()

		payload := map[string]any{
			"version":      version,
			"commit":       commit,
			"build_date":   date,
			"go_version":   goVersion,
			"config_path":  configPath,
			"db_path":      GetDB(),
			"project_path": projectPath,
		}

		switch GetOutput() {
		case "json", "yaml":
			out := output.New(output.Format(GetOutput()))
			return out.Write(payload)
		case "text":
			fmt.Printf("mantora %s\n", version)
			fmt.Printf("  commit:  %s\n", commit)
			fmt.Printf("  built:   %s\n", date)
			fmt.Printf("  go:      %s\n", goVersion)
			fmt.Printf("  config:  %s\n", configPath)
			fmt.Printf("  db:      %s\n", GetDB())
			fmt.Printf("  project: %s\n", projectPath)
			return nil
		default:
			return fmt.Errorf("unsupported format: %s", GetOutput())
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetOutput returns the configured output format.
// Precedence: CLI flags > MANTORA_OUTPUT_FORMAT env > default
func GetOutput() string {
	if flagJSON {
		return "json"
	}
	if flagOutput != "text" {
		return flagOutput
	}

	if envFormat := os.Getenv("MANTORA_OUTPUT_FORMAT"); envFormat != "" {
		switch envFormat {
		case "json", "yaml", "text":
			return envFormat
		}
	}

	return flagOutput
}

// GetDB returns the store path. Precedence: --db flag > MANTORA_DB_PATH env
// > loaded config default.
func GetDB() string {
	if flagDB != "" {
		return flagDB
	}
	if envPath := os.Getenv("MANTORA_DB_PATH"); envPath != "" {
		return envPath
	}
	return config.DefaultDBPath()
}

// projectPath returns the project directory commands operate on.
func projectPath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	return cwd, nil
}

// loadConfig loads the layered configuration for the current project.
func loadConfig() (config.Config, error) {
	project, err := projectPath()
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(config.LoadOptions{
		ProjectDir: project,
		ConfigPath: flagConfig,
	})
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// resolveDBPath gives the --db flag and env precedence over the config.
func resolveDBPath(cfg config.Config) string {
	if flagDB != "" {
		return flagDB
	}
	if envPath := os.Getenv("MANTORA_DB_PATH"); envPath != "" {
		return envPath
	}
	if cfg.Storage.Path != "" {
		return cfg.Storage.Path
	}
	return config.DefaultDBPath()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "output format: text, json, yaml (env: MANTORA_OUTPUT_FORMAT)")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "shorthand for --output=json")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "session store path")
	rootCmd.PersistentFlags().StringVarP(&flagProject, "project", "C", "", "project directory")

	rootCmd.AddCommand(versionCmd)
}

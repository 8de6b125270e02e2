// Package config loads layered mantora configuration: defaults, then the
// user config (~/.mantora/config.toml), then the project config
// (.mantora/config.toml), then MANTORA_* environment variables, then CLI
// flag overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/josephwibowo/mantora/internal/core"
)

// Config is the full mantora configuration tree.
type Config struct {
	Policy  core.PolicyToggles `mapstructure:"policy" json:"policy"`
	Limits  LimitsConfig       `mapstructure:"limits" json:"limits"`
	Blocker BlockerConfig      `mapstructure:"blocker" json:"blocker"`
	Session SessionConfig      `mapstructure:"session" json:"session"`
	Target  TargetConfig       `mapstructure:"target" json:"target"`
	Storage StorageConfig      `mapstructure:"storage" json:"storage"`
}

// LimitsConfig bounds captured previews and store growth.
type LimitsConfig struct {
	PreviewRows    int   `mapstructure:"preview_rows" json:"preview_rows"`
	PreviewColumns int   `mapstructure:"preview_columns" json:"preview_columns"`
	PreviewBytes   int   `mapstructure:"preview_bytes" json:"preview_bytes"`
	RetentionDays  int   `mapstructure:"retention_days" json:"retention_days"`
	MaxDBBytes     int64 `mapstructure:"max_db_bytes" json:"max_db_bytes"`
}

// Caps renders the limits as the caps layer's configuration.
func (l LimitsConfig) Caps() core.CapsConfig {
	return core.CapsConfig{
		MaxRows:    l.PreviewRows,
		MaxColumns: l.PreviewColumns,
		MaxBytes:   l.PreviewBytes,
	}
}

// BlockerConfig controls the await-decision deadline.
type BlockerConfig struct {
	TimeoutSecs int `mapstructure:"timeout_secs" json:"timeout_secs"`
}

// SessionConfig controls idle-based session rotation.
type SessionConfig struct {
	IdleTimeoutSecs int `mapstructure:"idle_timeout_secs" json:"idle_timeout_secs"`
}

// TargetConfig identifies the tool server the proxy fronts.
type TargetConfig struct {
	Type    string `mapstructure:"type" json:"type"`
	Command string `mapstructure:"command" json:"command"`
}

// StorageConfig locates the shared store.
type StorageConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// DefaultConfig returns the built-in defaults: protective mode on, every
// block toggle enabled, spec caps, 14-day retention.
func DefaultConfig() Config {
	return Config{
		Policy: core.DefaultPolicy(),
		Limits: LimitsConfig{
			PreviewRows:    200,
			PreviewColumns: 80,
			PreviewBytes:   512 * 1024,
			RetentionDays:  14,
			MaxDBBytes:     0,
		},
		Blocker: BlockerConfig{TimeoutSecs: 1800},
		Session: SessionConfig{IdleTimeoutSecs: 1800},
		Target:  TargetConfig{Type: "generic"},
		Storage: StorageConfig{Path: DefaultDBPath()},
	}
}

// DefaultDBPath returns ~/.mantora/sessions.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".mantora", "sessions.db")
	}
	return filepath.Join(home, ".mantora", "sessions.db")
}

// Validate checks cross-field constraints and collects every violation.
func Validate(cfg Config) error {
	var problems []string

	if cfg.Limits.PreviewRows <= 0 {
		problems = append(problems, "limits.preview_rows must be > 0")
	}
	if cfg.Limits.PreviewColumns <= 0 {
		problems = append(problems, "limits.preview_columns must be > 0")
	}
	if cfg.Limits.PreviewBytes <= 0 {
		problems = append(problems, "limits.preview_bytes must be > 0")
	}
	if cfg.Limits.RetentionDays < 0 {
		problems = append(problems, "limits.retention_days must be >= 0")
	}
	if cfg.Limits.MaxDBBytes < 0 {
		problems = append(problems, "limits.max_db_bytes must be >= 0")
	}
	if cfg.Blocker.TimeoutSecs <= 0 {
		problems = append(problems, "blocker.timeout_secs must be > 0")
	}
	if cfg.Session.IdleTimeoutSecs <= 0 {
		problems = append(problems, "session.idle_timeout_secs must be > 0")
	}
	if cfg.Storage.Path == "" {
		problems = append(problems, "storage.path must not be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LoadOptions select the config sources for Load.
type LoadOptions struct {
	// ProjectDir is the project root; empty means the current directory.
	ProjectDir string
	// ConfigPath overrides the project config file location.
	ConfigPath string
	// FlagOverrides are dotted-key values from CLI flags, highest precedence.
	FlagOverrides map[string]any
}

// Load merges defaults < user config < project config < env < flags and
// validates the result.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()
	setDefaults(v)

	userPath, projectPath := ConfigPaths(opts.ProjectDir, opts.ConfigPath)
	if err := mergeConfigFile(v, userPath); err != nil {
		return Config{}, err
	}
	if err := mergeConfigFile(v, projectPath); err != nil {
		return Config{}, err
	}

	bindEnv(v)

	for key, value := range opts.FlagOverrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("policy.protective_mode", def.Policy.ProtectiveMode)
	v.SetDefault("policy.block_ddl", def.Policy.BlockDDL)
	v.SetDefault("policy.block_dml", def.Policy.BlockDML)
	v.SetDefault("policy.block_multi_statement", def.Policy.BlockMultiStatement)
	v.SetDefault("policy.block_delete_without_where", def.Policy.BlockDeleteWithoutWhere)

	v.SetDefault("limits.preview_rows", def.Limits.PreviewRows)
	v.SetDefault("limits.preview_columns", def.Limits.PreviewColumns)
	v.SetDefault("limits.preview_bytes", def.Limits.PreviewBytes)
	v.SetDefault("limits.retention_days", def.Limits.RetentionDays)
	v.SetDefault("limits.max_db_bytes", def.Limits.MaxDBBytes)

	v.SetDefault("blocker.timeout_secs", def.Blocker.TimeoutSecs)
	v.SetDefault("session.idle_timeout_secs", def.Session.IdleTimeoutSecs)

	v.SetDefault("target.type", def.Target.Type)
	v.SetDefault("target.command", def.Target.Command)

	v.SetDefault("storage.path", def.Storage.Path)
}

// bindEnv wires the MANTORA_* environment variables. Explicit binds keep
// the variable names flat and documented.
func bindEnv(v *viper.Viper) {
	binds := map[string]string{
		"policy.protective_mode":            "MANTORA_PROTECTIVE_MODE",
		"policy.block_ddl":                  "MANTORA_BLOCK_DDL",
		"policy.block_dml":                  "MANTORA_BLOCK_DML",
		"policy.block_multi_statement":      "MANTORA_BLOCK_MULTI_STATEMENT",
		"policy.block_delete_without_where": "MANTORA_BLOCK_DELETE_WITHOUT_WHERE",
		"limits.preview_rows":               "MANTORA_PREVIEW_ROWS",
		"limits.preview_columns":            "MANTORA_PREVIEW_COLUMNS",
		"limits.preview_bytes":              "MANTORA_PREVIEW_BYTES",
		"limits.retention_days":             "MANTORA_RETENTION_DAYS",
		"limits.max_db_bytes":               "MANTORA_MAX_DB_BYTES",
		"blocker.timeout_secs":              "MANTORA_BLOCKER_TIMEOUT_SECS",
		"session.idle_timeout_secs":         "MANTORA_SESSION_IDLE_TIMEOUT_SECS",
		"target.type":                       "MANTORA_TARGET_TYPE",
		"target.command":                    "MANTORA_TARGET_COMMAND",
		"storage.path":                      "MANTORA_DB_PATH",
	}
	for key, env := range binds {
		_ = v.BindEnv(key, env)
	}
}

// mergeConfigFile merges one TOML file into v. A missing file is a no-op.
func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("merging config %s: %w", path, err)
	}
	return nil
}

// ConfigPaths returns the user and project config file paths. flagPath
// overrides the project path when set.
func ConfigPaths(projectDir, flagPath string) (userPath, projectPath string) {
	home, _ := os.UserHomeDir()
	userPath = filepath.Join(home, ".mantora", "config.toml")
	projectPath = projectConfigPath(projectDir, flagPath)
	return userPath, projectPath
}

func projectConfigPath(projectDir, flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	return filepath.Join(projectDir, ".mantora", "config.toml")
}

type valueKind int

const (
	kindInt valueKind = iota
	kindInt64
	kindBool
	kindString
)

// Keys settable via `mantora config set`, with their value kinds.
var settableKeys = map[string]valueKind{
	"policy.protective_mode":            kindBool,
	"policy.block_ddl":                  kindBool,
	"policy.block_dml":                  kindBool,
	"policy.block_multi_statement":      kindBool,
	"policy.block_delete_without_where": kindBool,
	"limits.preview_rows":               kindInt,
	"limits.preview_columns":            kindInt,
	"limits.preview_bytes":              kindInt,
	"limits.retention_days":             kindInt,
	"limits.max_db_bytes":               kindInt64,
	"blocker.timeout_secs":              kindInt,
	"session.idle_timeout_secs":         kindInt,
	"target.type":                       kindString,
	"target.command":                    kindString,
	"storage.path":                      kindString,
}

// ParseValue converts a raw CLI string into the typed value for key.
func ParseValue(key, raw string) (any, error) {
	kind, ok := settableKeys[key]
	if !ok {
		return nil, fmt.Errorf("unsupported config key %q", key)
	}
	return parseValueByKind(raw, kind)
}

func parseValueByKind(raw string, kind valueKind) (any, error) {
	switch kind {
	case kindInt:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("parsing int value %q: %w", raw, err)
		}
		return n, nil
	case kindInt64:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing int value %q: %w", raw, err)
		}
		return n, nil
	case kindBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("parsing bool value %q: %w", raw, err)
		}
		return b, nil
	case kindString:
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported value kind %d", kind)
	}
}

// GetValue resolves a dotted key against a loaded config.
func GetValue(cfg Config, key string) (any, bool) {
	switch key {
	case "policy":
		return cfg.Policy, true
	case "policy.protective_mode":
		return cfg.Policy.ProtectiveMode, true
	case "policy.block_ddl":
		return cfg.Policy.BlockDDL, true
	case "policy.block_dml":
		return cfg.Policy.BlockDML, true
	case "policy.block_multi_statement":
		return cfg.Policy.BlockMultiStatement, true
	case "policy.block_delete_without_where":
		return cfg.Policy.BlockDeleteWithoutWhere, true
	case "limits":
		return cfg.Limits, true
	case "limits.preview_rows":
		return cfg.Limits.PreviewRows, true
	case "limits.preview_columns":
		return cfg.Limits.PreviewColumns, true
	case "limits.preview_bytes":
		return cfg.Limits.PreviewBytes, true
	case "limits.retention_days":
		return cfg.Limits.RetentionDays, true
	case "limits.max_db_bytes":
		return cfg.Limits.MaxDBBytes, true
	case "blocker":
		return cfg.Blocker, true
	case "blocker.timeout_secs":
		return cfg.Blocker.TimeoutSecs, true
	case "session":
		return cfg.Session, true
	case "session.idle_timeout_secs":
		return cfg.Session.IdleTimeoutSecs, true
	case "target":
		return cfg.Target, true
	case "target.type":
		return cfg.Target.Type, true
	case "target.command":
		return cfg.Target.Command, true
	case "storage":
		return cfg.Storage, true
	case "storage.path":
		return cfg.Storage.Path, true
	default:
		return nil, false
	}
}

// WriteValue sets one dotted key in the TOML file at path, creating the
// file and parent directories when missing and preserving other keys.
func WriteValue(path, key string, value any) error {
	if path == "" {
		return errors.New("config path must not be empty")
	}

	tree := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &tree); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	segments := strings.Split(key, ".")
	node := tree
	for _, segment := range segments[:len(segments)-1] {
		child, ok := node[segment]
		if !ok {
			next := map[string]any{}
			node[segment] = next
			node = next
			continue
		}
		next, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("config key %s: %s is not a table", key, segment)
		}
		node = next
	}
	node[segments[len(segments)-1]] = value

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(tree); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
)

func writeProjectConfig(t *testing.T, dir, content string) {
	t.Helper()
	path := filepath.Join(dir, ".mantora", "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Policy.ProtectiveMode {
		t.Error("protective mode must default on")
	}
	if !cfg.Policy.BlockDDL || !cfg.Policy.BlockDML ||
		!cfg.Policy.BlockMultiStatement || !cfg.Policy.BlockDeleteWithoutWhere {
		t.Errorf("block toggles must default on: %+v", cfg.Policy)
	}
	if cfg.Limits.PreviewRows != 200 || cfg.Limits.PreviewColumns != 80 {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if cfg.Blocker.TimeoutSecs != 1800 {
		t.Errorf("blocker timeout = %d", cfg.Blocker.TimeoutSecs)
	}
	if cfg.Target.Type != "generic" {
		t.Errorf("target type = %q", cfg.Target.Type)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadDefaultsWithoutFiles(t *testing.T) {
	cfg, err := Load(LoadOptions{ProjectDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Policy.ProtectiveMode || cfg.Limits.PreviewRows != 200 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadProjectConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeProjectConfig(t, dir, `
[policy]
protective_mode = false

[limits]
preview_rows = 50

[target]
type = "duckdb"
`)

	cfg, err := Load(LoadOptions{ProjectDir: dir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Policy.ProtectiveMode {
		t.Error("project config did not override protective_mode")
	}
	if cfg.Limits.PreviewRows != 50 {
		t.Errorf("preview_rows = %d", cfg.Limits.PreviewRows)
	}
	if cfg.Target.Type != "duckdb" {
		t.Errorf("target type = %q", cfg.Target.Type)
	}
	// Untouched keys keep their defaults.
	if cfg.Limits.PreviewColumns != 80 {
		t.Errorf("preview_columns = %d", cfg.Limits.PreviewColumns)
	}
}

func TestLoadEnvOverridesFiles(t *testing.T) {
	dir := t.TempDir()
	writeProjectConfig(t, dir, `
[limits]
preview_rows = 50
`)
	t.Setenv("MANTORA_PREVIEW_ROWS", "75")

	cfg, err := Load(LoadOptions{ProjectDir: dir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Limits.PreviewRows != 75 {
		t.Errorf("preview_rows = %d, want env value", cfg.Limits.PreviewRows)
	}
}

func TestLoadFlagsOverrideEverything(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MANTORA_TARGET_TYPE", "snowflake")

	cfg, err := Load(LoadOptions{
		ProjectDir:    dir,
		FlagOverrides: map[string]any{"target.type": "bigquery"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Target.Type != "bigquery" {
		t.Errorf("target type = %q, want flag value", cfg.Target.Type)
	}
}

func TestLoadConfigPathFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")
	if err := os.WriteFile(path, []byte("[blocker]\ntimeout_secs = 60\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(LoadOptions{ProjectDir: t.TempDir(), ConfigPath: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Blocker.TimeoutSecs != 60 {
		t.Errorf("timeout = %d", cfg.Blocker.TimeoutSecs)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	writeProjectConfig(t, dir, "this is { not toml")

	if _, err := Load(LoadOptions{ProjectDir: dir}); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.PreviewRows = 0
	cfg.Limits.PreviewBytes = -1
	cfg.Blocker.TimeoutSecs = 0
	cfg.Storage.Path = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"preview_rows", "preview_bytes", "timeout_secs", "storage.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error missing %q: %v", want, err)
		}
	}
}

func TestParseValue(t *testing.T) {
	cases := []struct {
		key  string
		raw  string
		want any
	}{
		{"policy.protective_mode", "false", false},
		{"limits.preview_rows", "10", 10},
		{"limits.max_db_bytes", "1048576", int64(1048576)},
		{"target.type", "postgres", "postgres"},
	}
	for _, tc := range cases {
		got, err := ParseValue(tc.key, tc.raw)
		if err != nil {
			t.Errorf("ParseValue(%q, %q): %v", tc.key, tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseValue(%q, %q) = %v (%T), want %v (%T)", tc.key, tc.raw, got, got, tc.want, tc.want)
		}
	}

	if _, err := ParseValue("limits.preview_rows", "lots"); err == nil {
		t.Error("expected int parse error")
	}
	if _, err := ParseValue("nope.nope", "1"); err == nil {
		t.Error("expected unsupported-key error")
	}
}

func TestGetValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Target.Type = "duckdb"

	if v, ok := GetValue(cfg, "target.type"); !ok || v != "duckdb" {
		t.Errorf("target.type = %v, %v", v, ok)
	}
	if v, ok := GetValue(cfg, "policy.protective_mode"); !ok || v != true {
		t.Errorf("protective_mode = %v, %v", v, ok)
	}
	if _, ok := GetValue(cfg, "no.such.key"); ok {
		t.Error("unknown key resolved")
	}
}

func TestWriteValuePreservesOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	if err := WriteValue(path, "policy.protective_mode", false); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}
	if err := WriteValue(path, "limits.preview_rows", 25); err != nil {
		t.Fatalf("WriteValue second key: %v", err)
	}

	var tree map[string]any
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if err := toml.Unmarshal(data, &tree); err != nil {
		t.Fatalf("decode: %v", err)
	}

	policy, _ := tree["policy"].(map[string]any)
	if policy == nil || policy["protective_mode"] != false {
		t.Errorf("policy = %v", tree["policy"])
	}
	limits, _ := tree["limits"].(map[string]any)
	if limits == nil || limits["preview_rows"] != int64(25) {
		t.Errorf("limits = %v", tree["limits"])
	}
}

func TestWriteValueRejectsScalarAsTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("policy = 1\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if err := WriteValue(path, "policy.protective_mode", true); err == nil {
		t.Fatal("expected not-a-table error")
	}
}

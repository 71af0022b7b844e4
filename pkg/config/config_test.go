package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef" // 32 bytes

func TestLoadRequiresMasterKey(t *testing.T) {
	t.Setenv("SCRIPTEXEC_MASTER_KEY", "")
	t.Setenv("SCRIPTEXEC_CONFIG", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without master key")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SCRIPTEXEC_MASTER_KEY", testKey)
	t.Setenv("SCRIPTEXEC_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Execution.TimeoutS != 30 {
		t.Errorf("timeout_s default = %d, want 30", cfg.Execution.TimeoutS)
	}
	if cfg.Execution.MaxConcurrent != 10 {
		t.Errorf("max_concurrent default = %d, want 10", cfg.Execution.MaxConcurrent)
	}
	if cfg.Callback.MaxPerExecution != 2000 {
		t.Errorf("callback.max_per_execution default = %d, want 2000", cfg.Callback.MaxPerExecution)
	}
	if cfg.Validator.MaxLength != 64*1024 {
		t.Errorf("validator.max_length default = %d, want 65536", cfg.Validator.MaxLength)
	}
	if cfg.KillSwitch.CooldownS != 300 {
		t.Errorf("kill_switch.cooldown_s default = %d, want 300", cfg.KillSwitch.CooldownS)
	}
}

func TestLoadYAMLAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scriptexec.yaml")
	yamlBody := strings.Join([]string{
		"execution:",
		"  timeout_s: 60",
		"  max_concurrent: 4",
		"rate_limit:",
		"  per_minute: 120",
		"sandbox:",
		"  url: http://worker:9000",
	}, "\n")
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SCRIPTEXEC_CONFIG", path)
	t.Setenv("SCRIPTEXEC_MASTER_KEY", testKey)
	t.Setenv("SCRIPTEXEC_MAX_CONCURRENT", "7") // env wins over file

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Execution.TimeoutS != 60 {
		t.Errorf("timeout_s = %d, want 60 from file", cfg.Execution.TimeoutS)
	}
	if cfg.Execution.MaxConcurrent != 7 {
		t.Errorf("max_concurrent = %d, want 7 from env", cfg.Execution.MaxConcurrent)
	}
	if cfg.RateLimit.PerMinute != 120 {
		t.Errorf("rate per_minute = %d, want 120", cfg.RateLimit.PerMinute)
	}
	if cfg.Sandbox.URL != "http://worker:9000" {
		t.Errorf("sandbox url = %s", cfg.Sandbox.URL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.MasterKey = "short" },
		func(c *Config) { c.Execution.TimeoutS = 0 },
		func(c *Config) { c.Execution.TimeoutS = 9999 },
		func(c *Config) { c.Execution.MemoryMB = 2048 },
		func(c *Config) { c.Execution.MaxConcurrent = 0 },
		func(c *Config) { c.Archive.Backend = "tape" },
	}
	for i, mutate := range cases {
		cfg := Default()
		cfg.MasterKey = testKey
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestMasterKeyBytesDecodesBase64(t *testing.T) {
	cfg := Default()
	cfg.MasterKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=" // base64 of testKey
	got := cfg.MasterKeyBytes()
	if string(got) != testKey {
		t.Fatalf("expected decoded key, got %q", got)
	}

	cfg.MasterKey = testKey // raw passphrase path
	if string(cfg.MasterKeyBytes()) != testKey {
		t.Fatal("raw passphrase must pass through")
	}
}

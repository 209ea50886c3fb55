package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sample = `
[flowr]
endpoint = "http://localhost:8080/flowrweb/"
api_token = "file-token"
api_email = "file@example.org"
timeout_ms = 1500
requests_per_second = 2.5

[agency]
agents = 4
seed = 99
max_output_lines = 50
keep_charts = true

[validators]
relation = "IsWord"
`

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("FLOWR_API_EMAIL=dotenv@example.org\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv(EnvAPIToken, "env-token")
	t.Setenv(EnvAPIEmail, "")
	t.Setenv(EnvEndpoint, "")
	os.Unsetenv(EnvAPIEmail)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Flowr.APIToken != "env-token" {
		t.Fatalf("token=%q want env override", cfg.Flowr.APIToken)
	}
	if cfg.Flowr.APIEmail != "dotenv@example.org" {
		t.Fatalf("email=%q want .env value", cfg.Flowr.APIEmail)
	}
	if cfg.Flowr.Endpoint != "http://localhost:8080/flowrweb/" {
		t.Fatalf("endpoint=%q", cfg.Flowr.Endpoint)
	}
	if cfg.Flowr.Timeout().Milliseconds() != 1500 || cfg.Flowr.RequestsPerSecond != 2.5 {
		t.Fatalf("flowr=%+v", cfg.Flowr)
	}
	if cfg.Agency.Agents != 4 || cfg.Agency.Seed != 99 || cfg.Agency.MaxOutputLines != 50 || !cfg.Agency.KeepCharts {
		t.Fatalf("agency=%+v", cfg.Agency)
	}
	if cfg.Validators["relation"] != "IsWord" {
		t.Fatalf("validators=%v", cfg.Validators)
	}
	if cfg.Path != path {
		t.Fatalf("path=%q want=%q", cfg.Path, path)
	}
	if cfg.Flowr.Redacted().APIToken != "***" || cfg.Flowr.APIToken != "env-token" {
		t.Fatalf("redaction changed the original")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestLoadMissingDefaultFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvAPIToken, "")
	t.Setenv(EnvAPIEmail, "")
	t.Setenv(EnvEndpoint, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if cfg.Path != filepath.Join(home, ".flowr", "config.toml") {
		t.Fatalf("path=%q", cfg.Path)
	}
	if cfg.Flowr.APIToken != "" {
		t.Fatalf("token=%q", cfg.Flowr.APIToken)
	}
}

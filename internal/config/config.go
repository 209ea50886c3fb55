package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	EnvAPIToken = "FLOWR_API_TOKEN"
	EnvAPIEmail = "FLOWR_API_EMAIL"
	EnvEndpoint = "FLOWR_ENDPOINT"
)

type Config struct {
	Flowr      FlowrConfig       `toml:"flowr"`
	Agency     AgencyConfig      `toml:"agency"`
	Validators map[string]string `toml:"validators"`
	Path       string            `toml:"-"`
}

type FlowrConfig struct {
	Endpoint          string  `toml:"endpoint"`
	APIToken          string  `toml:"api_token"`
	APIEmail          string  `toml:"api_email"`
	TimeoutMS         int     `toml:"timeout_ms"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

func (c FlowrConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Redacted returns a copy safe to print or serve.
func (c FlowrConfig) Redacted() FlowrConfig {
	if c.APIToken != "" {
		c.APIToken = "***"
	}
	return c
}

type AgencyConfig struct {
	Addr               string `toml:"addr"`
	DBPath             string `toml:"db_path"`
	ResultsRoot        string `toml:"results_root"`
	Agents             int    `toml:"agents"`
	Seed               uint64 `toml:"seed"`
	GenerateIntervalMS int    `toml:"generate_interval_ms"`
	BroadcastMinMS     int    `toml:"broadcast_min_ms"`
	BroadcastMaxMS     int    `toml:"broadcast_max_ms"`
	PollIntervalMS     int    `toml:"poll_interval_ms"`
	MaxOutputLines     int    `toml:"max_output_lines"`
	MaxChartNodes      int    `toml:"max_chart_nodes"`
	MaxAttempts        int    `toml:"max_attempts"`
	KeepCharts         bool   `toml:"keep_charts"`
	BusBuffer          int    `toml:"bus_buffer"`
}

// Load reads the TOML file at path, then applies a .env file found next to
// it and the FLOWR_* environment variables. An empty path means
// ~/.flowr/config.toml, which may be absent.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}
	resolved = filepath.Clean(resolved)

	var cfg Config
	bytes, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(bytes), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}
	cfg.Path = resolved

	envFile := filepath.Join(filepath.Dir(resolved), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Flowr.APIToken = firstNonEmpty(os.Getenv(EnvAPIToken), c.Flowr.APIToken)
	c.Flowr.APIEmail = firstNonEmpty(os.Getenv(EnvAPIEmail), c.Flowr.APIEmail)
	c.Flowr.Endpoint = firstNonEmpty(os.Getenv(EnvEndpoint), c.Flowr.Endpoint)
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(p, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Join(home, trimmed), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowr/config.toml"
	}
	return filepath.Join(home, ".flowr", "config.toml")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

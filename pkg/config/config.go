// Copyright 2026 Mandala Network
//
// Configuration for the AGiD gateway service.
// Values are seeded from an optional YAML file and overridden by environment
// variables. Required variables have no defaults; call Validate() after Load().

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Network selects chain parameters for action construction and anchoring.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

// Config holds all configuration for the gateway process.
type Config struct {
	// Network configuration
	Network Network `yaml:"network"`

	// Threshold wallet (MPC) configuration
	CosignerEndpoints []string      `yaml:"cosigner_endpoints"` // peer URLs; length implies n-1
	Threshold         int           `yaml:"threshold"`          // t of n
	SharePath         string        `yaml:"share_path"`         // encrypted share file
	ShareSecret       string        `yaml:"share_secret"`       // passphrase for the share
	CosignerTimeout   time.Duration `yaml:"cosigner_timeout"`
	SuspectWindow     time.Duration `yaml:"suspect_window"`

	// Identity gate
	TrustedCertifiers []string `yaml:"trusted_certifiers"` // hex identity keys
	RevocationService string   `yaml:"revocation_service"` // overlay lookup URL, optional
	FailOpen          bool     `yaml:"fail_open"`          // revocation-unknown policy

	// Messaging
	MessageBoxHost string `yaml:"message_box_host"`

	// Agent loop bounds
	AgentMaxIterations int `yaml:"agent_max_iterations"`
	AgentMaxTokens     int `yaml:"agent_max_tokens"`

	// Session manager
	SessionMaxDuration     time.Duration `yaml:"session_max_duration"`
	TimingAnomalyThreshold time.Duration `yaml:"timing_anomaly_threshold"`
	SessionCleanupInterval time.Duration `yaml:"session_cleanup_interval"`
	SessionReplayWindow    time.Duration `yaml:"session_replay_window"`

	// Audit chain
	AuditPath             string `yaml:"audit_path"`
	AnchorIntervalEntries int    `yaml:"anchor_interval_entries"`

	// Audit archive (optional PostgreSQL mirror)
	AuditDatabaseURL string `yaml:"audit_database_url"`

	// Vault
	VaultStorageURL string `yaml:"vault_storage_url"`
	VaultCacheDir   string `yaml:"vault_cache_dir"`

	// Local KV store for spendables and caches
	DataDir string `yaml:"data_dir"`

	// Server configuration
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	// Rate limiting (per sender)
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
}

// Load reads configuration, first from the YAML file named by AGID_CONFIG
// (if set), then from environment variables which take precedence.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("AGID_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv("AGID_NETWORK"); v != "" {
		cfg.Network = Network(v)
	}
	if v := os.Getenv("AGID_COSIGNER_ENDPOINTS"); v != "" {
		cfg.CosignerEndpoints = splitList(v)
	}
	if v := os.Getenv("AGID_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AGID_THRESHOLD: %w", err)
		}
		cfg.Threshold = n
	}
	if v := os.Getenv("AGID_SHARE_PATH"); v != "" {
		cfg.SharePath = v
	}
	if v := os.Getenv("AGID_SHARE_SECRET"); v != "" {
		cfg.ShareSecret = v
	}
	if v := os.Getenv("AGID_TRUSTED_CERTIFIERS"); v != "" {
		cfg.TrustedCertifiers = splitList(v)
	}
	if v := os.Getenv("AGID_REVOCATION_SERVICE"); v != "" {
		cfg.RevocationService = v
	}
	if v := os.Getenv("AGID_FAIL_OPEN"); v != "" {
		cfg.FailOpen = v == "true" || v == "1"
	}
	if v := os.Getenv("AGID_MESSAGEBOX_HOST"); v != "" {
		cfg.MessageBoxHost = v
	}
	if v := os.Getenv("AGID_AUDIT_PATH"); v != "" {
		cfg.AuditPath = v
	}
	if v := os.Getenv("AGID_AUDIT_DATABASE_URL"); v != "" {
		cfg.AuditDatabaseURL = v
	}
	if v := os.Getenv("AGID_VAULT_STORAGE_URL"); v != "" {
		cfg.VaultStorageURL = v
	}
	if v := os.Getenv("AGID_VAULT_CACHE_DIR"); v != "" {
		cfg.VaultCacheDir = v
	}
	if v := os.Getenv("AGID_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGID_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("AGID_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := loadDurations(cfg); err != nil {
		return nil, err
	}
	if err := loadInts(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Network:                NetworkTestnet,
		Threshold:              2,
		CosignerTimeout:        5 * time.Second,
		SuspectWindow:          2 * time.Minute,
		AgentMaxIterations:     8,
		AgentMaxTokens:         8192,
		SessionMaxDuration:     30 * time.Minute,
		TimingAnomalyThreshold: 500 * time.Millisecond,
		SessionCleanupInterval: time.Minute,
		SessionReplayWindow:    5 * time.Minute,
		AuditPath:              "data/audit.chain",
		AnchorIntervalEntries:  100,
		DataDir:                "data",
		MetricsAddr:            ":9091",
		LogLevel:               "info",
		RateLimitPerSecond:     5,
		RateLimitBurst:         10,
	}
}

// loadDurations applies *_MS environment overrides.
func loadDurations(cfg *Config) error {
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"AGID_SESSION_MAX_DURATION_MS", &cfg.SessionMaxDuration},
		{"AGID_SESSION_TIMING_ANOMALY_THRESHOLD_MS", &cfg.TimingAnomalyThreshold},
		{"AGID_SESSION_CLEANUP_INTERVAL_MS", &cfg.SessionCleanupInterval},
		{"AGID_SESSION_REPLAY_WINDOW_MS", &cfg.SessionReplayWindow},
		{"AGID_COSIGNER_TIMEOUT_MS", &cfg.CosignerTimeout},
		{"AGID_SUSPECT_WINDOW_MS", &cfg.SuspectWindow},
	} {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.env, err)
		}
		*d.dst = time.Duration(ms) * time.Millisecond
	}
	return nil
}

func loadInts(cfg *Config) error {
	for _, d := range []struct {
		env string
		dst *int
	}{
		{"AGID_AGENT_MAX_ITERATIONS", &cfg.AgentMaxIterations},
		{"AGID_AGENT_MAX_TOKENS", &cfg.AgentMaxTokens},
		{"AGID_ANCHOR_INTERVAL_ENTRIES", &cfg.AnchorIntervalEntries},
		{"AGID_RATE_LIMIT_BURST", &cfg.RateLimitBurst},
	} {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.env, err)
		}
		*d.dst = n
	}
	return nil
}

// Validate checks that required configuration is present and coherent.
func (c *Config) Validate() error {
	var missing []string

	if c.SharePath == "" {
		missing = append(missing, "AGID_SHARE_PATH")
	}
	if c.ShareSecret == "" {
		missing = append(missing, "AGID_SHARE_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Network != NetworkMainnet && c.Network != NetworkTestnet {
		return fmt.Errorf("unknown network %q", c.Network)
	}
	n := c.TotalParties()
	if c.Threshold < 1 || c.Threshold > n {
		return fmt.Errorf("threshold %d out of range for %d parties", c.Threshold, n)
	}
	if c.AnchorIntervalEntries < 1 {
		return fmt.Errorf("anchor interval must be at least 1 entry")
	}
	if c.TimingAnomalyThreshold <= 0 {
		return fmt.Errorf("timing anomaly threshold must be positive")
	}
	return nil
}

// TotalParties returns n for the t-of-n group (cosigners plus the local party).
func (c *Config) TotalParties() int {
	return len(c.CosignerEndpoints) + 1
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

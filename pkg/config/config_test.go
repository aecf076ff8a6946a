// Copyright 2026 Mandala Network
//
// Configuration tests.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AGID_SHARE_PATH", "/tmp/share.sealed")
	t.Setenv("AGID_SHARE_SECRET", "passphrase")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network != NetworkTestnet {
		t.Errorf("network %q, want testnet", cfg.Network)
	}
	if cfg.AnchorIntervalEntries != 100 {
		t.Errorf("anchor interval %d, want 100", cfg.AnchorIntervalEntries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("AGID_NETWORK", "mainnet")
	t.Setenv("AGID_COSIGNER_ENDPOINTS", "http://a:9100, http://b:9100")
	t.Setenv("AGID_THRESHOLD", "2")
	t.Setenv("AGID_SESSION_TIMING_ANOMALY_THRESHOLD_MS", "100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network != NetworkMainnet {
		t.Errorf("network %q", cfg.Network)
	}
	if len(cfg.CosignerEndpoints) != 2 || cfg.CosignerEndpoints[1] != "http://b:9100" {
		t.Errorf("endpoints: %v", cfg.CosignerEndpoints)
	}
	if cfg.TotalParties() != 3 {
		t.Errorf("total parties %d, want 3", cfg.TotalParties())
	}
	if cfg.TimingAnomalyThreshold != 100*time.Millisecond {
		t.Errorf("threshold %s", cfg.TimingAnomalyThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestYAMLSeedWithEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agid.yaml")
	yaml := []byte("network: mainnet\nshare_path: /from/yaml\nshare_secret: yaml-secret\nthreshold: 1\n")
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AGID_CONFIG", path)
	t.Setenv("AGID_SHARE_PATH", "/from/env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network != NetworkMainnet {
		t.Errorf("network %q", cfg.Network)
	}
	if cfg.SharePath != "/from/env" {
		t.Errorf("env did not override yaml: %s", cfg.SharePath)
	}
	if cfg.ShareSecret != "yaml-secret" {
		t.Errorf("yaml value lost: %s", cfg.ShareSecret)
	}
}

func TestValidateFailures(t *testing.T) {
	setRequired(t)

	t.Run("missing required", func(t *testing.T) {
		t.Setenv("AGID_SHARE_SECRET", "")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if err := cfg.Validate(); err == nil {
			t.Error("missing share secret accepted")
		}
	})

	t.Run("bad network", func(t *testing.T) {
		t.Setenv("AGID_NETWORK", "moonnet")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if err := cfg.Validate(); err == nil {
			t.Error("unknown network accepted")
		}
	})

	t.Run("threshold too large", func(t *testing.T) {
		t.Setenv("AGID_THRESHOLD", "5")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if err := cfg.Validate(); err == nil {
			t.Error("threshold beyond group size accepted")
		}
	})
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentmesh.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected default address: %s", cfg.Server.Address)
	}
	if cfg.Storage.EventLog.Driver != "file" || cfg.EventStream.Driver != "memory" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage.EventLog.Driver)
	}
	if cfg.Economy.TierMinimums["hobbyist"] != 50 ||
		cfg.Economy.TierMinimums["professional"] != 250 ||
		cfg.Economy.TierMinimums["enterprise"] != 1000 {
		t.Fatalf("unexpected tier minimums: %+v", cfg.Economy.TierMinimums)
	}
	if cfg.Economy.CreatorsBps+cfg.Economy.StakersBps+cfg.Economy.TreasuryBps != 10000 {
		t.Fatalf("default split must sum to 10000: %+v", cfg.Economy)
	}
	if cfg.Compliance.Threshold != 0.7 || cfg.Compliance.HomeJurisdiction != "sg" {
		t.Fatalf("unexpected compliance defaults: %+v", cfg.Compliance)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("data dir should default under the config dir: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentmesh.json")
	content := `{
		"bridge": {"networks_config": "networks.yaml"},
		"runtime": {"data_dir": "state"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bridge.NetworksConfig != filepath.Join(dir, "networks.yaml") {
		t.Fatalf("networks config not resolved: %s", cfg.Bridge.NetworksConfig)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "state") {
		t.Fatalf("data dir not resolved: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadRejectsMissingOrBrokenFiles(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("empty path must fail")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("missing file must fail")
	}

	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("broken json must fail")
	}
}

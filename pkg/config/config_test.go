package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CheckpointInterval != 1000 {
		t.Fatalf("expected default checkpoint interval 1000, got %d", cfg.CheckpointInterval)
	}
	if cfg.JournalPath != cfg.DataDir+"/journal" {
		t.Fatalf("expected derived journal path, got %s", cfg.JournalPath)
	}
}

func TestValidateRequiresElevatedAuthToken(t *testing.T) {
	cfg := &Config{DataDir: "./data", CheckpointInterval: 1000, WeightDeltaMax: 0.02, WeightMin: 0.05, WeightMax: 0.40}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when ELEVATED_AUTH_TOKEN is unset")
	}
}

func TestPolicyOverrideLayersOverEnvDefaults(t *testing.T) {
	dir := t.TempDir()
	overridePath := filepath.Join(dir, "policy.yaml")
	contents := "elevated_auth_token: rotated-token\nkarma_percentage: 0.25\n"
	if err := os.WriteFile(overridePath, []byte(contents), 0600); err != nil {
		t.Fatalf("write override file: %v", err)
	}

	cfg := &Config{
		ElevatedAuthToken:  "original-token",
		KarmaPercentage:    0.10,
		PolicyOverridePath: overridePath,
	}
	if err := cfg.applyPolicyOverrides(); err != nil {
		t.Fatalf("apply policy overrides: %v", err)
	}
	if cfg.ElevatedAuthToken != "rotated-token" {
		t.Fatalf("expected overridden token, got %s", cfg.ElevatedAuthToken)
	}
	if cfg.KarmaPercentage != 0.25 {
		t.Fatalf("expected overridden karma percentage, got %f", cfg.KarmaPercentage)
	}
}

func TestPolicyOverrideMissingFileIsNotAnError(t *testing.T) {
	cfg := &Config{PolicyOverridePath: filepath.Join(t.TempDir(), "missing.yaml")}
	if err := cfg.applyPolicyOverrides(); err != nil {
		t.Fatalf("expected missing override file to be a no-op, got %v", err)
	}
}

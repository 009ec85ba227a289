package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Failed to build defaults: %v", err)
	}
	if cfg.Engine.MaxFragments != 8192 {
		t.Errorf("Expected max_fragments 8192, got %d", cfg.Engine.MaxFragments)
	}
	if cfg.Engine.MaxBytes != 16777216 {
		t.Errorf("Expected max_bytes 16777216, got %d", cfg.Engine.MaxBytes)
	}
	if len(cfg.Analyze.SIPPorts) != 1 || cfg.Analyze.SIPPorts[0] != 5060 {
		t.Errorf("Expected sip_ports [5060], got %v", cfg.Analyze.SIPPorts)
	}
	if !cfg.Analyze.SecondPass {
		t.Error("Expected second_pass enabled by default")
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load with empty path: %v", err)
	}
	if cfg.Engine.MaxFragments != 8192 {
		t.Errorf("Expected default max_fragments, got %d", cfg.Engine.MaxFragments)
	}
}

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yml")

	configContent := `
engine:
  max_fragments: 256
  age_limit: 16
analyze:
  sip_ports: [5060, 5080]
  show_fragments: true
log:
  level: "debug"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Engine.MaxFragments != 256 {
		t.Errorf("Expected max_fragments 256, got %d", cfg.Engine.MaxFragments)
	}
	if cfg.Engine.AgeLimit != 16 {
		t.Errorf("Expected age_limit 16, got %d", cfg.Engine.AgeLimit)
	}
	// Unset keys keep their defaults.
	if cfg.Engine.MaxBytes != 16777216 {
		t.Errorf("Expected default max_bytes, got %d", cfg.Engine.MaxBytes)
	}
	if len(cfg.Analyze.SIPPorts) != 2 || cfg.Analyze.SIPPorts[1] != 5080 {
		t.Errorf("Expected sip_ports [5060 5080], got %v", cfg.Analyze.SIPPorts)
	}
	if !cfg.Analyze.ShowFrags {
		t.Error("Expected show_fragments true")
	}
	if cfg.Log == nil || cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %+v", cfg.Log)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yml"); err == nil {
		t.Fatal("Expected error for missing config file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yml")
	if err := os.WriteFile(configPath, []byte("engine: [not: a map"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for malformed YAML")
	}
}

func TestValidateRejectsNegativeLimits(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Engine.MaxFragments = -1
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error for negative max_fragments")
	}
	cfg.Engine.MaxFragments = 0
	cfg.Engine.MaxBytes = -5
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error for negative max_bytes")
	}
}

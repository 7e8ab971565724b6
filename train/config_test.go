package train

import (
	"testing"

	"grabtune/data"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	if cfg.Epochs != 3 {
		t.Errorf("Epochs = %d, want 3", cfg.Epochs)
	}
	if cfg.LearningRate != 1e-6 {
		t.Errorf("LearningRate = %g, want 1e-6", cfg.LearningRate)
	}
	if cfg.BatchSize != 1 {
		t.Errorf("BatchSize = %d, want 1", cfg.BatchSize)
	}
	if cfg.LogInterval != 200 {
		t.Errorf("LogInterval = %d, want 200", cfg.LogInterval)
	}
	if cfg.BeamWidth != 3 {
		t.Errorf("BeamWidth = %d, want 3", cfg.BeamWidth)
	}
	if cfg.MaxNewTokens != 1024 {
		t.Errorf("MaxNewTokens = %d, want 1024", cfg.MaxNewTokens)
	}
	if cfg.Workers != 0 {
		t.Errorf("Workers = %d, want 0", cfg.Workers)
	}
	if cfg.TaskTag != data.CaptionTask {
		t.Errorf("TaskTag = %q, want %q", cfg.TaskTag, data.CaptionTask)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero epochs", func(c *Config) { c.Epochs = 0 }},
		{"negative lr", func(c *Config) { c.LearningRate = -1 }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"zero log interval", func(c *Config) { c.LogInterval = 0 }},
		{"zero beam width", func(c *Config) { c.BeamWidth = 0 }},
		{"zero max new tokens", func(c *Config) { c.MaxNewTokens = 0 }},
		{"negative workers", func(c *Config) { c.Workers = -1 }},
		{"empty checkpoint dir", func(c *Config) { c.CheckpointDir = "" }},
	}
	for _, c := range cases {
		cfg := DefaultConfig()
		c.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}
}

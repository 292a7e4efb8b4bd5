package finetune

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestConfigApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ChunkOverlap = -5
	cfg.ApplyDefaults()
	if cfg.MaxLength != 512 {
		t.Errorf("MaxLength = %d, want 512", cfg.MaxLength)
	}
	if cfg.ChunkOverlap != 0 {
		t.Errorf("ChunkOverlap = %d, want 0", cfg.ChunkOverlap)
	}
}

func TestConfigValidate(t *testing.T) {
	good := Config{Family: "bert-base", Checkpoint: "bert-base-uncased", MaxLength: 512, ChunkOverlap: 64}
	if err := good.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"missing family", func(c *Config) { c.Family = "" }},
		{"missing checkpoint", func(c *Config) { c.Checkpoint = "" }},
		{"overlap swallows stride", func(c *Config) { c.ChunkOverlap = 510 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := good
			tc.mut(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	cfg := Config{
		Family:           "roberta-base",
		Checkpoint:       "roberta-base",
		ModelPath:        "models/roberta.onnx",
		TokenizerPath:    "models/tokenizer.json",
		MaxLength:        256,
		ChunkOverlap:     32,
		SharedThresholds: true,
		LowMemory:        true,
		CacheDir:         "cache",
	}
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp file left behind: %v", err)
	}

	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Errorf("round trip changed the record:\n got %+v\nwant %+v", got, cfg)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want wrapped os.ErrNotExist", err)
	}
}

func TestConfigClone(t *testing.T) {
	cfg := Config{Family: "bert-base", Checkpoint: "bert-base-uncased", MaxLength: 128}
	clone := cfg.Clone()
	clone.MaxLength = 999
	if cfg.MaxLength != 128 {
		t.Errorf("mutating the clone changed the original: %+v", cfg)
	}
	if clone.Family != cfg.Family {
		t.Errorf("clone lost fields: %+v", clone)
	}
}

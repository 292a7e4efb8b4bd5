package finetune

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the plain, serializable record of one fine-tuning setup. A
// fitted model is reconstructed from this record plus the saved head
// parameters; nothing else is persisted.
type Config struct {
	Family           string `json:"family"`
	Checkpoint       string `json:"checkpoint"`
	BaseDir          string `json:"baseDir,omitempty"`
	ModelPath        string `json:"modelPath"`
	TokenizerPath    string `json:"tokenizerPath"`
	OrtLibrary       string `json:"ortLibrary,omitempty"`
	MaxLength        int    `json:"maxLength"`
	ChunkOverlap     int    `json:"chunkOverlap"`
	SharedThresholds bool   `json:"sharedThresholds"`
	LowMemory        bool   `json:"lowMemory"`
	CacheDir         string `json:"cacheDir,omitempty"`
}

// ApplyDefaults populates zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxLength <= 0 {
		c.MaxLength = 512
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = 0
	}
}

// Validate checks the record names a model and leaves room for chunking.
func (c *Config) Validate() error {
	if c.Family == "" {
		return errors.New("config: family is required")
	}
	if c.Checkpoint == "" {
		return errors.New("config: checkpoint is required")
	}
	if c.ChunkOverlap >= c.MaxLength-2 {
		return fmt.Errorf("config: chunk overlap %d leaves no stride at max length %d", c.ChunkOverlap, c.MaxLength)
	}
	return nil
}

// Clone creates a deep copy of the record.
func (c Config) Clone() Config {
	buf, _ := json.Marshal(c)
	var out Config
	_ = json.Unmarshal(buf, &out)
	return out
}

// LoadConfig reads a config record from disk.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// SaveConfig persists a config record atomically.
func SaveConfig(path string, cfg Config) error {
	cfg.ApplyDefaults()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

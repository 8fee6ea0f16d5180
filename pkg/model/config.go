package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the architecture hyperparameters shared by every model built
// from the same base, plain or merge-augmented.
type Config struct {
	VocabSize    int  `json:"vocab_size"`
	EmbedDim     int  `json:"embed_dim"`
	NumBlocks    int  `json:"num_blocks"`
	FFNHiddenDim int  `json:"ffn_hidden_dim"`
	MaxSeqLen    int  `json:"max_seq_len"`
	Bias         bool `json:"bias"`
}

// Validate checks that every dimension is usable.
func (c Config) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("embed_dim must be positive, got %d", c.EmbedDim)
	}
	if c.NumBlocks <= 0 {
		return fmt.Errorf("num_blocks must be positive, got %d", c.NumBlocks)
	}
	if c.FFNHiddenDim <= 0 {
		return fmt.Errorf("ffn_hidden_dim must be positive, got %d", c.FFNHiddenDim)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("max_seq_len must be positive, got %d", c.MaxSeqLen)
	}
	return nil
}

// Save writes the config as indented JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}
	return nil
}

// LoadConfig reads and validates a JSON config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config from %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config in %s: %w", path, err)
	}
	return c, nil
}

package model

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/SolshineCode/DAM/pkg/tensor"
)

const (
	ConfigFileName  = "config.json"
	WeightsFileName = "weights.gob"
)

// weightMatrices lists every parameter matrix of a plain model in the same
// deterministic order as NamedAffines. Merge-augmented models are rejected:
// their persistent form is the exported plain artifact, not a checkpoint.
func (m *Model) weightMatrices() ([]*tensor.Matrix, error) {
	out := []*tensor.Matrix{m.Embedding.Data}
	appendAffine := func(path string, a Affine) error {
		lin, ok := a.(*Linear)
		if !ok {
			return fmt.Errorf("position %s is not a plain linear layer; export merged models instead of saving them", path)
		}
		out = append(out, lin.W.Data)
		if lin.B != nil {
			out = append(out, lin.B.Data)
		}
		return nil
	}
	for i, b := range m.Blocks {
		out = append(out, b.AttnNorm.Data)
		for _, p := range []struct {
			name string
			a    Affine
		}{
			{fmt.Sprintf("blocks.%d.attn.q", i), b.Q},
			{fmt.Sprintf("blocks.%d.attn.k", i), b.K},
			{fmt.Sprintf("blocks.%d.attn.v", i), b.V},
			{fmt.Sprintf("blocks.%d.attn.o", i), b.O},
		} {
			if err := appendAffine(p.name, p.a); err != nil {
				return nil, err
			}
		}
		out = append(out, b.FFNNorm.Data)
		if err := appendAffine(fmt.Sprintf("blocks.%d.ffn.w1", i), b.W1); err != nil {
			return nil, err
		}
		if err := appendAffine(fmt.Sprintf("blocks.%d.ffn.w2", i), b.W2); err != nil {
			return nil, err
		}
	}
	out = append(out, m.FinalNorm.Data)
	if err := appendAffine("lm_head", m.LMHead); err != nil {
		return nil, err
	}
	return out, nil
}

// Save persists a plain model as config.json plus a gob weight snapshot.
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory %s: %w", dir, err)
	}
	if err := m.Config.Save(filepath.Join(dir, ConfigFileName)); err != nil {
		return err
	}

	weights, err := m.weightMatrices()
	if err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, WeightsFileName))
	if err != nil {
		return fmt.Errorf("failed to create weights file: %w", err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(weights); err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	return nil
}

// Load reads a plain model from a directory written by Save (or by the
// exporter). The artifact is self-contained: config plus dense weights.
func Load(dir string) (*Model, error) {
	cfg, err := LoadConfig(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return nil, err
	}
	m, err := NewPlain(cfg)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, WeightsFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open weights file: %w", err)
	}
	defer f.Close()

	var weights []*tensor.Matrix
	if err := gob.NewDecoder(f).Decode(&weights); err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}

	targets, err := m.weightMatrices()
	if err != nil {
		return nil, err
	}
	if len(weights) != len(targets) {
		return nil, fmt.Errorf("weight snapshot holds %d matrices, model expects %d", len(weights), len(targets))
	}
	for i, t := range targets {
		if err := t.CopyFrom(weights[i]); err != nil {
			return nil, fmt.Errorf("weight matrix %d: %w", i, err)
		}
	}
	return m, nil
}

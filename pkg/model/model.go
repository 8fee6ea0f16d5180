// Package model carries a compact decoder-only language model whose linear
// positions are pluggable: a plain Linear for ordinary models, or a merge
// layer when N source models train toward one. The forward pass builds an
// autodiff graph so distillation losses can backpropagate into merger
// coefficients.
package model

import (
	"fmt"
	"math"

	"github.com/SolshineCode/DAM/pkg/merge"
	"github.com/SolshineCode/DAM/pkg/tensor"
)

const maskValue = -1e9

// Block is one pre-norm decoder block: single-head causal self-attention
// followed by a two-layer feed-forward network, both with residual
// connections.
type Block struct {
	AttnNorm *tensor.Tensor // rmsnorm gain, [1, embed]
	Q, K, V  Affine
	O        Affine

	FFNNorm *tensor.Tensor
	W1, W2  Affine
}

// Model is the decoder LM. Embedding and norm gains are ordinary shared
// parameters; every Affine position may be plain or merged.
type Model struct {
	Config Config

	Embedding *tensor.Tensor // [vocab, embed]
	Blocks    []*Block
	FinalNorm *tensor.Tensor
	LMHead    Affine
}

// NamedAffine pairs a stable path with the Affine living there. The order
// is deterministic so two models built from the same config walk in
// lockstep.
type NamedAffine struct {
	Path  string
	Layer Affine
}

// affineFactory builds the Affine for a named position.
type affineFactory func(path string, in, out int) (Affine, error)

func build(cfg Config, factory affineFactory) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	emb, err := tensor.NewRandomTensor(cfg.VocabSize, cfg.EmbedDim, &tensor.TensorConfig{Name: "embedding"})
	if err != nil {
		return nil, err
	}
	m := &Model{Config: cfg, Embedding: emb}

	ones := func(name string) (*tensor.Tensor, error) {
		t, err := tensor.NewZerosTensor(1, cfg.EmbedDim, &tensor.TensorConfig{Name: name})
		if err != nil {
			return nil, err
		}
		t.Data.Fill(1)
		return t, nil
	}

	for i := 0; i < cfg.NumBlocks; i++ {
		b := &Block{}
		if b.AttnNorm, err = ones(fmt.Sprintf("blocks.%d.attn_norm", i)); err != nil {
			return nil, err
		}
		if b.FFNNorm, err = ones(fmt.Sprintf("blocks.%d.ffn_norm", i)); err != nil {
			return nil, err
		}

		positions := []struct {
			name    string
			in, out int
			dst     *Affine
		}{
			{fmt.Sprintf("blocks.%d.attn.q", i), cfg.EmbedDim, cfg.EmbedDim, &b.Q},
			{fmt.Sprintf("blocks.%d.attn.k", i), cfg.EmbedDim, cfg.EmbedDim, &b.K},
			{fmt.Sprintf("blocks.%d.attn.v", i), cfg.EmbedDim, cfg.EmbedDim, &b.V},
			{fmt.Sprintf("blocks.%d.attn.o", i), cfg.EmbedDim, cfg.EmbedDim, &b.O},
			{fmt.Sprintf("blocks.%d.ffn.w1", i), cfg.EmbedDim, cfg.FFNHiddenDim, &b.W1},
			{fmt.Sprintf("blocks.%d.ffn.w2", i), cfg.FFNHiddenDim, cfg.EmbedDim, &b.W2},
		}
		for _, p := range positions {
			a, err := factory(p.name, p.in, p.out)
			if err != nil {
				return nil, fmt.Errorf("building %s: %w", p.name, err)
			}
			*p.dst = a
		}
		m.Blocks = append(m.Blocks, b)
	}

	if m.FinalNorm, err = ones("final_norm"); err != nil {
		return nil, err
	}
	if m.LMHead, err = factory("lm_head", cfg.EmbedDim, cfg.VocabSize); err != nil {
		return nil, fmt.Errorf("building lm_head: %w", err)
	}
	return m, nil
}

// NewPlain builds a model with ordinary Linear layers at every position.
func NewPlain(cfg Config) (*Model, error) {
	return build(cfg, func(_ string, in, out int) (Affine, error) {
		return NewLinear(in, out, cfg.Bias)
	})
}

// NewMerged builds a model whose linear positions hold frozen merge layers
// spanning numModels sources. Source weights start at zero; populate them
// with PopulateFromSources before training.
func NewMerged(cfg Config, numModels int, nonlinearity merge.Nonlinearity) (*Model, error) {
	return build(cfg, func(_ string, in, out int) (Affine, error) {
		return merge.NewLayer(merge.LayerConfig{
			InFeatures:   in,
			OutFeatures:  out,
			NumModels:    numModels,
			Bias:         cfg.Bias,
			Nonlinearity: nonlinearity,
		})
	})
}

// NamedAffines returns the model's linear positions in deterministic order.
func (m *Model) NamedAffines() []NamedAffine {
	var out []NamedAffine
	for i, b := range m.Blocks {
		out = append(out,
			NamedAffine{fmt.Sprintf("blocks.%d.attn.q", i), b.Q},
			NamedAffine{fmt.Sprintf("blocks.%d.attn.k", i), b.K},
			NamedAffine{fmt.Sprintf("blocks.%d.attn.v", i), b.V},
			NamedAffine{fmt.Sprintf("blocks.%d.attn.o", i), b.O},
			NamedAffine{fmt.Sprintf("blocks.%d.ffn.w1", i), b.W1},
			NamedAffine{fmt.Sprintf("blocks.%d.ffn.w2", i), b.W2},
		)
	}
	out = append(out, NamedAffine{"lm_head", m.LMHead})
	return out
}

// PopulateFromSources copies N plain source models into a merge-augmented
// model: every merge position receives each source's weight and bias at its
// matching index, and the shared parameters (embedding, norm gains) are
// taken from the first source. All models must share one config.
func PopulateFromSources(merged *Model, sources []*Model) error {
	if len(sources) == 0 {
		return fmt.Errorf("no source models given")
	}
	for i, s := range sources {
		if s.Config != merged.Config {
			return fmt.Errorf("source %d config %+v does not match merged config %+v", i, s.Config, merged.Config)
		}
	}

	base := sources[0]
	if err := merged.Embedding.Data.CopyFrom(base.Embedding.Data); err != nil {
		return fmt.Errorf("copying embedding: %w", err)
	}
	if err := merged.FinalNorm.Data.CopyFrom(base.FinalNorm.Data); err != nil {
		return fmt.Errorf("copying final norm: %w", err)
	}
	for i, b := range merged.Blocks {
		if err := b.AttnNorm.Data.CopyFrom(base.Blocks[i].AttnNorm.Data); err != nil {
			return fmt.Errorf("copying block %d attn norm: %w", i, err)
		}
		if err := b.FFNNorm.Data.CopyFrom(base.Blocks[i].FFNNorm.Data); err != nil {
			return fmt.Errorf("copying block %d ffn norm: %w", i, err)
		}
	}

	positions := merged.NamedAffines()
	for _, pos := range positions {
		layer, ok := pos.Layer.(*merge.Layer)
		if !ok {
			continue
		}
		if layer.NumModels() != len(sources) {
			return fmt.Errorf("position %s spans %d models but %d sources given",
				pos.Path, layer.NumModels(), len(sources))
		}
		for si, src := range sources {
			srcLin, err := findLinear(src, pos.Path)
			if err != nil {
				return err
			}
			if err := layer.SetSourceWeight(si, srcLin.W.Data); err != nil {
				return fmt.Errorf("position %s source %d: %w", pos.Path, si, err)
			}
			if layer.HasBias() {
				if srcLin.B == nil {
					return fmt.Errorf("position %s: source %d has no bias", pos.Path, si)
				}
				if err := layer.SetSourceBias(si, srcLin.B.Data); err != nil {
					return fmt.Errorf("position %s source %d: %w", pos.Path, si, err)
				}
			}
		}
	}
	return nil
}

func findLinear(m *Model, path string) (*Linear, error) {
	for _, pos := range m.NamedAffines() {
		if pos.Path != path {
			continue
		}
		lin, ok := pos.Layer.(*Linear)
		if !ok {
			return nil, fmt.Errorf("position %s in source model is not a plain linear layer", path)
		}
		return lin, nil
	}
	return nil, fmt.Errorf("position %s not found in source model", path)
}

// attentionMask builds the additive [seq, seq] mask combining causal
// ordering with padding: query i may attend key j only when j <= i and
// mask[j] != 0.
func attentionMask(mask []int) (*tensor.Tensor, error) {
	seq := len(mask)
	m, err := tensor.NewMatrix(seq, seq)
	if err != nil {
		return nil, err
	}
	for i := 0; i < seq; i++ {
		row := m.Row(i)
		for j := range row {
			if j > i || mask[j] == 0 {
				row[j] = maskValue
			}
		}
	}
	return tensor.NewTensor(m, nil)
}

// Forward runs the model over one token sequence and returns full-vocabulary
// logits, [seq, vocab]. mask marks real tokens with 1 and padding with 0; a
// nil mask means all positions are real.
func (m *Model) Forward(ids []int, mask []int) (*tensor.Tensor, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("empty input sequence")
	}
	if len(ids) > m.Config.MaxSeqLen {
		return nil, fmt.Errorf("sequence length %d exceeds max %d", len(ids), m.Config.MaxSeqLen)
	}
	if mask == nil {
		mask = make([]int, len(ids))
		for i := range mask {
			mask[i] = 1
		}
	}
	if len(mask) != len(ids) {
		return nil, fmt.Errorf("attention mask length %d does not match sequence length %d", len(mask), len(ids))
	}

	x, err := tensor.GatherRows(m.Embedding, ids)
	if err != nil {
		return nil, fmt.Errorf("embedding lookup: %w", err)
	}

	addMask, err := attentionMask(mask)
	if err != nil {
		return nil, err
	}
	scale := 1.0 / math.Sqrt(float64(m.Config.EmbedDim))

	for bi, b := range m.Blocks {
		h, err := tensor.RMSNorm(x, b.AttnNorm, 1e-6)
		if err != nil {
			return nil, fmt.Errorf("block %d attn norm: %w", bi, err)
		}
		q, err := b.Q.Apply(h)
		if err != nil {
			return nil, fmt.Errorf("block %d q: %w", bi, err)
		}
		k, err := b.K.Apply(h)
		if err != nil {
			return nil, fmt.Errorf("block %d k: %w", bi, err)
		}
		v, err := b.V.Apply(h)
		if err != nil {
			return nil, fmt.Errorf("block %d v: %w", bi, err)
		}

		scores, err := tensor.MatMulT(q, k)
		if err != nil {
			return nil, fmt.Errorf("block %d scores: %w", bi, err)
		}
		if scores, err = tensor.ScalarMultiply(scores, scale); err != nil {
			return nil, err
		}
		if scores, err = tensor.Add(scores, addMask); err != nil {
			return nil, err
		}
		attn, err := tensor.Softmax(scores)
		if err != nil {
			return nil, err
		}
		ctx, err := tensor.MatMul(attn, v)
		if err != nil {
			return nil, fmt.Errorf("block %d context: %w", bi, err)
		}
		proj, err := b.O.Apply(ctx)
		if err != nil {
			return nil, fmt.Errorf("block %d output proj: %w", bi, err)
		}
		if x, err = tensor.Add(x, proj); err != nil {
			return nil, err
		}

		h, err = tensor.RMSNorm(x, b.FFNNorm, 1e-6)
		if err != nil {
			return nil, fmt.Errorf("block %d ffn norm: %w", bi, err)
		}
		hidden, err := b.W1.Apply(h)
		if err != nil {
			return nil, fmt.Errorf("block %d ffn w1: %w", bi, err)
		}
		if hidden, err = tensor.ReLU(hidden); err != nil {
			return nil, err
		}
		ffnOut, err := b.W2.Apply(hidden)
		if err != nil {
			return nil, fmt.Errorf("block %d ffn w2: %w", bi, err)
		}
		if x, err = tensor.Add(x, ffnOut); err != nil {
			return nil, err
		}
	}

	h, err := tensor.RMSNorm(x, m.FinalNorm, 1e-6)
	if err != nil {
		return nil, fmt.Errorf("final norm: %w", err)
	}
	logits, err := m.LMHead.Apply(h)
	if err != nil {
		return nil, fmt.Errorf("lm head: %w", err)
	}
	return logits, nil
}

// MergePosition locates a merge layer within the model's registry.
type MergePosition struct {
	Path  string
	Layer *merge.Layer
}

// MergeLayers returns every merge layer in registry order. Empty for plain
// models.
func (m *Model) MergeLayers() []MergePosition {
	var out []MergePosition
	for _, pos := range m.NamedAffines() {
		if l, ok := pos.Layer.(*merge.Layer); ok {
			out = append(out, MergePosition{pos.Path, l})
		}
	}
	return out
}

// Unfreeze transitions every merge layer into its training phase.
func (m *Model) Unfreeze() error {
	for _, ml := range m.MergeLayers() {
		if err := ml.Layer.Unfreeze(); err != nil {
			return fmt.Errorf("unfreezing %s: %w", ml.Path, err)
		}
	}
	return nil
}

// TrainableParameters collects the merger coefficients of every merge layer.
func (m *Model) TrainableParameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, ml := range m.MergeLayers() {
		params = append(params, ml.Layer.Parameters()...)
	}
	return params
}

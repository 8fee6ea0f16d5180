// Package merge implements the channel-wise weight-merging layer at the
// heart of differentiable adaptive merging. A Layer holds N source weight
// matrices and N learned per-input-channel merger vectors; its effective
// weight is the coefficient-weighted sum of the sources, recomputed from
// current parameter values on every call.
package merge

import (
	"fmt"

	"github.com/SolshineCode/DAM/pkg/tensor"
)

// Phase tracks merger trainability. Layers are constructed frozen; Unfreeze
// is the single legal transition into training.
type Phase int

const (
	PhaseFrozen Phase = iota
	PhaseTraining
)

func (p Phase) String() string {
	switch p {
	case PhaseFrozen:
		return "frozen"
	case PhaseTraining:
		return "training"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Regularizer is implemented by layer types that contribute regularization
// penalties to the training loss. The loss composer iterates a registry of
// components and collects penalties from those implementing this interface;
// components that don't are skipped.
type Regularizer interface {
	// SimilarityPenalty returns coef times the mean pairwise cosine
	// similarity of the merger vectors, as a graph-connected scalar.
	// A zero coef, or fewer than two sources, yields a constant zero.
	SimilarityPenalty(coef float64) (*tensor.Tensor, error)

	// NormPenalty returns l1*Σ‖merger_i‖₁ + l2*Σ‖merger_i‖₂ over the raw
	// merger vectors. A zero coefficient omits its term.
	NormPenalty(l1, l2 float64) (*tensor.Tensor, error)
}

// LayerConfig describes a merge layer. InitialMergerValues optionally seeds
// the merger vectors; when empty every merger starts at uniform 1/N.
type LayerConfig struct {
	InFeatures  int
	OutFeatures int
	NumModels   int
	Bias        bool
	Nonlinearity Nonlinearity

	// InitialMergerValues must be empty or hold exactly NumModels rows of
	// InFeatures values each.
	InitialMergerValues [][]float64
}

// Layer merges N source affine transforms into one. Source weights are
// populated externally after construction and stay frozen; only the merger
// coefficients train, and only after Unfreeze.
type Layer struct {
	inFeatures   int
	outFeatures  int
	numModels    int
	nonlinearity Nonlinearity
	phase        Phase

	weights []*tensor.Tensor // per source, [out, in]
	mergers []*tensor.Tensor // per source, [1, in]

	// nil when constructed without bias
	biases      []*tensor.Tensor // per source, [1, out]
	biasMergers []*tensor.Tensor // per source, [1, 1]
}

var _ Regularizer = (*Layer)(nil)

// NewLayer constructs a frozen merge layer with zero source weights and
// uniform (or explicitly seeded) merger coefficients.
func NewLayer(cfg LayerConfig) (*Layer, error) {
	if cfg.NumModels < 1 {
		return nil, fmt.Errorf("%w: need at least one source model, got %d", ErrConfiguration, cfg.NumModels)
	}
	if cfg.InFeatures <= 0 || cfg.OutFeatures <= 0 {
		return nil, fmt.Errorf("%w: feature dims must be positive, got in=%d out=%d",
			ErrConfiguration, cfg.InFeatures, cfg.OutFeatures)
	}
	if !cfg.Nonlinearity.valid() {
		return nil, fmt.Errorf("%w: unknown nonlinearity %d", ErrConfiguration, int(cfg.Nonlinearity))
	}
	if len(cfg.InitialMergerValues) != 0 && len(cfg.InitialMergerValues) != cfg.NumModels {
		return nil, fmt.Errorf("%w: got %d initial merger vectors for %d models",
			ErrConfiguration, len(cfg.InitialMergerValues), cfg.NumModels)
	}

	l := &Layer{
		inFeatures:   cfg.InFeatures,
		outFeatures:  cfg.OutFeatures,
		numModels:    cfg.NumModels,
		nonlinearity: cfg.Nonlinearity,
		phase:        PhaseFrozen,
	}

	uniform := 1.0 / float64(cfg.NumModels)
	for i := 0; i < cfg.NumModels; i++ {
		w, err := tensor.NewZerosTensor(cfg.OutFeatures, cfg.InFeatures,
			&tensor.TensorConfig{Name: fmt.Sprintf("merge.weight[%d]", i)})
		if err != nil {
			return nil, err
		}
		l.weights = append(l.weights, w)

		m, err := tensor.NewZerosTensor(1, cfg.InFeatures,
			&tensor.TensorConfig{Name: fmt.Sprintf("merge.merger[%d]", i)})
		if err != nil {
			return nil, err
		}
		if len(cfg.InitialMergerValues) > 0 {
			vals := cfg.InitialMergerValues[i]
			if len(vals) != cfg.InFeatures {
				return nil, fmt.Errorf("%w: initial merger %d has %d values, expected %d",
					ErrConfiguration, i, len(vals), cfg.InFeatures)
			}
			copy(m.Data.Row(0), vals)
		} else {
			m.Data.Fill(uniform)
		}
		l.mergers = append(l.mergers, m)

		if cfg.Bias {
			b, err := tensor.NewZerosTensor(1, cfg.OutFeatures,
				&tensor.TensorConfig{Name: fmt.Sprintf("merge.bias[%d]", i)})
			if err != nil {
				return nil, err
			}
			l.biases = append(l.biases, b)

			bm := tensor.NewScalarTensor(uniform, &tensor.TensorConfig{Name: fmt.Sprintf("merge.biasMerger[%d]", i)})
			l.biasMergers = append(l.biasMergers, bm)
		}
	}
	return l, nil
}

func (l *Layer) InFeatures() int            { return l.inFeatures }
func (l *Layer) OutFeatures() int           { return l.outFeatures }
func (l *Layer) NumModels() int             { return l.numModels }
func (l *Layer) HasBias() bool              { return len(l.biases) > 0 }
func (l *Layer) Phase() Phase               { return l.phase }
func (l *Layer) Nonlinearity() Nonlinearity { return l.nonlinearity }

// SetSourceWeight copies m into source i's weight matrix.
func (l *Layer) SetSourceWeight(i int, m *tensor.Matrix) error {
	if i < 0 || i >= l.numModels {
		return fmt.Errorf("%w: %d of %d", ErrSourceIndex, i, l.numModels)
	}
	if err := l.weights[i].Data.CopyFrom(m); err != nil {
		return fmt.Errorf("%w: source weight %d: %v", ErrConfiguration, i, err)
	}
	return nil
}

// SetSourceBias copies the 1 x out bias row into source i's bias.
func (l *Layer) SetSourceBias(i int, m *tensor.Matrix) error {
	if !l.HasBias() {
		return fmt.Errorf("%w: layer constructed without bias", ErrConfiguration)
	}
	if i < 0 || i >= l.numModels {
		return fmt.Errorf("%w: %d of %d", ErrSourceIndex, i, l.numModels)
	}
	if err := l.biases[i].Data.CopyFrom(m); err != nil {
		return fmt.Errorf("%w: source bias %d: %v", ErrConfiguration, i, err)
	}
	return nil
}

// Merger returns source i's merger coefficient tensor.
func (l *Layer) Merger(i int) (*tensor.Tensor, error) {
	if i < 0 || i >= l.numModels {
		return nil, fmt.Errorf("%w: %d of %d", ErrSourceIndex, i, l.numModels)
	}
	return l.mergers[i], nil
}

// Unfreeze makes the merger coefficients trainable. Source weights stay
// frozen; their trainability is not owned here. The transition is one-way
// and unfreezing twice is rejected.
func (l *Layer) Unfreeze() error {
	if l.phase != PhaseFrozen {
		return fmt.Errorf("%w: layer already %s", ErrPhase, l.phase)
	}
	for _, m := range l.mergers {
		m.EnableGrad()
	}
	for _, bm := range l.biasMergers {
		bm.EnableGrad()
	}
	l.phase = PhaseTraining
	return nil
}

// Parameters returns the trainable tensors: merger vectors and, when the
// layer carries a bias, the bias mergers.
func (l *Layer) Parameters() []*tensor.Tensor {
	params := make([]*tensor.Tensor, 0, len(l.mergers)+len(l.biasMergers))
	params = append(params, l.mergers...)
	params = append(params, l.biasMergers...)
	return params
}

// mergedWeightTensor builds Σ_i nonlinearity(merger_i) ⊙_col weight_i as an
// autodiff graph. Recomputed on every call: parameters move between steps,
// so caching would silently train against stale weights.
func (l *Layer) mergedWeightTensor() (*tensor.Tensor, error) {
	var sum *tensor.Tensor
	for i := 0; i < l.numModels; i++ {
		coef, err := l.nonlinearity.apply(l.mergers[i])
		if err != nil {
			return nil, err
		}
		scaled, err := tensor.ColumnScale(l.weights[i], coef)
		if err != nil {
			return nil, err
		}
		if sum == nil {
			sum = scaled
			continue
		}
		sum, err = tensor.Add(sum, scaled)
		if err != nil {
			return nil, err
		}
	}
	return sum, nil
}

// mergedBiasTensor builds Σ_i nonlinearity(biasMerger_i) * bias_i. The bias
// merger is a scalar broadcast uniformly across out_features, expressed as
// a 1x1 by 1xout product so its gradient flows. Returns nil without error
// when the layer has no bias.
func (l *Layer) mergedBiasTensor() (*tensor.Tensor, error) {
	if !l.HasBias() {
		return nil, nil
	}
	var sum *tensor.Tensor
	for i := 0; i < l.numModels; i++ {
		coef, err := l.nonlinearity.apply(l.biasMergers[i])
		if err != nil {
			return nil, err
		}
		scaled, err := tensor.MatMul(coef, l.biases[i])
		if err != nil {
			return nil, err
		}
		if sum == nil {
			sum = scaled
			continue
		}
		sum, err = tensor.Add(sum, scaled)
		if err != nil {
			return nil, err
		}
	}
	return sum, nil
}

// MergedWeight returns the collapsed [out, in] weight detached from the
// graph. Export uses this to overwrite a plain linear layer.
func (l *Layer) MergedWeight() (*tensor.Matrix, error) {
	w, err := l.mergedWeightTensor()
	if err != nil {
		return nil, err
	}
	return w.Detach(), nil
}

// MergedBias returns the collapsed 1 x out bias detached from the graph,
// or nil when the layer has no bias.
func (l *Layer) MergedBias() (*tensor.Matrix, error) {
	b, err := l.mergedBiasTensor()
	if err != nil || b == nil {
		return nil, err
	}
	return b.Detach(), nil
}

// Apply runs the merged affine transform on x, shaped [tokens, in].
func (l *Layer) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	w, err := l.mergedWeightTensor()
	if err != nil {
		return nil, err
	}
	out, err := tensor.MatMulT(x, w)
	if err != nil {
		return nil, err
	}
	b, err := l.mergedBiasTensor()
	if err != nil {
		return nil, err
	}
	if b != nil {
		out, err = tensor.Add(out, b)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ApplySource bypasses merging and applies only source i's own weight and
// bias, ignoring all mergers. Used to evaluate one source in isolation.
func (l *Layer) ApplySource(x *tensor.Tensor, i int) (*tensor.Tensor, error) {
	if i < 0 || i >= l.numModels {
		return nil, fmt.Errorf("%w: %d of %d", ErrSourceIndex, i, l.numModels)
	}
	out, err := tensor.MatMulT(x, l.weights[i])
	if err != nil {
		return nil, err
	}
	if l.HasBias() {
		out, err = tensor.Add(out, l.biases[i])
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SimilarityPenalty implements Regularizer. It averages cosine similarity
// over all unordered merger pairs and scales by coef; with fewer than two
// sources or a zero coef it contributes a constant zero.
func (l *Layer) SimilarityPenalty(coef float64) (*tensor.Tensor, error) {
	if coef == 0 || l.numModels < 2 {
		return tensor.NewScalarTensor(0, nil), nil
	}

	var sum *tensor.Tensor
	pairs := 0
	for i := 0; i < l.numModels; i++ {
		for j := i + 1; j < l.numModels; j++ {
			sim, err := tensor.CosineSimilarity(l.mergers[i], l.mergers[j])
			if err != nil {
				return nil, err
			}
			pairs++
			if sum == nil {
				sum = sim
				continue
			}
			sum, err = tensor.Add(sum, sim)
			if err != nil {
				return nil, err
			}
		}
	}
	return tensor.ScalarMultiply(sum, coef/float64(pairs))
}

// NormPenalty implements Regularizer over the raw merger vectors.
func (l *Layer) NormPenalty(l1, l2 float64) (*tensor.Tensor, error) {
	if l1 == 0 && l2 == 0 {
		return tensor.NewScalarTensor(0, nil), nil
	}

	var sum *tensor.Tensor
	add := func(t *tensor.Tensor) error {
		if sum == nil {
			sum = t
			return nil
		}
		var err error
		sum, err = tensor.Add(sum, t)
		return err
	}

	for _, m := range l.mergers {
		if l1 != 0 {
			n, err := tensor.VectorNorm(m, 1)
			if err != nil {
				return nil, err
			}
			n, err = tensor.ScalarMultiply(n, l1)
			if err != nil {
				return nil, err
			}
			if err := add(n); err != nil {
				return nil, err
			}
		}
		if l2 != 0 {
			n, err := tensor.VectorNorm(m, 2)
			if err != nil {
				return nil, err
			}
			n, err = tensor.ScalarMultiply(n, l2)
			if err != nil {
				return nil, err
			}
			if err := add(n); err != nil {
				return nil, err
			}
		}
	}
	return sum, nil
}

// Package distill composes the multi-source distillation loss that trains
// merger coefficients: per-source forward passes scored against recorded
// top-K teacher logits, plus the regularization penalties of every merge
// layer in the model.
package distill

import (
	"fmt"

	"github.com/SolshineCode/DAM/pkg/merge"
	"github.com/SolshineCode/DAM/pkg/model"
	"github.com/SolshineCode/DAM/pkg/tensor"
)

// Config selects the distillation terms and regularization coefficients.
// Coefficients left at zero disable their penalty.
type Config struct {
	Temperature float64
	UseKL       bool
	UseMSE      bool

	SimilarityCoef float64
	L1Coef         float64
	L2Coef         float64
}

// Composer computes the per-step training loss.
type Composer struct {
	cfg Config
}

// NewComposer validates the configuration: at least one distillation term
// must be enabled, and KL needs a positive temperature.
func NewComposer(cfg Config) (*Composer, error) {
	if !cfg.UseKL && !cfg.UseMSE {
		return nil, fmt.Errorf("%w: at least one of KL and MSE must be enabled", ErrConfiguration)
	}
	if cfg.UseKL && cfg.Temperature <= 0 {
		return nil, fmt.Errorf("%w: KL distillation needs a positive temperature, got %g", ErrConfiguration, cfg.Temperature)
	}
	return &Composer{cfg: cfg}, nil
}

// Loss runs one full loss computation over the batch and returns the
// graph-connected scalar.
func (c *Composer) Loss(m *model.Model, batch *Batch) (*tensor.Tensor, error) {
	loss, _, err := c.lossImpl(m, batch, false)
	return loss, err
}

// LossWithLogits additionally returns the last source's final example's
// full-vocabulary logits, for callers that want both the loss and an
// output sample.
func (c *Composer) LossWithLogits(m *model.Model, batch *Batch) (*tensor.Tensor, *tensor.Tensor, error) {
	return c.lossImpl(m, batch, true)
}

func (c *Composer) lossImpl(m *model.Model, batch *Batch, wantLogits bool) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := batch.Validate(); err != nil {
		return nil, nil, err
	}

	var total *tensor.Tensor
	add := func(t *tensor.Tensor) error {
		if total == nil {
			total = t
			return nil
		}
		var err error
		total, err = tensor.Add(total, t)
		return err
	}

	var lastLogits *tensor.Tensor
	for si, src := range batch.Sources {
		var srcLoss *tensor.Tensor
		for ei, ex := range src.Examples {
			logits, err := m.Forward(ex.InputIDs, ex.AttentionMask)
			if err != nil {
				return nil, nil, fmt.Errorf("source %d example %d forward: %w", si, ei, err)
			}
			lastLogits = logits

			gathered, err := tensor.GatherColumns(logits, ex.Teacher.TopKIndices)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: source %d example %d gather: %v", ErrConfiguration, si, ei, err)
			}

			var exLoss *tensor.Tensor
			if c.cfg.UseKL {
				kl, err := tensor.KLDivTopK(gathered, ex.Teacher.TopKLogits, c.cfg.Temperature)
				if err != nil {
					return nil, nil, fmt.Errorf("source %d example %d kl: %w", si, ei, err)
				}
				exLoss = kl
			}
			if c.cfg.UseMSE {
				mse, err := tensor.MSELoss(gathered, ex.Teacher.TopKLogits)
				if err != nil {
					return nil, nil, fmt.Errorf("source %d example %d mse: %w", si, ei, err)
				}
				if exLoss == nil {
					exLoss = mse
				} else if exLoss, err = tensor.Add(exLoss, mse); err != nil {
					return nil, nil, err
				}
			}

			if srcLoss == nil {
				srcLoss = exLoss
			} else if srcLoss, err = tensor.Add(srcLoss, exLoss); err != nil {
				return nil, nil, err
			}
		}

		// batch-mean over this source's examples, then summed across sources
		srcLoss, err := tensor.ScalarMultiply(srcLoss, 1.0/float64(len(src.Examples)))
		if err != nil {
			return nil, nil, err
		}
		if err := add(srcLoss); err != nil {
			return nil, nil, err
		}
	}

	if err := c.addRegularization(m, add); err != nil {
		return nil, nil, err
	}

	if !wantLogits {
		lastLogits = nil
	}
	return total, lastLogits, nil
}

// addRegularization walks the model's registry and collects penalties from
// every component implementing merge.Regularizer. Components without the
// capability are skipped, keeping the composer agnostic about where merge
// layers live.
func (c *Composer) addRegularization(m *model.Model, add func(*tensor.Tensor) error) error {
	for _, pos := range m.NamedAffines() {
		reg, ok := pos.Layer.(merge.Regularizer)
		if !ok {
			continue
		}
		sim, err := reg.SimilarityPenalty(c.cfg.SimilarityCoef)
		if err != nil {
			return fmt.Errorf("similarity penalty at %s: %w", pos.Path, err)
		}
		if err := add(sim); err != nil {
			return err
		}
		norm, err := reg.NormPenalty(c.cfg.L1Coef, c.cfg.L2Coef)
		if err != nil {
			return fmt.Errorf("norm penalty at %s: %w", pos.Path, err)
		}
		if err := add(norm); err != nil {
			return err
		}
	}
	return nil
}

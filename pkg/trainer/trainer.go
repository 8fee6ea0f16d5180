// Package trainer drives merger-coefficient training: Adam over the merge
// layers' coefficients, one loss computation per batch per epoch, with
// metrics persisted to a run log.
package trainer

import (
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/SolshineCode/DAM/internal/runlog"
	"github.com/SolshineCode/DAM/pkg/distill"
	"github.com/SolshineCode/DAM/pkg/merge"
	"github.com/SolshineCode/DAM/pkg/model"
)

// Config holds the training hyperparameters.
type Config struct {
	LearningRate float64
	MaxGradNorm  float64
	Epochs       int
	LogEvery     int

	Distill distill.Config
}

// DefaultConfig mirrors the reference training setup: constant learning
// rate 1e-3 for one epoch, temperature-2 KL distillation, and small
// similarity and L2 penalties.
func DefaultConfig() Config {
	return Config{
		LearningRate: 1e-3,
		MaxGradNorm:  1.0,
		Epochs:       1,
		LogEvery:     10,
		Distill: distill.Config{
			Temperature:    2.0,
			UseKL:          true,
			SimilarityCoef: 0.01,
			L2Coef:         0.01,
		},
	}
}

// Trainer trains one merged model.
type Trainer struct {
	model    *model.Model
	composer *distill.Composer
	opt      *Adam
	cfg      Config
	store    *runlog.Store // nil disables metric persistence
}

// New validates the configuration and builds a trainer. store may be nil.
func New(m *model.Model, cfg Config, store *runlog.Store) (*Trainer, error) {
	if m == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if len(m.MergeLayers()) == 0 {
		return nil, fmt.Errorf("model has no merge layers to train")
	}
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", cfg.LearningRate)
	}
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	composer, err := distill.NewComposer(cfg.Distill)
	if err != nil {
		return nil, err
	}
	return &Trainer{
		model:    m,
		composer: composer,
		opt:      NewAdam(cfg.LearningRate),
		cfg:      cfg,
		store:    store,
	}, nil
}

// Train runs the full loop over the batches and returns the run id ("" when
// no store is attached). Merge layers are unfrozen before the first step;
// an already-unfrozen model resumes cleanly.
func (t *Trainer) Train(batches []*distill.Batch) (string, error) {
	if len(batches) == 0 {
		return "", fmt.Errorf("%w: no training batches", distill.ErrMissingData)
	}

	if err := t.model.Unfreeze(); err != nil && !errors.Is(err, merge.ErrPhase) {
		return "", err
	}
	params := t.model.TrainableParameters()

	runID := ""
	if t.store != nil {
		var err error
		runID, err = t.store.StartRun(fmt.Sprintf("lr=%g epochs=%d temperature=%g kl=%v mse=%v",
			t.cfg.LearningRate, t.cfg.Epochs, t.cfg.Distill.Temperature,
			t.cfg.Distill.UseKL, t.cfg.Distill.UseMSE))
		if err != nil {
			return "", err
		}
	}

	step := 0
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		for bi, batch := range batches {
			for _, p := range params {
				p.ZeroGrad()
			}

			loss, err := t.composer.Loss(t.model, batch)
			if err != nil {
				return runID, fmt.Errorf("epoch %d batch %d: %w", epoch, bi, err)
			}
			lossVal, err := loss.Scalar()
			if err != nil {
				return runID, err
			}
			if math.IsNaN(lossVal) || math.IsInf(lossVal, 0) {
				return runID, fmt.Errorf("epoch %d batch %d: loss diverged to %v", epoch, bi, lossVal)
			}

			if err := loss.Backward(); err != nil {
				return runID, fmt.Errorf("epoch %d batch %d backward: %w", epoch, bi, err)
			}
			gradNorm := ClipGradients(params, t.cfg.MaxGradNorm)
			t.opt.Step(params)

			if t.store != nil {
				if err := t.store.RecordStep(runID, step, lossVal, gradNorm); err != nil {
					return runID, err
				}
			}
			if t.cfg.LogEvery > 0 && step%t.cfg.LogEvery == 0 {
				log.Printf("epoch %d step %d: loss=%.6f grad_norm=%.6f", epoch, step, lossVal, gradNorm)
			}
			step++
		}
	}
	return runID, nil
}

// Package export collapses a trained merge-augmented model into a
// standalone dense model: every merge layer's learned combination is baked
// into an ordinary linear layer, and the result is persisted with no
// runtime dependency on the merging system.
package export

import (
	"errors"
	"fmt"

	"github.com/SolshineCode/DAM/pkg/merge"
	"github.com/SolshineCode/DAM/pkg/model"
)

// ErrStructuralMismatch indicates the trained and fresh models are not in
// strict 1:1 structural correspondence. Copying would silently misassign
// weights, so the check runs before any write.
var ErrStructuralMismatch = errors.New("trained and fresh models are structurally incompatible")

// TokenizerSaver persists tokenizer files alongside the exported model.
type TokenizerSaver interface {
	Save(dir string) error
}

type shape struct {
	in, out int
	bias    bool
}

func shapeOf(a model.Affine) (shape, error) {
	switch l := a.(type) {
	case *model.Linear:
		return shape{l.InFeatures(), l.OutFeatures(), l.HasBias()}, nil
	case *merge.Layer:
		return shape{l.InFeatures(), l.OutFeatures(), l.HasBias()}, nil
	default:
		return shape{}, fmt.Errorf("unknown affine type %T", a)
	}
}

// CheckStructure verifies that both registries walk in lockstep: same
// positions in the same order with the same shapes, and every fresh
// position a plain linear layer.
func CheckStructure(trained, fresh *model.Model) error {
	tp := trained.NamedAffines()
	fp := fresh.NamedAffines()
	if len(tp) != len(fp) {
		return fmt.Errorf("%w: trained has %d linear positions, fresh has %d",
			ErrStructuralMismatch, len(tp), len(fp))
	}
	for i := range tp {
		if tp[i].Path != fp[i].Path {
			return fmt.Errorf("%w: position %d is %s in trained but %s in fresh",
				ErrStructuralMismatch, i, tp[i].Path, fp[i].Path)
		}
		fl, ok := fp[i].Layer.(*model.Linear)
		if !ok {
			return fmt.Errorf("%w: fresh position %s is %T, not a plain linear layer",
				ErrStructuralMismatch, fp[i].Path, fp[i].Layer)
		}
		ts, err := shapeOf(tp[i].Layer)
		if err != nil {
			return fmt.Errorf("%w: trained position %s: %v", ErrStructuralMismatch, tp[i].Path, err)
		}
		fs := shape{fl.InFeatures(), fl.OutFeatures(), fl.HasBias()}
		if ts != fs {
			return fmt.Errorf("%w: position %s is %dx%d (bias=%v) in trained but %dx%d (bias=%v) in fresh",
				ErrStructuralMismatch, tp[i].Path, ts.out, ts.in, ts.bias, fs.out, fs.in, fs.bias)
		}
	}
	return nil
}

// PrepareFresh builds the plain-architecture export target from a trained
// model: same config, with the shared parameters (embedding, norm gains)
// and any plain linear positions copied over. Merge positions are left for
// Export to overwrite.
func PrepareFresh(trained *model.Model) (*model.Model, error) {
	fresh, err := model.NewPlain(trained.Config)
	if err != nil {
		return nil, err
	}

	if err := fresh.Embedding.Data.CopyFrom(trained.Embedding.Data); err != nil {
		return nil, fmt.Errorf("copying embedding: %w", err)
	}
	if err := fresh.FinalNorm.Data.CopyFrom(trained.FinalNorm.Data); err != nil {
		return nil, fmt.Errorf("copying final norm: %w", err)
	}
	for i := range fresh.Blocks {
		if err := fresh.Blocks[i].AttnNorm.Data.CopyFrom(trained.Blocks[i].AttnNorm.Data); err != nil {
			return nil, fmt.Errorf("copying block %d attn norm: %w", i, err)
		}
		if err := fresh.Blocks[i].FFNNorm.Data.CopyFrom(trained.Blocks[i].FFNNorm.Data); err != nil {
			return nil, fmt.Errorf("copying block %d ffn norm: %w", i, err)
		}
	}

	tp := trained.NamedAffines()
	fp := fresh.NamedAffines()
	for i := range tp {
		src, ok := tp[i].Layer.(*model.Linear)
		if !ok {
			continue
		}
		dst := fp[i].Layer.(*model.Linear)
		if err := dst.W.Data.CopyFrom(src.W.Data); err != nil {
			return nil, fmt.Errorf("copying %s weight: %w", tp[i].Path, err)
		}
		if src.B != nil && dst.B != nil {
			if err := dst.B.Data.CopyFrom(src.B.Data); err != nil {
				return nil, fmt.Errorf("copying %s bias: %w", tp[i].Path, err)
			}
		}
	}
	return fresh, nil
}

// Export collapses every merge layer of the trained model into the fresh
// model's matching linear layer and persists the result to dir, with
// tokenizer files when tok is non-nil. The structural check runs first;
// nothing is written on mismatch.
func Export(trained, fresh *model.Model, dir string, tok TokenizerSaver) error {
	if err := CheckStructure(trained, fresh); err != nil {
		return err
	}

	tp := trained.NamedAffines()
	fp := fresh.NamedAffines()
	for i := range tp {
		ml, ok := tp[i].Layer.(*merge.Layer)
		if !ok {
			// plain position: already correct in the fresh copy
			continue
		}
		dst := fp[i].Layer.(*model.Linear)

		w, err := ml.MergedWeight()
		if err != nil {
			return fmt.Errorf("collapsing %s: %w", tp[i].Path, err)
		}
		if err := dst.W.Data.CopyFrom(w); err != nil {
			return fmt.Errorf("overwriting %s weight: %w", tp[i].Path, err)
		}

		b, err := ml.MergedBias()
		if err != nil {
			return fmt.Errorf("collapsing %s bias: %w", tp[i].Path, err)
		}
		if b != nil {
			if dst.B == nil {
				return fmt.Errorf("%w: position %s has bias in trained only", ErrStructuralMismatch, tp[i].Path)
			}
			if err := dst.B.Data.CopyFrom(b); err != nil {
				return fmt.Errorf("overwriting %s bias: %w", tp[i].Path, err)
			}
		}
	}

	if err := fresh.Save(dir); err != nil {
		return fmt.Errorf("persisting exported model: %w", err)
	}
	if tok != nil {
		if err := tok.Save(dir); err != nil {
			return fmt.Errorf("persisting tokenizer: %w", err)
		}
	}
	return nil
}

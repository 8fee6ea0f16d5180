package model

import (
	"fmt"

	"github.com/SolshineCode/DAM/pkg/tensor"
)

// Affine is a linear position in the model: either a plain Linear or a
// merge layer standing in for one. The model's forward pass only needs
// Apply; everything else (population, regularization, export) works through
// type assertions on the registry.
type Affine interface {
	Apply(x *tensor.Tensor) (*tensor.Tensor, error)
}

// Linear is a dense affine transform with weights stored [out, in].
type Linear struct {
	W *tensor.Tensor // [out, in]
	B *tensor.Tensor // [1, out], nil when constructed without bias
}

// NewLinear creates a randomly initialized linear layer.
func NewLinear(inFeatures, outFeatures int, bias bool) (*Linear, error) {
	if inFeatures <= 0 || outFeatures <= 0 {
		return nil, fmt.Errorf("linear dims must be positive, got in=%d out=%d", inFeatures, outFeatures)
	}
	w, err := tensor.NewRandomTensor(outFeatures, inFeatures, nil)
	if err != nil {
		return nil, err
	}
	l := &Linear{W: w}
	if bias {
		b, err := tensor.NewZerosTensor(1, outFeatures, nil)
		if err != nil {
			return nil, err
		}
		l.B = b
	}
	return l, nil
}

// Apply computes x*W^T (+ bias broadcast over rows).
func (l *Linear) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.MatMulT(x, l.W)
	if err != nil {
		return nil, err
	}
	if l.B != nil {
		out, err = tensor.Add(out, l.B)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (l *Linear) InFeatures() int  { return l.W.Data.Cols }
func (l *Linear) OutFeatures() int { return l.W.Data.Rows }
func (l *Linear) HasBias() bool    { return l.B != nil }

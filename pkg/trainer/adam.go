package trainer

import (
	"math"

	"github.com/SolshineCode/DAM/pkg/tensor"
)

// Adam implements the Adam optimizer with bias correction. Moment state is
// keyed by parameter tensor and allocated lazily on first step.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	step int
	m    map[*tensor.Tensor][]float64
	v    map[*tensor.Tensor][]float64
}

// NewAdam creates an optimizer with the usual moment defaults.
func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		m:            make(map[*tensor.Tensor][]float64),
		v:            make(map[*tensor.Tensor][]float64),
	}
}

// Step applies one update to every parameter carrying a gradient.
func (a *Adam) Step(params []*tensor.Tensor) {
	a.step++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.step))

	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		data := p.Data.RawData()
		grad := p.Grad.RawData()

		m, ok := a.m[p]
		if !ok {
			m = make([]float64, len(data))
			a.m[p] = m
		}
		v, ok := a.v[p]
		if !ok {
			v = make([]float64, len(data))
			a.v[p] = v
		}

		for i, g := range grad {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			data[i] -= a.LearningRate * mHat / (math.Sqrt(vHat) + a.Epsilon)
		}
	}
}

// ClipGradients rescales all gradients when their global L2 norm exceeds
// maxNorm, and returns the pre-clip norm. A non-positive maxNorm disables
// clipping.
func ClipGradients(params []*tensor.Tensor, maxNorm float64) float64 {
	total := 0.0
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		for _, g := range p.Grad.RawData() {
			total += g * g
		}
	}
	norm := math.Sqrt(total)
	if maxNorm <= 0 || norm <= maxNorm || norm == 0 {
		return norm
	}

	scale := maxNorm / norm
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		grad := p.Grad.RawData()
		for i := range grad {
			grad[i] *= scale
		}
	}
	return norm
}

package merge

import (
	"fmt"

	"github.com/SolshineCode/DAM/pkg/tensor"
)

// Nonlinearity selects the activation applied to merger coefficients before
// they weight the source sum. It is fixed at construction, not learned.
type Nonlinearity int

const (
	Identity Nonlinearity = iota
	Tanh
	Sigmoid
	ReLU
)

// ParseNonlinearity maps a config string to a Nonlinearity value.
func ParseNonlinearity(s string) (Nonlinearity, error) {
	switch s {
	case "", "identity", "none":
		return Identity, nil
	case "tanh":
		return Tanh, nil
	case "sigmoid":
		return Sigmoid, nil
	case "relu":
		return ReLU, nil
	default:
		return Identity, fmt.Errorf("%w: unknown nonlinearity %q", ErrConfiguration, s)
	}
}

func (n Nonlinearity) String() string {
	switch n {
	case Identity:
		return "identity"
	case Tanh:
		return "tanh"
	case Sigmoid:
		return "sigmoid"
	case ReLU:
		return "relu"
	default:
		return fmt.Sprintf("Nonlinearity(%d)", int(n))
	}
}

func (n Nonlinearity) valid() bool {
	return n >= Identity && n <= ReLU
}

// apply runs the activation as a graph op so merger gradients flow through.
func (n Nonlinearity) apply(t *tensor.Tensor) (*tensor.Tensor, error) {
	switch n {
	case Identity:
		return t, nil
	case Tanh:
		return tensor.Tanh(t)
	case Sigmoid:
		return tensor.Sigmoid(t)
	case ReLU:
		return tensor.ReLU(t)
	default:
		return nil, fmt.Errorf("%w: unknown nonlinearity %d", ErrConfiguration, int(n))
	}
}

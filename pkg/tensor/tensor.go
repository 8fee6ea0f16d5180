package tensor

import (
	"fmt"
)

// Tensor wraps a Matrix with reverse-mode gradient tracking. Operations in
// ops.go install a BackwardFn closure that accumulates into the children's
// gradients; Backward walks the graph from a scalar result in reverse
// topological order.
type Tensor struct {
	Data         *Matrix
	Grad         *Matrix
	RequiresGrad bool
	BackwardFn   func()
	Children     []*Tensor
	Name         string // Optional name for debugging
}

// TensorConfig holds configuration options for creating a tensor.
type TensorConfig struct {
	RequiresGrad bool
	Name         string
}

// NewTensor creates a tensor from a matrix. A gradient matrix is allocated
// when RequiresGrad is set.
func NewTensor(data *Matrix, config *TensorConfig) (*Tensor, error) {
	if data == nil {
		return nil, fmt.Errorf("data matrix cannot be nil")
	}
	if config == nil {
		config = &TensorConfig{}
	}

	var grad *Matrix
	if config.RequiresGrad {
		var err error
		grad, err = NewMatrix(data.Rows, data.Cols)
		if err != nil {
			return nil, fmt.Errorf("failed to create gradient matrix: %v", err)
		}
	}

	return &Tensor{
		Data:         data,
		Grad:         grad,
		RequiresGrad: config.RequiresGrad,
		Name:         config.Name,
	}, nil
}

// NewZerosTensor creates a zero-filled tensor.
func NewZerosTensor(rows, cols int, config *TensorConfig) (*Tensor, error) {
	data, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, err
	}
	return NewTensor(data, config)
}

// NewRandomTensor creates a tensor with small random values.
func NewRandomTensor(rows, cols int, config *TensorConfig) (*Tensor, error) {
	data, err := NewRandomMatrix(rows, cols)
	if err != nil {
		return nil, err
	}
	return NewTensor(data, config)
}

// NewScalarTensor creates a 1x1 constant tensor.
func NewScalarTensor(v float64, config *TensorConfig) *Tensor {
	data, _ := NewMatrix(1, 1)
	data.Set(0, 0, v)
	t, _ := NewTensor(data, config)
	return t
}

// Scalar returns the single element of a 1x1 tensor.
func (t *Tensor) Scalar() (float64, error) {
	if t.Data.Rows != 1 || t.Data.Cols != 1 {
		return 0, fmt.Errorf("tensor %q is %dx%d, not scalar", t.Name, t.Data.Rows, t.Data.Cols)
	}
	return t.Data.At(0, 0), nil
}

// EnableGrad makes the tensor trainable, allocating its gradient matrix on
// the first call. Used when a parameter transitions out of its frozen phase.
func (t *Tensor) EnableGrad() {
	if t.Grad == nil {
		t.Grad, _ = NewMatrix(t.Data.Rows, t.Data.Cols)
	}
	t.RequiresGrad = true
}

// ZeroGrad zeros the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil {
		t.Grad.Zero()
	}
}

// accumulate adds g into the tensor's gradient if the tensor tracks one.
// Ops call this from their BackwardFn closures.
func (t *Tensor) accumulate(g *Matrix) {
	if !t.RequiresGrad || t.Grad == nil {
		return
	}
	for i, v := range g.RawData() {
		t.Grad.RawData()[i] += v
	}
}

// Backward computes gradients of t with respect to every tensor in its
// graph. t must be scalar; its gradient is seeded to 1.
func (t *Tensor) Backward() error {
	if t.Data.Rows != 1 || t.Data.Cols != 1 {
		return fmt.Errorf("backward requires a scalar tensor, got %dx%d (%s)", t.Data.Rows, t.Data.Cols, t.Name)
	}
	if t.Grad == nil {
		t.Grad, _ = NewMatrix(1, 1)
	}
	t.Grad.Set(0, 0, 1.0)

	visited := make(map[*Tensor]bool)
	topo := make([]*Tensor, 0)

	var buildTopo func(node *Tensor) error
	buildTopo = func(node *Tensor) error {
		if node == nil {
			return fmt.Errorf("nil tensor in graph")
		}
		if visited[node] {
			return nil
		}
		visited[node] = true
		for _, child := range node.Children {
			if err := buildTopo(child); err != nil {
				return err
			}
		}
		topo = append(topo, node)
		return nil
	}
	if err := buildTopo(t); err != nil {
		return fmt.Errorf("failed to build topology: %v", err)
	}

	// Nodes off every gradient path carry no Grad; their closures have
	// nothing to propagate and must not run.
	for i := len(topo) - 1; i >= 0; i-- {
		if topo[i].BackwardFn != nil && topo[i].Grad != nil {
			topo[i].BackwardFn()
		}
	}
	return nil
}

// Detach returns a copy of the tensor's current values with no graph
// attachment.
func (t *Tensor) Detach() *Matrix {
	return t.Data.Clone()
}

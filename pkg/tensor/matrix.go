package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix is a dense 2D matrix of float64 values. The backing slice is
// row-major and shared with a gonum mat.Dense view so that matrix products
// run through gonum's kernels while element-wise code can work on the flat
// slice directly.
type Matrix struct {
	Rows int
	Cols int

	data  []float64
	dense *mat.Dense
}

// NewMatrix creates a zero-filled matrix with the specified dimensions.
func NewMatrix(rows, cols int) (*Matrix, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid matrix dimensions: rows=%d, cols=%d (must be positive)", rows, cols)
	}

	data := make([]float64, rows*cols)
	return &Matrix{
		Rows:  rows,
		Cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}, nil
}

// MustNewMatrix creates a zero-filled matrix and panics on invalid
// dimensions. Intended for tests and fixed-size literals.
func MustNewMatrix(rows, cols int) *Matrix {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		panic(err)
	}
	return m
}

// NewMatrixFromSlice creates a matrix that adopts the given row-major slice.
func NewMatrixFromSlice(rows, cols int, data []float64) (*Matrix, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid matrix dimensions: rows=%d, cols=%d (must be positive)", rows, cols)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("data length %d does not match %dx%d", len(data), rows, cols)
	}
	return &Matrix{
		Rows:  rows,
		Cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}, nil
}

// NewMatrixFromRows creates a matrix by copying the given rows.
func NewMatrixFromRows(rows [][]float64) (*Matrix, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("cannot build matrix from empty rows")
	}
	cols := len(rows[0])
	m, err := NewMatrix(len(rows), cols)
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), cols)
		}
		copy(m.Row(i), row)
	}
	return m, nil
}

// NewRandomMatrix creates a matrix with small random values for stable
// training starts.
func NewRandomMatrix(rows, cols int) (*Matrix, error) {
	m, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, err
	}
	for i := range m.data {
		m.data[i] = rand.Float64()*0.2 - 0.1
	}
	return m, nil
}

// At returns the element at (i, j).
func (m *Matrix) At(i, j int) float64 { return m.data[i*m.Cols+j] }

// Set assigns the element at (i, j).
func (m *Matrix) Set(i, j int, v float64) { m.data[i*m.Cols+j] = v }

// Row returns a mutable view of row i.
func (m *Matrix) Row(i int) []float64 { return m.data[i*m.Cols : (i+1)*m.Cols] }

// RawData returns the mutable row-major backing slice.
func (m *Matrix) RawData() []float64 { return m.data }

// Fill sets all elements to v.
func (m *Matrix) Fill(v float64) {
	for i := range m.data {
		m.data[i] = v
	}
}

// Zero resets all elements to 0.
func (m *Matrix) Zero() { m.Fill(0) }

// Clone creates a deep copy of the matrix.
func (m *Matrix) Clone() *Matrix {
	clone, _ := NewMatrix(m.Rows, m.Cols)
	copy(clone.data, m.data)
	return clone
}

// CopyFrom copies src's values into m. Shapes must match.
func (m *Matrix) CopyFrom(src *Matrix) error {
	if m.Rows != src.Rows || m.Cols != src.Cols {
		return fmt.Errorf("shape mismatch in copy: dst(%dx%d), src(%dx%d)", m.Rows, m.Cols, src.Rows, src.Cols)
	}
	copy(m.data, src.data)
	return nil
}

// MatMul returns the matrix product m*other through gonum.
func (m *Matrix) MatMul(other *Matrix) (*Matrix, error) {
	if other == nil {
		return nil, fmt.Errorf("cannot multiply by nil matrix")
	}
	if m.Cols != other.Rows {
		return nil, fmt.Errorf("matrix dimensions don't match for multiplication: a(%dx%d), b(%dx%d)",
			m.Rows, m.Cols, other.Rows, other.Cols)
	}
	result, _ := NewMatrix(m.Rows, other.Cols)
	result.dense.Mul(m.dense, other.dense)
	return result, nil
}

// MatMulT returns m * other^T, the shape used by affine layers whose weights
// are stored [out, in].
func (m *Matrix) MatMulT(other *Matrix) (*Matrix, error) {
	if other == nil {
		return nil, fmt.Errorf("cannot multiply by nil matrix")
	}
	if m.Cols != other.Cols {
		return nil, fmt.Errorf("matrix dimensions don't match for a*b^T: a(%dx%d), b(%dx%d)",
			m.Rows, m.Cols, other.Rows, other.Cols)
	}
	result, _ := NewMatrix(m.Rows, other.Rows)
	result.dense.Mul(m.dense, other.dense.T())
	return result, nil
}

// Add returns m + other element-wise.
func (m *Matrix) Add(other *Matrix) (*Matrix, error) {
	if other == nil {
		return nil, fmt.Errorf("cannot add nil matrix")
	}
	if m.Rows != other.Rows || m.Cols != other.Cols {
		return nil, fmt.Errorf("matrix dimensions don't match for addition: a(%dx%d), b(%dx%d)",
			m.Rows, m.Cols, other.Rows, other.Cols)
	}
	result := m.Clone()
	floats.Add(result.data, other.data)
	return result, nil
}

// Sub returns m - other element-wise.
func (m *Matrix) Sub(other *Matrix) (*Matrix, error) {
	if other == nil {
		return nil, fmt.Errorf("cannot subtract nil matrix")
	}
	if m.Rows != other.Rows || m.Cols != other.Cols {
		return nil, fmt.Errorf("matrix dimensions don't match for subtraction: a(%dx%d), b(%dx%d)",
			m.Rows, m.Cols, other.Rows, other.Cols)
	}
	result := m.Clone()
	floats.Sub(result.data, other.data)
	return result, nil
}

// Hadamard returns the element-wise product of m and other.
func (m *Matrix) Hadamard(other *Matrix) (*Matrix, error) {
	if other == nil {
		return nil, fmt.Errorf("cannot multiply by nil matrix")
	}
	if m.Rows != other.Rows || m.Cols != other.Cols {
		return nil, fmt.Errorf("matrix dimensions don't match for element-wise multiplication: a(%dx%d), b(%dx%d)",
			m.Rows, m.Cols, other.Rows, other.Cols)
	}
	result := m.Clone()
	floats.Mul(result.data, other.data)
	return result, nil
}

// Scale returns m with all elements multiplied by scalar.
func (m *Matrix) Scale(scalar float64) *Matrix {
	result := m.Clone()
	floats.Scale(scalar, result.data)
	return result
}

// Transpose returns the transpose of m.
func (m *Matrix) Transpose() *Matrix {
	result, _ := NewMatrix(m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			result.Set(j, i, m.At(i, j))
		}
	}
	return result
}

// Softmax applies the softmax function to each row, with the usual
// max-subtraction for numerical stability.
func (m *Matrix) Softmax() *Matrix {
	result, _ := NewMatrix(m.Rows, m.Cols)
	for i := 0; i < m.Rows; i++ {
		in, out := m.Row(i), result.Row(i)
		max := floats.Max(in)
		sum := 0.0
		for j, v := range in {
			out[j] = math.Exp(v - max)
			sum += out[j]
		}
		floats.Scale(1.0/sum, out)
	}
	return result
}

// Apply returns a copy of m with fn applied to each element.
func (m *Matrix) Apply(fn func(float64) float64) *Matrix {
	result, _ := NewMatrix(m.Rows, m.Cols)
	for i, v := range m.data {
		result.data[i] = fn(v)
	}
	return result
}

// Sum returns the sum of all elements.
func (m *Matrix) Sum() float64 { return floats.Sum(m.data) }

// Mean returns the mean of all elements.
func (m *Matrix) Mean() float64 { return floats.Sum(m.data) / float64(len(m.data)) }

// Norm returns the L1 or L2 norm of the matrix viewed as a flat vector.
func (m *Matrix) Norm(p float64) float64 { return floats.Norm(m.data, p) }

// Dot returns the flat dot product with a same-shaped matrix.
func (m *Matrix) Dot(other *Matrix) (float64, error) {
	if m.Rows != other.Rows || m.Cols != other.Cols {
		return 0, fmt.Errorf("shape mismatch for dot product: a(%dx%d), b(%dx%d)", m.Rows, m.Cols, other.Rows, other.Cols)
	}
	return floats.Dot(m.data, other.data), nil
}

// Equal reports whether two matrices have the same shape and values within
// epsilon.
func Equal(a, b *Matrix, epsilon float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return false
	}
	for i := range a.data {
		if math.Abs(a.data[i]-b.data[i]) > epsilon {
			return false
		}
	}
	return true
}

// String returns a printable representation of the matrix.
func (m *Matrix) String() string {
	if m == nil {
		return "nil"
	}
	s := fmt.Sprintf("Matrix(%dx%d):\n", m.Rows, m.Cols)
	for i := 0; i < m.Rows; i++ {
		s += "["
		for j := 0; j < m.Cols; j++ {
			if j > 0 {
				s += ", "
			}
			s += fmt.Sprintf("%.4f", m.At(i, j))
		}
		s += "]\n"
	}
	return s
}

package tensor

import (
	"fmt"
	"math"
)

// opResult wraps an op's output matrix in a tensor that participates in the
// graph whenever any input does.
func opResult(data *Matrix, name string, children ...*Tensor) *Tensor {
	requires := false
	for _, c := range children {
		if c != nil && c.RequiresGrad {
			requires = true
			break
		}
	}
	out, _ := NewTensor(data, &TensorConfig{RequiresGrad: requires, Name: name})
	out.Children = children
	return out
}

// MatMul performs matrix multiplication a*b with gradient tracking.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	data, err := a.Data.MatMul(b.Data)
	if err != nil {
		return nil, err
	}

	result := opResult(data, "matmul", a, b)
	result.BackwardFn = func() {
		g := result.Grad
		if da, err := g.MatMulT(b.Data); err == nil {
			a.accumulate(da)
		}
		if db, err := a.Data.Transpose().MatMul(g); err == nil {
			b.accumulate(db)
		}
	}
	return result, nil
}

// MatMulT computes a*b^T, the natural product for affine layers whose
// weights are stored [out, in]: x[n,in] * w[out,in]^T -> [n,out].
func MatMulT(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	data, err := a.Data.MatMulT(b.Data)
	if err != nil {
		return nil, err
	}

	result := opResult(data, "matmul_t", a, b)
	result.BackwardFn = func() {
		g := result.Grad
		// y = a*b^T: da = g*b, db = g^T*a
		if da, err := g.MatMul(b.Data); err == nil {
			a.accumulate(da)
		}
		if db, err := g.Transpose().MatMul(a.Data); err == nil {
			b.accumulate(db)
		}
	}
	return result, nil
}

// Add performs element-wise addition. When b is a single row and a has
// multiple rows, b is broadcast across a's rows and its gradient is the
// column-wise sum of the output gradient.
func Add(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}

	broadcast := b.Data.Rows == 1 && a.Data.Rows > 1 && a.Data.Cols == b.Data.Cols
	var data *Matrix
	if broadcast {
		data = a.Data.Clone()
		row := b.Data.Row(0)
		for i := 0; i < data.Rows; i++ {
			out := data.Row(i)
			for j := range out {
				out[j] += row[j]
			}
		}
	} else {
		var err error
		data, err = a.Data.Add(b.Data)
		if err != nil {
			return nil, err
		}
	}

	result := opResult(data, "add", a, b)
	result.BackwardFn = func() {
		g := result.Grad
		a.accumulate(g)
		if broadcast {
			db, _ := NewMatrix(1, g.Cols)
			sums := db.Row(0)
			for i := 0; i < g.Rows; i++ {
				row := g.Row(i)
				for j := range row {
					sums[j] += row[j]
				}
			}
			b.accumulate(db)
		} else {
			b.accumulate(g)
		}
	}
	return result, nil
}

// Multiply performs element-wise multiplication with gradient tracking.
func Multiply(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	data, err := a.Data.Hadamard(b.Data)
	if err != nil {
		return nil, err
	}

	result := opResult(data, "multiply", a, b)
	result.BackwardFn = func() {
		g := result.Grad
		if da, err := g.Hadamard(b.Data); err == nil {
			a.accumulate(da)
		}
		if db, err := g.Hadamard(a.Data); err == nil {
			b.accumulate(db)
		}
	}
	return result, nil
}

// ScalarMultiply multiplies every element of t by a constant.
func ScalarMultiply(t *Tensor, scalar float64) (*Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	result := opResult(t.Data.Scale(scalar), "scalar_multiply", t)
	result.BackwardFn = func() {
		t.accumulate(result.Grad.Scale(scalar))
	}
	return result, nil
}

// ColumnScale scales each column of w by the matching coefficient in c,
// which must be a single row with w's column count. This is the core merge
// primitive: out[o][i] = w[o][i] * c[0][i].
func ColumnScale(w, c *Tensor) (*Tensor, error) {
	if w == nil || c == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	if c.Data.Rows != 1 || c.Data.Cols != w.Data.Cols {
		return nil, fmt.Errorf("coefficient shape (%dx%d) does not match weight columns %d",
			c.Data.Rows, c.Data.Cols, w.Data.Cols)
	}

	data := w.Data.Clone()
	coef := c.Data.Row(0)
	for i := 0; i < data.Rows; i++ {
		row := data.Row(i)
		for j := range row {
			row[j] *= coef[j]
		}
	}

	result := opResult(data, "column_scale", w, c)
	result.BackwardFn = func() {
		g := result.Grad
		dw := g.Clone()
		for i := 0; i < dw.Rows; i++ {
			row := dw.Row(i)
			for j := range row {
				row[j] *= coef[j]
			}
		}
		w.accumulate(dw)

		dc, _ := NewMatrix(1, g.Cols)
		sums := dc.Row(0)
		for i := 0; i < g.Rows; i++ {
			gr, wr := g.Row(i), w.Data.Row(i)
			for j := range gr {
				sums[j] += gr[j] * wr[j]
			}
		}
		c.accumulate(dc)
	}
	return result, nil
}

// Tanh applies the hyperbolic tangent element-wise.
func Tanh(t *Tensor) (*Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	data := t.Data.Apply(math.Tanh)
	result := opResult(data, "tanh", t)
	result.BackwardFn = func() {
		g := result.Grad
		dt, _ := NewMatrix(g.Rows, g.Cols)
		y := data.RawData()
		for i, gv := range g.RawData() {
			dt.RawData()[i] = gv * (1 - y[i]*y[i])
		}
		t.accumulate(dt)
	}
	return result, nil
}

// Sigmoid applies the logistic function element-wise.
func Sigmoid(t *Tensor) (*Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	data := t.Data.Apply(func(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) })
	result := opResult(data, "sigmoid", t)
	result.BackwardFn = func() {
		g := result.Grad
		dt, _ := NewMatrix(g.Rows, g.Cols)
		y := data.RawData()
		for i, gv := range g.RawData() {
			dt.RawData()[i] = gv * y[i] * (1 - y[i])
		}
		t.accumulate(dt)
	}
	return result, nil
}

// ReLU applies the rectified linear unit element-wise.
func ReLU(t *Tensor) (*Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	data := t.Data.Apply(func(x float64) float64 { return math.Max(0, x) })
	result := opResult(data, "relu", t)
	result.BackwardFn = func() {
		g := result.Grad
		dt, _ := NewMatrix(g.Rows, g.Cols)
		x := t.Data.RawData()
		for i, gv := range g.RawData() {
			if x[i] > 0 {
				dt.RawData()[i] = gv
			}
		}
		t.accumulate(dt)
	}
	return result, nil
}

// Softmax applies the softmax function to each row with gradient tracking.
func Softmax(t *Tensor) (*Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	data := t.Data.Softmax()
	result := opResult(data, "softmax", t)
	result.BackwardFn = func() {
		g := result.Grad
		dt, _ := NewMatrix(g.Rows, g.Cols)
		for i := 0; i < g.Rows; i++ {
			y, gr, dr := data.Row(i), g.Row(i), dt.Row(i)
			dot := 0.0
			for j := range y {
				dot += gr[j] * y[j]
			}
			for j := range y {
				dr[j] = y[j] * (gr[j] - dot)
			}
		}
		t.accumulate(dt)
	}
	return result, nil
}

// GatherRows selects rows of w by index, producing one output row per id.
// Used for embedding lookup; the backward pass scatter-adds into the
// selected rows.
func GatherRows(w *Tensor, ids []int) (*Tensor, error) {
	if w == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("gather requires at least one index")
	}
	for _, id := range ids {
		if id < 0 || id >= w.Data.Rows {
			return nil, fmt.Errorf("row index %d out of range [0,%d)", id, w.Data.Rows)
		}
	}

	data, _ := NewMatrix(len(ids), w.Data.Cols)
	for i, id := range ids {
		copy(data.Row(i), w.Data.Row(id))
	}

	result := opResult(data, "gather_rows", w)
	result.BackwardFn = func() {
		g := result.Grad
		dw, _ := NewMatrix(w.Data.Rows, w.Data.Cols)
		for i, id := range ids {
			gr, dr := g.Row(i), dw.Row(id)
			for j := range gr {
				dr[j] += gr[j]
			}
		}
		w.accumulate(dw)
	}
	return result, nil
}

// GatherColumns selects, for each row of t, the columns listed in the
// matching row of idx. All index rows must have the same length. The
// backward pass scatter-adds into the gathered positions.
func GatherColumns(t *Tensor, idx [][]int) (*Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if len(idx) != t.Data.Rows {
		return nil, fmt.Errorf("index rows %d do not match tensor rows %d", len(idx), t.Data.Rows)
	}
	if len(idx) == 0 || len(idx[0]) == 0 {
		return nil, fmt.Errorf("gather requires at least one index per row")
	}
	k := len(idx[0])
	for i, row := range idx {
		if len(row) != k {
			return nil, fmt.Errorf("index row %d has %d entries, expected %d", i, len(row), k)
		}
		for _, j := range row {
			if j < 0 || j >= t.Data.Cols {
				return nil, fmt.Errorf("column index %d out of range [0,%d)", j, t.Data.Cols)
			}
		}
	}

	data, _ := NewMatrix(t.Data.Rows, k)
	for i, row := range idx {
		src, dst := t.Data.Row(i), data.Row(i)
		for j, col := range row {
			dst[j] = src[col]
		}
	}

	result := opResult(data, "gather_columns", t)
	result.BackwardFn = func() {
		g := result.Grad
		dt, _ := NewMatrix(t.Data.Rows, t.Data.Cols)
		for i, row := range idx {
			gr, dr := g.Row(i), dt.Row(i)
			for j, col := range row {
				dr[col] += gr[j]
			}
		}
		t.accumulate(dt)
	}
	return result, nil
}

// RMSNorm normalizes each row of x by its root mean square and scales by
// gamma, a single row with x's column count.
func RMSNorm(x, gamma *Tensor, eps float64) (*Tensor, error) {
	if x == nil || gamma == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	if gamma.Data.Rows != 1 || gamma.Data.Cols != x.Data.Cols {
		return nil, fmt.Errorf("gamma shape (%dx%d) does not match columns %d",
			gamma.Data.Rows, gamma.Data.Cols, x.Data.Cols)
	}

	n := float64(x.Data.Cols)
	rms := make([]float64, x.Data.Rows)
	data, _ := NewMatrix(x.Data.Rows, x.Data.Cols)
	gm := gamma.Data.Row(0)
	for i := 0; i < x.Data.Rows; i++ {
		xr := x.Data.Row(i)
		ss := 0.0
		for _, v := range xr {
			ss += v * v
		}
		rms[i] = math.Sqrt(ss/n + eps)
		out := data.Row(i)
		for j := range xr {
			out[j] = xr[j] / rms[i] * gm[j]
		}
	}

	result := opResult(data, "rmsnorm", x, gamma)
	result.BackwardFn = func() {
		g := result.Grad
		dx, _ := NewMatrix(x.Data.Rows, x.Data.Cols)
		dg, _ := NewMatrix(1, x.Data.Cols)
		dgr := dg.Row(0)
		for i := 0; i < g.Rows; i++ {
			xr, gr, dr := x.Data.Row(i), g.Row(i), dx.Row(i)
			r := rms[i]
			inner := 0.0
			for j := range xr {
				inner += gr[j] * gm[j] * xr[j]
			}
			for j := range xr {
				dr[j] = gr[j]*gm[j]/r - xr[j]*inner/(n*r*r*r)
				dgr[j] += gr[j] * xr[j] / r
			}
		}
		x.accumulate(dx)
		gamma.accumulate(dg)
	}
	return result, nil
}

// MSELoss returns the mean squared error between pred and a constant
// target of the same shape, as a scalar tensor.
func MSELoss(pred *Tensor, target *Matrix) (*Tensor, error) {
	if pred == nil || target == nil {
		return nil, fmt.Errorf("inputs cannot be nil")
	}
	if pred.Data.Rows != target.Rows || pred.Data.Cols != target.Cols {
		return nil, fmt.Errorf("shape mismatch for mse: pred(%dx%d), target(%dx%d)",
			pred.Data.Rows, pred.Data.Cols, target.Rows, target.Cols)
	}

	n := float64(pred.Data.Rows * pred.Data.Cols)
	sum := 0.0
	p, t := pred.Data.RawData(), target.RawData()
	for i := range p {
		d := p[i] - t[i]
		sum += d * d
	}

	data, _ := NewMatrix(1, 1)
	data.Set(0, 0, sum/n)
	result := opResult(data, "mse_loss", pred)
	result.BackwardFn = func() {
		g := result.Grad.At(0, 0)
		dp, _ := NewMatrix(pred.Data.Rows, pred.Data.Cols)
		for i := range p {
			dp.RawData()[i] = g * 2.0 * (p[i] - t[i]) / n
		}
		pred.accumulate(dp)
	}
	return result, nil
}

// KLDivTopK computes the temperature-scaled KL divergence between a
// constant teacher logit matrix and the student logits gathered at the same
// positions. Both are [seq, k]. Each row is softened by the temperature;
// the summed divergence is scaled by temperature^2 and divided by the
// sequence length, matching batch-mean distillation over one sequence.
func KLDivTopK(student *Tensor, teacher *Matrix, temperature float64) (*Tensor, error) {
	if student == nil || teacher == nil {
		return nil, fmt.Errorf("inputs cannot be nil")
	}
	if student.Data.Rows != teacher.Rows || student.Data.Cols != teacher.Cols {
		return nil, fmt.Errorf("shape mismatch for kl: student(%dx%d), teacher(%dx%d)",
			student.Data.Rows, student.Data.Cols, teacher.Rows, teacher.Cols)
	}
	if temperature <= 0 {
		return nil, fmt.Errorf("temperature must be positive, got %g", temperature)
	}

	seq := student.Data.Rows
	p := teacher.Scale(1.0 / temperature).Softmax()
	q := student.Data.Scale(1.0 / temperature).Softmax()

	sum := 0.0
	pd, qd := p.RawData(), q.RawData()
	for i := range pd {
		if pd[i] > 0 {
			sum += pd[i] * (math.Log(pd[i]) - math.Log(qd[i]))
		}
	}
	scale := temperature * temperature / float64(seq)

	data, _ := NewMatrix(1, 1)
	data.Set(0, 0, sum*scale)
	result := opResult(data, "kl_div_topk", student)
	result.BackwardFn = func() {
		g := result.Grad.At(0, 0)
		// d/dstudent of T^2/S * sum p (log p - log q) with q = softmax(student/T)
		// is (T/S) * (q - p).
		ds, _ := NewMatrix(student.Data.Rows, student.Data.Cols)
		c := g * temperature / float64(seq)
		for i := range pd {
			ds.RawData()[i] = c * (qd[i] - pd[i])
		}
		student.accumulate(ds)
	}
	return result, nil
}

// CosineSimilarity returns the cosine of the angle between two single-row
// tensors as a scalar. If either vector has zero norm the result is 0 with
// no gradient.
func CosineSimilarity(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	if a.Data.Rows != 1 || b.Data.Rows != 1 || a.Data.Cols != b.Data.Cols {
		return nil, fmt.Errorf("cosine similarity needs matching single-row tensors: a(%dx%d), b(%dx%d)",
			a.Data.Rows, a.Data.Cols, b.Data.Rows, b.Data.Cols)
	}

	dot, _ := a.Data.Dot(b.Data)
	na := a.Data.Norm(2)
	nb := b.Data.Norm(2)

	data, _ := NewMatrix(1, 1)
	if na == 0 || nb == 0 {
		t, _ := NewTensor(data, &TensorConfig{Name: "cosine_similarity"})
		return t, nil
	}
	cos := dot / (na * nb)
	data.Set(0, 0, cos)

	result := opResult(data, "cosine_similarity", a, b)
	result.BackwardFn = func() {
		g := result.Grad.At(0, 0)
		da, _ := NewMatrix(1, a.Data.Cols)
		db, _ := NewMatrix(1, b.Data.Cols)
		av, bv := a.Data.Row(0), b.Data.Row(0)
		for i := range av {
			da.Row(0)[i] = g * (bv[i]/(na*nb) - cos*av[i]/(na*na))
			db.Row(0)[i] = g * (av[i]/(na*nb) - cos*bv[i]/(nb*nb))
		}
		a.accumulate(da)
		b.accumulate(db)
	}
	return result, nil
}

// VectorNorm returns the L1 or L2 norm of the tensor's elements as a
// scalar tensor. p must be 1 or 2.
func VectorNorm(t *Tensor, p float64) (*Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if p != 1 && p != 2 {
		return nil, fmt.Errorf("unsupported norm order %g (must be 1 or 2)", p)
	}

	norm := t.Data.Norm(p)
	data, _ := NewMatrix(1, 1)
	data.Set(0, 0, norm)

	result := opResult(data, "vector_norm", t)
	result.BackwardFn = func() {
		g := result.Grad.At(0, 0)
		dt, _ := NewMatrix(t.Data.Rows, t.Data.Cols)
		x := t.Data.RawData()
		switch {
		case p == 1:
			for i, v := range x {
				switch {
				case v > 0:
					dt.RawData()[i] = g
				case v < 0:
					dt.RawData()[i] = -g
				}
			}
		case norm > 0:
			for i, v := range x {
				dt.RawData()[i] = g * v / norm
			}
		}
		t.accumulate(dt)
	}
	return result, nil
}

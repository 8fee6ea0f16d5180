package merge

import (
	"errors"
	"math"
	"testing"

	"github.com/SolshineCode/DAM/pkg/tensor"
)

func newTestLayer(t *testing.T, cfg LayerConfig) *Layer {
	t.Helper()
	l, err := NewLayer(cfg)
	if err != nil {
		t.Fatalf("NewLayer: %v", err)
	}
	return l
}

func setWeight(t *testing.T, l *Layer, i int, rows [][]float64) {
	t.Helper()
	m, err := tensor.NewMatrixFromRows(rows)
	if err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	if err := l.SetSourceWeight(i, m); err != nil {
		t.Fatalf("SetSourceWeight(%d): %v", i, err)
	}
}

func scalarOf(t *testing.T, tn *tensor.Tensor) float64 {
	t.Helper()
	v, err := tn.Scalar()
	if err != nil {
		t.Fatalf("expected scalar: %v", err)
	}
	return v
}

func TestNewLayerValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  LayerConfig
	}{
		{"zero models", LayerConfig{InFeatures: 4, OutFeatures: 2, NumModels: 0}},
		{"zero in features", LayerConfig{InFeatures: 0, OutFeatures: 2, NumModels: 2}},
		{"negative out features", LayerConfig{InFeatures: 4, OutFeatures: -1, NumModels: 2}},
		{"bad nonlinearity", LayerConfig{InFeatures: 4, OutFeatures: 2, NumModels: 2, Nonlinearity: Nonlinearity(9)}},
		{"wrong initial vector count", LayerConfig{
			InFeatures: 4, OutFeatures: 2, NumModels: 2,
			InitialMergerValues: [][]float64{{1, 1, 1, 1}},
		}},
		{"wrong initial vector length", LayerConfig{
			InFeatures: 4, OutFeatures: 2, NumModels: 1,
			InitialMergerValues: [][]float64{{1, 1}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewLayer(tc.cfg); !errors.Is(err, ErrConfiguration) {
				t.Errorf("got %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestMergersDefaultToUniform(t *testing.T) {
	l := newTestLayer(t, LayerConfig{InFeatures: 3, OutFeatures: 2, NumModels: 4})
	for i := 0; i < 4; i++ {
		m, err := l.Merger(i)
		if err != nil {
			t.Fatalf("Merger(%d): %v", i, err)
		}
		for j := 0; j < 3; j++ {
			if got := m.Data.At(0, j); math.Abs(got-0.25) > 1e-12 {
				t.Errorf("merger %d[%d]: got %f, want 0.25", i, j, got)
			}
		}
	}
}

func TestMergedWeightIsAverageAtUniformIdentity(t *testing.T) {
	for _, n := range []int{1, 2, 3} {
		l := newTestLayer(t, LayerConfig{InFeatures: 2, OutFeatures: 2, NumModels: n})
		avg := tensor.MustNewMatrix(2, 2)
		for i := 0; i < n; i++ {
			rows := [][]float64{
				{float64(i + 1), float64(2 * (i + 1))},
				{float64(3 * (i + 1)), float64(4 * (i + 1))},
			}
			setWeight(t, l, i, rows)
			for r := 0; r < 2; r++ {
				for c := 0; c < 2; c++ {
					avg.Set(r, c, avg.At(r, c)+rows[r][c]/float64(n))
				}
			}
		}
		merged, err := l.MergedWeight()
		if err != nil {
			t.Fatalf("MergedWeight (N=%d): %v", n, err)
		}
		if !tensor.Equal(merged, avg, 1e-12) {
			t.Errorf("N=%d: merged weight %v is not the source average %v", n, merged, avg)
		}
	}
}

func TestMergedWeightMatchesExplicitSum(t *testing.T) {
	l := newTestLayer(t, LayerConfig{
		InFeatures: 3, OutFeatures: 2, NumModels: 2, Nonlinearity: Tanh,
		InitialMergerValues: [][]float64{{0.3, -0.7, 1.2}, {0.9, 0.1, -0.4}},
	})
	w0 := [][]float64{{1, 2, 3}, {4, 5, 6}}
	w1 := [][]float64{{-1, 0.5, 2}, {3, -2, 1}}
	setWeight(t, l, 0, w0)
	setWeight(t, l, 1, w1)

	merged, err := l.MergedWeight()
	if err != nil {
		t.Fatalf("MergedWeight: %v", err)
	}

	coefs := [][]float64{{0.3, -0.7, 1.2}, {0.9, 0.1, -0.4}}
	want := tensor.MustNewMatrix(2, 3)
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			want.Set(r, c, math.Tanh(coefs[0][c])*w0[r][c]+math.Tanh(coefs[1][c])*w1[r][c])
		}
	}
	if !tensor.Equal(merged, want, 1e-12) {
		t.Errorf("merged %v does not match explicit sum %v", merged, want)
	}
}

func TestConcreteTwoSourceScenario(t *testing.T) {
	// N=2, in=4, out=2, mergers 0.5 each, identity, no bias.
	l := newTestLayer(t, LayerConfig{
		InFeatures: 4, OutFeatures: 2, NumModels: 2,
		InitialMergerValues: [][]float64{
			{0.5, 0.5, 0.5, 0.5},
			{0.5, 0.5, 0.5, 0.5},
		},
	})
	w0 := [][]float64{{1, 2, 3, 4}, {5, 6, 7, 8}}
	w1 := [][]float64{{8, 7, 6, 5}, {4, 3, 2, 1}}
	setWeight(t, l, 0, w0)
	setWeight(t, l, 1, w1)

	merged, err := l.MergedWeight()
	if err != nil {
		t.Fatalf("MergedWeight: %v", err)
	}
	want := tensor.MustNewMatrix(2, 4)
	for r := 0; r < 2; r++ {
		for c := 0; c < 4; c++ {
			want.Set(r, c, (w0[r][c]+w1[r][c])/2)
		}
	}
	if !tensor.Equal(merged, want, 1e-12) {
		t.Fatalf("merged %v is not the elementwise average %v", merged, want)
	}

	// After setting merger 0 to ones and merger 1 to zeros, the merged
	// weight collapses to source 0 exactly.
	m0, _ := l.Merger(0)
	m1, _ := l.Merger(1)
	m0.Data.Fill(1)
	m1.Data.Fill(0)

	merged, err = l.MergedWeight()
	if err != nil {
		t.Fatalf("MergedWeight: %v", err)
	}
	wantW0, _ := tensor.NewMatrixFromRows(w0)
	if !tensor.Equal(merged, wantW0, 0) {
		t.Errorf("merged %v should equal source 0 weight %v exactly", merged, wantW0)
	}
}

func TestApplySourceIsPlainAffine(t *testing.T) {
	l := newTestLayer(t, LayerConfig{InFeatures: 3, OutFeatures: 2, NumModels: 2, Bias: true})
	w0 := [][]float64{{1, 0, 2}, {0, 1, -1}}
	w1 := [][]float64{{2, 2, 2}, {1, 1, 1}}
	setWeight(t, l, 0, w0)
	setWeight(t, l, 1, w1)
	b0, _ := tensor.NewMatrixFromRows([][]float64{{0.5, -0.5}})
	b1, _ := tensor.NewMatrixFromRows([][]float64{{1, 1}})
	if err := l.SetSourceBias(0, b0); err != nil {
		t.Fatalf("SetSourceBias: %v", err)
	}
	if err := l.SetSourceBias(1, b1); err != nil {
		t.Fatalf("SetSourceBias: %v", err)
	}

	xm, _ := tensor.NewMatrixFromRows([][]float64{{1, 2, 3}, {-1, 0, 1}})
	x, _ := tensor.NewTensor(xm, nil)

	weights := [][][]float64{w0, w1}
	biases := []*tensor.Matrix{b0, b1}
	for i := 0; i < 2; i++ {
		got, err := l.ApplySource(x, i)
		if err != nil {
			t.Fatalf("ApplySource(%d): %v", i, err)
		}
		wm, _ := tensor.NewMatrixFromRows(weights[i])
		plain, err := xm.MatMulT(wm)
		if err != nil {
			t.Fatalf("reference affine: %v", err)
		}
		for r := 0; r < plain.Rows; r++ {
			for c := 0; c < plain.Cols; c++ {
				plain.Set(r, c, plain.At(r, c)+biases[i].At(0, c))
			}
		}
		if !tensor.Equal(got.Data, plain, 1e-12) {
			t.Errorf("source %d: got %v, want plain affine %v", i, got.Data, plain)
		}
	}

	if _, err := l.ApplySource(x, 2); !errors.Is(err, ErrSourceIndex) {
		t.Errorf("got %v, want ErrSourceIndex", err)
	}
}

func TestApplyUsesMergedWeightAndBias(t *testing.T) {
	l := newTestLayer(t, LayerConfig{InFeatures: 2, OutFeatures: 2, NumModels: 2, Bias: true})
	setWeight(t, l, 0, [][]float64{{1, 2}, {3, 4}})
	setWeight(t, l, 1, [][]float64{{5, 6}, {7, 8}})
	b0, _ := tensor.NewMatrixFromRows([][]float64{{1, 2}})
	b1, _ := tensor.NewMatrixFromRows([][]float64{{3, 4}})
	l.SetSourceBias(0, b0)
	l.SetSourceBias(1, b1)

	xm, _ := tensor.NewMatrixFromRows([][]float64{{1, 1}})
	x, _ := tensor.NewTensor(xm, nil)
	out, err := l.Apply(x)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	mw, _ := l.MergedWeight()
	mb, _ := l.MergedBias()
	want, _ := xm.MatMulT(mw)
	want.Set(0, 0, want.At(0, 0)+mb.At(0, 0))
	want.Set(0, 1, want.At(0, 1)+mb.At(0, 1))
	if !tensor.Equal(out.Data, want, 1e-12) {
		t.Errorf("Apply: got %v, want %v", out.Data, want)
	}
}

func TestSimilarityPenalty(t *testing.T) {
	// single source: zero pairs, exactly 0 regardless of coef
	single := newTestLayer(t, LayerConfig{InFeatures: 3, OutFeatures: 2, NumModels: 1})
	p, err := single.SimilarityPenalty(0.5)
	if err != nil {
		t.Fatalf("SimilarityPenalty: %v", err)
	}
	if got := scalarOf(t, p); got != 0 {
		t.Errorf("N=1 penalty: got %f, want 0", got)
	}

	// unset coefficient: exactly 0
	pair := newTestLayer(t, LayerConfig{
		InFeatures: 3, OutFeatures: 2, NumModels: 2,
		InitialMergerValues: [][]float64{{1, 0, 0}, {1, 1, 0}},
	})
	p, err = pair.SimilarityPenalty(0)
	if err != nil {
		t.Fatalf("SimilarityPenalty: %v", err)
	}
	if got := scalarOf(t, p); got != 0 {
		t.Errorf("unset coef penalty: got %f, want 0", got)
	}

	// two sources: coef * cos((1,0,0),(1,1,0)) = coef / sqrt(2)
	p, err = pair.SimilarityPenalty(0.01)
	if err != nil {
		t.Fatalf("SimilarityPenalty: %v", err)
	}
	want := 0.01 / math.Sqrt2
	if got := scalarOf(t, p); math.Abs(got-want) > 1e-12 {
		t.Errorf("penalty: got %g, want %g", got, want)
	}

	// three sources: mean over C(3,2)=3 pairs
	trio := newTestLayer(t, LayerConfig{
		InFeatures: 2, OutFeatures: 1, NumModels: 3,
		InitialMergerValues: [][]float64{{1, 0}, {0, 1}, {1, 1}},
	})
	p, err = trio.SimilarityPenalty(1.0)
	if err != nil {
		t.Fatalf("SimilarityPenalty: %v", err)
	}
	want = (0 + 1/math.Sqrt2 + 1/math.Sqrt2) / 3
	if got := scalarOf(t, p); math.Abs(got-want) > 1e-12 {
		t.Errorf("three-source penalty: got %g, want %g", got, want)
	}
}

func TestNormPenalty(t *testing.T) {
	l := newTestLayer(t, LayerConfig{
		InFeatures: 2, OutFeatures: 1, NumModels: 2,
		InitialMergerValues: [][]float64{{3, -4}, {1, 1}},
	})

	p, err := l.NormPenalty(0, 0)
	if err != nil {
		t.Fatalf("NormPenalty: %v", err)
	}
	if got := scalarOf(t, p); got != 0 {
		t.Errorf("no coefficients: got %f, want 0", got)
	}

	// L1 sums: |3|+|-4| + |1|+|1| = 9
	p, err = l.NormPenalty(0.1, 0)
	if err != nil {
		t.Fatalf("NormPenalty: %v", err)
	}
	if got := scalarOf(t, p); math.Abs(got-0.9) > 1e-12 {
		t.Errorf("l1 only: got %g, want 0.9", got)
	}

	// L2 sums: 5 + sqrt(2)
	p, err = l.NormPenalty(0, 2.0)
	if err != nil {
		t.Fatalf("NormPenalty: %v", err)
	}
	wantL2 := 2.0 * (5 + math.Sqrt2)
	if got := scalarOf(t, p); math.Abs(got-wantL2) > 1e-12 {
		t.Errorf("l2 only: got %g, want %g", got, wantL2)
	}

	// both terms add independently
	p, err = l.NormPenalty(0.1, 2.0)
	if err != nil {
		t.Fatalf("NormPenalty: %v", err)
	}
	if got := scalarOf(t, p); math.Abs(got-(0.9+wantL2)) > 1e-12 {
		t.Errorf("combined: got %g, want %g", got, 0.9+wantL2)
	}
}

func TestUnfreezeIsOneWay(t *testing.T) {
	l := newTestLayer(t, LayerConfig{InFeatures: 2, OutFeatures: 2, NumModels: 2, Bias: true})
	if l.Phase() != PhaseFrozen {
		t.Fatalf("new layer phase: got %s, want frozen", l.Phase())
	}
	for _, p := range l.Parameters() {
		if p.RequiresGrad {
			t.Fatal("parameters trainable before unfreeze")
		}
	}
	if err := l.Unfreeze(); err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}
	if l.Phase() != PhaseTraining {
		t.Errorf("phase after unfreeze: got %s, want training", l.Phase())
	}
	for _, p := range l.Parameters() {
		if !p.RequiresGrad || p.Grad == nil {
			t.Error("parameter not trainable after unfreeze")
		}
	}
	if err := l.Unfreeze(); !errors.Is(err, ErrPhase) {
		t.Errorf("second unfreeze: got %v, want ErrPhase", err)
	}
}

func TestGradientsFlowToMergersAfterUnfreeze(t *testing.T) {
	l := newTestLayer(t, LayerConfig{InFeatures: 2, OutFeatures: 1, NumModels: 2})
	setWeight(t, l, 0, [][]float64{{1, 2}})
	setWeight(t, l, 1, [][]float64{{3, 4}})
	if err := l.Unfreeze(); err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}

	xm, _ := tensor.NewMatrixFromRows([][]float64{{1, 1}})
	x, _ := tensor.NewTensor(xm, nil)
	out, err := l.Apply(x)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	target, _ := tensor.NewMatrixFromRows([][]float64{{0}})
	loss, err := tensor.MSELoss(out, target)
	if err != nil {
		t.Fatalf("MSELoss: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	m0, _ := l.Merger(0)
	nonzero := false
	for _, g := range m0.Grad.RawData() {
		if g != 0 {
			nonzero = true
		}
	}
	if !nonzero {
		t.Error("merger gradient is all zeros after backward")
	}
	// source weights stay frozen
	if l.Phase() != PhaseTraining {
		t.Errorf("phase: got %s", l.Phase())
	}
}

func TestParseNonlinearity(t *testing.T) {
	cases := map[string]Nonlinearity{
		"":         Identity,
		"identity": Identity,
		"tanh":     Tanh,
		"sigmoid":  Sigmoid,
		"relu":     ReLU,
	}
	for s, want := range cases {
		got, err := ParseNonlinearity(s)
		if err != nil {
			t.Errorf("ParseNonlinearity(%q): %v", s, err)
		}
		if got != want {
			t.Errorf("ParseNonlinearity(%q): got %v, want %v", s, got, want)
		}
	}
	if _, err := ParseNonlinearity("gelu"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("unknown nonlinearity: got %v, want ErrConfiguration", err)
	}
}

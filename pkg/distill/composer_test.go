package distill

import (
	"errors"
	"math"
	"testing"

	"github.com/SolshineCode/DAM/pkg/merge"
	"github.com/SolshineCode/DAM/pkg/model"
	"github.com/SolshineCode/DAM/pkg/tensor"
)

func testModelConfig() model.Config {
	return model.Config{
		VocabSize:    7,
		EmbedDim:     4,
		NumBlocks:    1,
		FFNHiddenDim: 8,
		MaxSeqLen:    6,
	}
}

// mergedFixture builds a populated, unfrozen merged model over n sources.
func mergedFixture(t *testing.T, n int) *model.Model {
	t.Helper()
	cfg := testModelConfig()
	var sources []*model.Model
	for i := 0; i < n; i++ {
		s, err := model.NewPlain(cfg)
		if err != nil {
			t.Fatalf("NewPlain: %v", err)
		}
		sources = append(sources, s)
	}
	merged, err := model.NewMerged(cfg, n, merge.Identity)
	if err != nil {
		t.Fatalf("NewMerged: %v", err)
	}
	if err := model.PopulateFromSources(merged, sources); err != nil {
		t.Fatalf("PopulateFromSources: %v", err)
	}
	if err := merged.Unfreeze(); err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}
	return merged
}

// teacherFor records a synthetic top-K teacher signal for a sequence.
func teacherFor(t *testing.T, seq, k int, bias float64) TeacherRecord {
	t.Helper()
	logits, err := tensor.NewMatrix(seq, k)
	if err != nil {
		t.Fatalf("teacher fixture: %v", err)
	}
	indices := make([][]int, seq)
	for i := 0; i < seq; i++ {
		indices[i] = make([]int, k)
		for j := 0; j < k; j++ {
			indices[i][j] = (i + j) % testModelConfig().VocabSize
			logits.Set(i, j, bias+float64(i)*0.3-float64(j)*0.5)
		}
	}
	return TeacherRecord{TopKLogits: logits, TopKIndices: indices}
}

func batchFixture(t *testing.T, numSources, seq, k int) *Batch {
	t.Helper()
	b := &Batch{}
	for s := 0; s < numSources; s++ {
		ids := make([]int, seq)
		for i := range ids {
			ids[i] = (s + i) % testModelConfig().VocabSize
		}
		b.Sources = append(b.Sources, Source{Examples: []Example{{
			InputIDs: ids,
			Teacher:  teacherFor(t, seq, k, float64(s)),
		}}})
	}
	return b
}

func scalarOf(t *testing.T, tn *tensor.Tensor) float64 {
	t.Helper()
	v, err := tn.Scalar()
	if err != nil {
		t.Fatalf("expected scalar: %v", err)
	}
	return v
}

func TestNewComposerValidation(t *testing.T) {
	if _, err := NewComposer(Config{}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("no terms enabled: got %v, want ErrConfiguration", err)
	}
	if _, err := NewComposer(Config{UseKL: true}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("kl without temperature: got %v, want ErrConfiguration", err)
	}
	if _, err := NewComposer(Config{UseMSE: true}); err != nil {
		t.Errorf("mse-only config rejected: %v", err)
	}
	if _, err := NewComposer(Config{UseKL: true, Temperature: 2}); err != nil {
		t.Errorf("kl config rejected: %v", err)
	}
}

func TestBatchValidation(t *testing.T) {
	m := mergedFixture(t, 1)
	c, _ := NewComposer(Config{UseKL: true, Temperature: 2})

	if _, err := c.Loss(m, &Batch{}); !errors.Is(err, ErrMissingData) {
		t.Errorf("empty batch: got %v, want ErrMissingData", err)
	}

	noTeacher := &Batch{Sources: []Source{{Examples: []Example{{InputIDs: []int{1, 2}}}}}}
	if _, err := c.Loss(m, noTeacher); !errors.Is(err, ErrMissingData) {
		t.Errorf("missing teacher: got %v, want ErrMissingData", err)
	}

	// inconsistent K across sources
	b := batchFixture(t, 2, 3, 2)
	b.Sources[1].Examples[0].Teacher = teacherFor(t, 3, 4, 0)
	if _, err := c.Loss(m, b); !errors.Is(err, ErrConfiguration) {
		t.Errorf("inconsistent K: got %v, want ErrConfiguration", err)
	}

	// teacher rows disagree with sequence length
	b = batchFixture(t, 1, 3, 2)
	b.Sources[0].Examples[0].Teacher = teacherFor(t, 2, 2, 0)
	if _, err := c.Loss(m, b); !errors.Is(err, ErrConfiguration) {
		t.Errorf("teacher row mismatch: got %v, want ErrConfiguration", err)
	}
}

func TestSingleSourceKLPlusL2Composition(t *testing.T) {
	// With KL enabled, MSE off, N=1: total = KL + 0 similarity + L2 term.
	const (
		temp = 2.0
		l2   = 0.01
		sim  = 0.01 // must contribute nothing for a single source
	)
	m := mergedFixture(t, 1)
	c, err := NewComposer(Config{UseKL: true, Temperature: temp, SimilarityCoef: sim, L2Coef: l2})
	if err != nil {
		t.Fatalf("NewComposer: %v", err)
	}

	batch := batchFixture(t, 1, 4, 3)
	loss, err := c.Loss(m, batch)
	if err != nil {
		t.Fatalf("Loss: %v", err)
	}

	// reference KL from an independent forward pass
	ex := batch.Sources[0].Examples[0]
	logits, err := m.Forward(ex.InputIDs, ex.AttentionMask)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	gathered, err := tensor.GatherColumns(logits, ex.Teacher.TopKIndices)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	p := ex.Teacher.TopKLogits.Scale(1 / temp).Softmax()
	q := gathered.Data.Scale(1 / temp).Softmax()
	klRef := 0.0
	for i := 0; i < p.Rows; i++ {
		for j := 0; j < p.Cols; j++ {
			klRef += p.At(i, j) * (math.Log(p.At(i, j)) - math.Log(q.At(i, j)))
		}
	}
	klRef *= temp * temp / float64(len(ex.InputIDs))

	// reference L2: every merge layer carries one merger (N=1) fixed at
	// 1.0 everywhere, plus one scalar bias merger when biased (not here).
	l2Ref := 0.0
	for _, ml := range m.MergeLayers() {
		mg, err := ml.Layer.Merger(0)
		if err != nil {
			t.Fatalf("Merger: %v", err)
		}
		l2Ref += l2 * mg.Data.Norm(2)
	}

	want := klRef + l2Ref
	if got := scalarOf(t, loss); math.Abs(got-want) > 1e-9 {
		t.Errorf("loss: got %g, want KL %g + L2 %g = %g", got, klRef, l2Ref, want)
	}
}

func TestMSETermAndBothTermsAdd(t *testing.T) {
	m := mergedFixture(t, 1)
	batch := batchFixture(t, 1, 3, 2)

	kl, _ := NewComposer(Config{UseKL: true, Temperature: 2})
	mse, _ := NewComposer(Config{UseMSE: true})
	both, _ := NewComposer(Config{UseKL: true, UseMSE: true, Temperature: 2})

	klLoss, err := kl.Loss(m, batch)
	if err != nil {
		t.Fatalf("kl loss: %v", err)
	}
	mseLoss, err := mse.Loss(m, batch)
	if err != nil {
		t.Fatalf("mse loss: %v", err)
	}
	bothLoss, err := both.Loss(m, batch)
	if err != nil {
		t.Fatalf("both loss: %v", err)
	}

	sum := scalarOf(t, klLoss) + scalarOf(t, mseLoss)
	if got := scalarOf(t, bothLoss); math.Abs(got-sum) > 1e-9 {
		t.Errorf("kl+mse: got %g, want %g", got, sum)
	}
}

func TestMultiSourceLossSumsAcrossSources(t *testing.T) {
	m := mergedFixture(t, 2)
	c, _ := NewComposer(Config{UseKL: true, Temperature: 2})

	full := batchFixture(t, 2, 3, 2)
	fullLoss, err := c.Loss(m, full)
	if err != nil {
		t.Fatalf("Loss: %v", err)
	}

	perSource := 0.0
	for s := 0; s < 2; s++ {
		single := &Batch{Sources: []Source{full.Sources[s]}}
		l, err := c.Loss(m, single)
		if err != nil {
			t.Fatalf("single source loss: %v", err)
		}
		perSource += scalarOf(t, l)
	}
	if got := scalarOf(t, fullLoss); math.Abs(got-perSource) > 1e-9 {
		t.Errorf("summed per-source losses %g differ from batch loss %g", perSource, got)
	}
}

func TestPlainModelSkipsRegularization(t *testing.T) {
	// A plain model exposes no Regularizer capability anywhere; the
	// composer must skip it silently, not fail.
	plain, err := model.NewPlain(testModelConfig())
	if err != nil {
		t.Fatalf("NewPlain: %v", err)
	}
	c, _ := NewComposer(Config{UseKL: true, Temperature: 2, SimilarityCoef: 0.5, L1Coef: 0.5, L2Coef: 0.5})
	if _, err := c.Loss(plain, batchFixture(t, 1, 3, 2)); err != nil {
		t.Errorf("plain model loss: %v", err)
	}
}

func TestLossBackpropagatesToMergers(t *testing.T) {
	m := mergedFixture(t, 2)
	c, _ := NewComposer(Config{UseKL: true, Temperature: 2, SimilarityCoef: 0.01, L2Coef: 0.01})

	loss, err := c.Loss(m, batchFixture(t, 2, 3, 2))
	if err != nil {
		t.Fatalf("Loss: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	nonzero := false
	for _, p := range m.TrainableParameters() {
		if p.Grad == nil {
			t.Fatal("trainable parameter without gradient")
		}
		for _, g := range p.Grad.RawData() {
			if g != 0 {
				nonzero = true
			}
		}
	}
	if !nonzero {
		t.Error("no gradient reached any merger coefficient")
	}
}

func TestLossWithLogits(t *testing.T) {
	m := mergedFixture(t, 1)
	c, _ := NewComposer(Config{UseKL: true, Temperature: 2})

	batch := batchFixture(t, 1, 3, 2)
	loss, logits, err := c.LossWithLogits(m, batch)
	if err != nil {
		t.Fatalf("LossWithLogits: %v", err)
	}
	if loss == nil || logits == nil {
		t.Fatal("nil loss or logits")
	}
	if logits.Data.Rows != 3 || logits.Data.Cols != testModelConfig().VocabSize {
		t.Errorf("logits shape: got %dx%d", logits.Data.Rows, logits.Data.Cols)
	}
}

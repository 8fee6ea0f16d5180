package export

import (
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/SolshineCode/DAM/pkg/merge"
	"github.com/SolshineCode/DAM/pkg/model"
	"github.com/SolshineCode/DAM/pkg/tensor"
)

func testConfig() model.Config {
	return model.Config{
		VocabSize:    9,
		EmbedDim:     6,
		NumBlocks:    2,
		FFNHiddenDim: 12,
		MaxSeqLen:    8,
		Bias:         true,
	}
}

// trainedFixture builds a populated merged model and perturbs its mergers
// so the collapse is not a trivial average.
func trainedFixture(t *testing.T, n int) *model.Model {
	t.Helper()
	cfg := testConfig()
	var sources []*model.Model
	for i := 0; i < n; i++ {
		s, err := model.NewPlain(cfg)
		if err != nil {
			t.Fatalf("NewPlain: %v", err)
		}
		sources = append(sources, s)
	}
	trained, err := model.NewMerged(cfg, n, merge.Tanh)
	if err != nil {
		t.Fatalf("NewMerged: %v", err)
	}
	if err := model.PopulateFromSources(trained, sources); err != nil {
		t.Fatalf("PopulateFromSources: %v", err)
	}

	rng := rand.New(rand.NewSource(7))
	for _, ml := range trained.MergeLayers() {
		for i := 0; i < n; i++ {
			mg, err := ml.Layer.Merger(i)
			if err != nil {
				t.Fatalf("Merger: %v", err)
			}
			for j := range mg.Data.RawData() {
				mg.Data.RawData()[j] = rng.Float64()*2 - 1
			}
		}
	}
	return trained
}

func TestExportRoundTrip(t *testing.T) {
	trained := trainedFixture(t, 2)
	fresh, err := PrepareFresh(trained)
	if err != nil {
		t.Fatalf("PrepareFresh: %v", err)
	}

	dir := filepath.Join(t.TempDir(), "exported")
	if err := Export(trained, fresh, dir, nil); err != nil {
		t.Fatalf("Export: %v", err)
	}

	loaded, err := model.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ids := []int{1, 3, 5, 7}
	mergedOut, err := trained.Forward(ids, nil)
	if err != nil {
		t.Fatalf("trained forward: %v", err)
	}
	exportedOut, err := loaded.Forward(ids, nil)
	if err != nil {
		t.Fatalf("exported forward: %v", err)
	}
	if !tensor.Equal(mergedOut.Data, exportedOut.Data, 1e-9) {
		t.Error("exported standalone model diverges from trained merged forward")
	}
}

func TestExportCollapsesEveryMergePosition(t *testing.T) {
	trained := trainedFixture(t, 3)
	fresh, err := PrepareFresh(trained)
	if err != nil {
		t.Fatalf("PrepareFresh: %v", err)
	}
	if err := Export(trained, fresh, filepath.Join(t.TempDir(), "out"), nil); err != nil {
		t.Fatalf("Export: %v", err)
	}

	tp := trained.NamedAffines()
	fp := fresh.NamedAffines()
	for i := range tp {
		ml, ok := tp[i].Layer.(*merge.Layer)
		if !ok {
			continue
		}
		want, err := ml.MergedWeight()
		if err != nil {
			t.Fatalf("MergedWeight: %v", err)
		}
		got := fp[i].Layer.(*model.Linear).W.Data
		if !tensor.Equal(got, want, 1e-12) {
			t.Errorf("position %s: fresh weight does not match collapsed merge weight", tp[i].Path)
		}
		wantB, err := ml.MergedBias()
		if err != nil {
			t.Fatalf("MergedBias: %v", err)
		}
		gotB := fp[i].Layer.(*model.Linear).B.Data
		if !tensor.Equal(gotB, wantB, 1e-12) {
			t.Errorf("position %s: fresh bias does not match collapsed merge bias", tp[i].Path)
		}
	}
}

func TestStructuralMismatchDetectedBeforeCopy(t *testing.T) {
	trained := trainedFixture(t, 2)

	smaller := testConfig()
	smaller.NumBlocks = 1
	fewerBlocks, err := model.NewPlain(smaller)
	if err != nil {
		t.Fatalf("NewPlain: %v", err)
	}
	if err := Export(trained, fewerBlocks, t.TempDir(), nil); !errors.Is(err, ErrStructuralMismatch) {
		t.Errorf("block count mismatch: got %v, want ErrStructuralMismatch", err)
	}

	narrower := testConfig()
	narrower.EmbedDim = 4
	wrongShape, err := model.NewPlain(narrower)
	if err != nil {
		t.Fatalf("NewPlain: %v", err)
	}
	if err := Export(trained, wrongShape, t.TempDir(), nil); !errors.Is(err, ErrStructuralMismatch) {
		t.Errorf("shape mismatch: got %v, want ErrStructuralMismatch", err)
	}

	// a merge layer in the export target is also a mismatch
	mergedTarget, err := model.NewMerged(testConfig(), 2, merge.Identity)
	if err != nil {
		t.Fatalf("NewMerged: %v", err)
	}
	if err := Export(trained, mergedTarget, t.TempDir(), nil); !errors.Is(err, ErrStructuralMismatch) {
		t.Errorf("merged target: got %v, want ErrStructuralMismatch", err)
	}
}

func TestPlainPositionsLeftUntouched(t *testing.T) {
	// An all-plain "trained" model exports as a pure copy: nothing to
	// collapse, every position already correct in the fresh model.
	cfg := testConfig()
	plain, err := model.NewPlain(cfg)
	if err != nil {
		t.Fatalf("NewPlain: %v", err)
	}
	fresh, err := PrepareFresh(plain)
	if err != nil {
		t.Fatalf("PrepareFresh: %v", err)
	}

	before := fresh.NamedAffines()[0].Layer.(*model.Linear).W.Data.Clone()
	if err := Export(plain, fresh, filepath.Join(t.TempDir(), "out"), nil); err != nil {
		t.Fatalf("Export: %v", err)
	}
	after := fresh.NamedAffines()[0].Layer.(*model.Linear).W.Data
	if !tensor.Equal(before, after, 0) {
		t.Error("plain position modified by export")
	}
}

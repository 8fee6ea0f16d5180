package runlog

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStartRunAndRecordSteps(t *testing.T) {
	s := openTestStore(t)

	id, err := s.StartRun("temperature=2.0 lr=0.001")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if id == "" {
		t.Fatal("empty run id")
	}

	for i := 0; i < 3; i++ {
		if err := s.RecordStep(id, i, 1.0/float64(i+1), 0.5); err != nil {
			t.Fatalf("RecordStep(%d): %v", i, err)
		}
	}

	steps, err := s.Steps(id)
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(steps))
	}
	for i, st := range steps {
		if st.Step != i {
			t.Errorf("step %d out of order: got %d", i, st.Step)
		}
	}
	if steps[0].Loss != 1.0 {
		t.Errorf("step 0 loss: got %f, want 1.0", steps[0].Loss)
	}
}

func TestRunsAreIsolated(t *testing.T) {
	s := openTestStore(t)

	a, _ := s.StartRun("run a")
	b, _ := s.StartRun("run b")
	if err := s.RecordStep(a, 0, 0.9, 0.1); err != nil {
		t.Fatalf("RecordStep: %v", err)
	}

	bSteps, err := s.Steps(b)
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(bSteps) != 0 {
		t.Errorf("run b has %d steps, want 0", len(bSteps))
	}

	runs, err := s.Runs()
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d runs, want 2", len(runs))
	}
}

func TestDuplicateStepRejected(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.StartRun("dup")
	if err := s.RecordStep(id, 0, 1.0, 0.0); err != nil {
		t.Fatalf("RecordStep: %v", err)
	}
	if err := s.RecordStep(id, 0, 2.0, 0.0); err == nil {
		t.Error("expected error recording the same step twice")
	}
}

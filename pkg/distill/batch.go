package distill

import (
	"fmt"

	"github.com/SolshineCode/DAM/pkg/tensor"
)

// TeacherRecord is one source model's recorded top-K output for one
// example: the K highest logits per sequence position and their vocabulary
// indices. Produced upstream, consumed read-only.
type TeacherRecord struct {
	TopKLogits  *tensor.Matrix // [seq, K]
	TopKIndices [][]int        // [seq][K]
}

// Example is one training example under a specific source's tokenization.
type Example struct {
	InputIDs      []int
	AttentionMask []int // nil means every position is real
	Teacher       TeacherRecord
}

// Source groups the examples and teacher signals of one source model.
type Source struct {
	Examples []Example
}

// Batch is one training step's data. The number of sources is declared by
// the slice length and validated, never inferred from key names.
type Batch struct {
	Sources []Source
}

// NumSources returns the declared source arity N.
func (b *Batch) NumSources() int { return len(b.Sources) }

// Validate checks the batch invariants: at least one source, every source
// populated, every example carrying a teacher record whose shapes agree
// with its input, and one K shared by every record in the batch.
func (b *Batch) Validate() error {
	if len(b.Sources) == 0 {
		return fmt.Errorf("%w: batch declares no sources", ErrMissingData)
	}

	k := -1
	for si, src := range b.Sources {
		if len(src.Examples) == 0 {
			return fmt.Errorf("%w: source %d has no examples", ErrMissingData, si)
		}
		for ei, ex := range src.Examples {
			if len(ex.InputIDs) == 0 {
				return fmt.Errorf("%w: source %d example %d has no input ids", ErrMissingData, si, ei)
			}
			if ex.AttentionMask != nil && len(ex.AttentionMask) != len(ex.InputIDs) {
				return fmt.Errorf("%w: source %d example %d mask length %d does not match %d input ids",
					ErrConfiguration, si, ei, len(ex.AttentionMask), len(ex.InputIDs))
			}
			if ex.Teacher.TopKLogits == nil || len(ex.Teacher.TopKIndices) == 0 {
				return fmt.Errorf("%w: source %d example %d has no teacher record", ErrMissingData, si, ei)
			}

			seq := len(ex.InputIDs)
			logits := ex.Teacher.TopKLogits
			if logits.Rows != seq {
				return fmt.Errorf("%w: source %d example %d teacher logits have %d rows for %d tokens",
					ErrConfiguration, si, ei, logits.Rows, seq)
			}
			if len(ex.Teacher.TopKIndices) != seq {
				return fmt.Errorf("%w: source %d example %d teacher indices have %d rows for %d tokens",
					ErrConfiguration, si, ei, len(ex.Teacher.TopKIndices), seq)
			}
			if k == -1 {
				k = logits.Cols
			}
			if logits.Cols != k {
				return fmt.Errorf("%w: source %d example %d has K=%d, batch K=%d",
					ErrConfiguration, si, ei, logits.Cols, k)
			}
			for row, idx := range ex.Teacher.TopKIndices {
				if len(idx) != k {
					return fmt.Errorf("%w: source %d example %d indices row %d has %d entries, batch K=%d",
						ErrConfiguration, si, ei, row, len(idx), k)
				}
			}
		}
	}
	return nil
}

package distill

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/SolshineCode/DAM/pkg/tensor"
)

type exampleJSON struct {
	InputIDs      []int       `json:"input_ids"`
	AttentionMask []int       `json:"attention_mask,omitempty"`
	TopKLogits    [][]float64 `json:"top_k_logits"`
	TopKIndices   [][]int     `json:"top_k_indices"`
}

type sourceJSON struct {
	Examples []exampleJSON `json:"examples"`
}

type batchJSON struct {
	Sources []sourceJSON `json:"sources"`
}

// LoadBatches reads a JSON file holding an array of pre-tokenized batches
// with recorded teacher signals. Every batch is validated before return.
func LoadBatches(path string) ([]*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batches from %s: %w", path, err)
	}
	var raw []batchJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse batches: %w", err)
	}

	batches := make([]*Batch, 0, len(raw))
	for bi, rb := range raw {
		b := &Batch{}
		for _, rs := range rb.Sources {
			src := Source{}
			for ei, re := range rs.Examples {
				var logits *tensor.Matrix
				if len(re.TopKLogits) > 0 {
					logits, err = tensor.NewMatrixFromRows(re.TopKLogits)
					if err != nil {
						return nil, fmt.Errorf("%w: batch %d example %d teacher logits: %v",
							ErrConfiguration, bi, ei, err)
					}
				}
				src.Examples = append(src.Examples, Example{
					InputIDs:      re.InputIDs,
					AttentionMask: re.AttentionMask,
					Teacher: TeacherRecord{
						TopKLogits:  logits,
						TopKIndices: re.TopKIndices,
					},
				})
			}
			b.Sources = append(b.Sources, src)
		}
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("batch %d: %w", bi, err)
		}
		batches = append(batches, b)
	}
	return batches, nil
}

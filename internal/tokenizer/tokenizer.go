// Package tokenizer provides the minimal word-level tokenizer shipped with
// exported model artifacts. Real deployments feed pre-tokenized batches;
// this exists so an export directory is complete and self-describing.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	PadToken = "[PAD]"
	UnkToken = "[UNK]"
	BosToken = "[BOS]"
	EosToken = "[EOS]"
)

// VocabFileName is the tokenizer file written next to model weights.
const VocabFileName = "tokenizer.json"

// Tokenizer maps words to vocabulary ids. The four special tokens always
// occupy ids 0..3.
type Tokenizer struct {
	Vocabulary map[string]int `json:"vocabulary"`
	LowerCase  bool           `json:"lower_case"`

	idToToken map[int]string
}

// New builds a tokenizer over the given words, in order, after the special
// tokens.
func New(words []string, lowerCase bool) *Tokenizer {
	t := &Tokenizer{
		Vocabulary: make(map[string]int),
		LowerCase:  lowerCase,
	}
	for _, s := range []string{PadToken, UnkToken, BosToken, EosToken} {
		t.Vocabulary[s] = len(t.Vocabulary)
	}
	for _, w := range words {
		if lowerCase {
			w = strings.ToLower(w)
		}
		if _, ok := t.Vocabulary[w]; !ok {
			t.Vocabulary[w] = len(t.Vocabulary)
		}
	}
	t.buildReverse()
	return t
}

func (t *Tokenizer) buildReverse() {
	t.idToToken = make(map[int]string, len(t.Vocabulary))
	for w, id := range t.Vocabulary {
		t.idToToken[id] = w
	}
}

// VocabSize returns the vocabulary size including special tokens.
func (t *Tokenizer) VocabSize() int { return len(t.Vocabulary) }

// Encode splits text on whitespace and maps each word to its id, using
// [UNK] for unknown words.
func (t *Tokenizer) Encode(text string) []int {
	if t.LowerCase {
		text = strings.ToLower(text)
	}
	fields := strings.Fields(text)
	ids := make([]int, 0, len(fields))
	unk := t.Vocabulary[UnkToken]
	for _, w := range fields {
		if id, ok := t.Vocabulary[w]; ok {
			ids = append(ids, id)
		} else {
			ids = append(ids, unk)
		}
	}
	return ids
}

// Decode maps ids back to words, joined by spaces. Unknown ids render as
// [UNK].
func (t *Tokenizer) Decode(ids []int) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if w, ok := t.idToToken[id]; ok {
			words = append(words, w)
		} else {
			words = append(words, UnkToken)
		}
	}
	return strings.Join(words, " ")
}

// Save writes the tokenizer file into dir.
func (t *Tokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create tokenizer directory %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tokenizer: %w", err)
	}
	path := filepath.Join(dir, VocabFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write tokenizer to %s: %w", path, err)
	}
	return nil
}

// Load reads a tokenizer file written by Save.
func Load(dir string) (*Tokenizer, error) {
	path := filepath.Join(dir, VocabFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer from %s: %w", path, err)
	}
	var t Tokenizer
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer: %w", err)
	}
	if len(t.Vocabulary) == 0 {
		return nil, fmt.Errorf("tokenizer in %s has an empty vocabulary", path)
	}
	t.buildReverse()
	return &t, nil
}

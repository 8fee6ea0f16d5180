package tensor

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// matrixWire is the gob representation of a Matrix.
type matrixWire struct {
	Rows int
	Cols int
	Data []float64
}

// GobEncode implements gob.GobEncoder so Matrix values can appear in
// checkpoint files despite their unexported backing fields.
func (m *Matrix) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	wire := matrixWire{Rows: m.Rows, Cols: m.Cols, Data: m.data}
	if err := gob.NewEncoder(&buf).Encode(wire); err != nil {
		return nil, fmt.Errorf("encoding matrix: %w", err)
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (m *Matrix) GobDecode(b []byte) error {
	var wire matrixWire
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&wire); err != nil {
		return fmt.Errorf("decoding matrix: %w", err)
	}
	decoded, err := NewMatrixFromSlice(wire.Rows, wire.Cols, wire.Data)
	if err != nil {
		return fmt.Errorf("decoding matrix: %w", err)
	}
	*m = *decoded
	return nil
}

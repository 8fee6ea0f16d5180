package merge

import "errors"

var (
	// ErrConfiguration indicates invalid construction parameters or a
	// shape mismatch when populating source weights.
	ErrConfiguration = errors.New("invalid merge layer configuration")

	// ErrPhase indicates an illegal phase transition, such as unfreezing
	// a layer that is already training.
	ErrPhase = errors.New("illegal merge layer phase transition")

	// ErrSourceIndex indicates a source model index outside [0, N).
	ErrSourceIndex = errors.New("source index out of range")
)

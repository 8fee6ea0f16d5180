package distill

import "errors"

var (
	// ErrMissingData indicates an absent per-source record: no sources at
	// all, a source without examples, or an example without its teacher
	// signal.
	ErrMissingData = errors.New("missing distillation data")

	// ErrConfiguration indicates inconsistent shapes within a batch or an
	// unusable composer configuration.
	ErrConfiguration = errors.New("invalid distillation configuration")
)

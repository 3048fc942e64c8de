package blending

import "errors"

var (
	// ErrConfiguration indicates invalid position ranges or blending options.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrShapeMismatch indicates volumes or curves with incompatible dimensions.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDegenerateOverlap indicates an overlap of exactly one plane, which
	// cannot carry a sampled sigmoid transition.
	ErrDegenerateOverlap = errors.New("degenerate overlap")
)

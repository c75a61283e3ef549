// Copyright 2025 Certen Protocol
//
// Sentinel errors for checkpoint store operations.

package store

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("checkpoint store: record not found")

	// ErrWatermarkRegression is returned when a watermark update would
	// violate the I5 ordering invariant. An update to a lower or equal value
	// is ignored, not rejected.
	ErrWatermarkRegression = errors.New("checkpoint store: watermark regression")

	// ErrNonUnitAdvance is returned when HighestExecuted would not advance
	// by exactly +1 (spec section 4.1, I5).
	ErrNonUnitAdvance = errors.New("checkpoint store: highest executed must advance by exactly one")
)

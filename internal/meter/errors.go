package meter

import "errors"

// Domain errors for the meter package.
var (
	// ErrNotFound is returned when no reading or session exists yet.
	ErrNotFound = errors.New("meter: not found")

	// ErrInvalidMeterID is returned when a meter id is empty.
	ErrInvalidMeterID = errors.New("meter: meter id is required")
)

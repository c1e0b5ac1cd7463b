package types

import "errors"

// Naming errors
var (
	// ErrMalformedTableName is returned when a local table name does not split
	// into the five path segments it was built from
	ErrMalformedTableName = errors.New("malformed local table name")
)

package registry

import "errors"

// Sentinel errors for the registry service layer.
var (
	ErrNotFound    = errors.New("bot not found")
	ErrInvalidSpec = errors.New("invalid bot spec")
)

package templates

import "errors"

// ErrUnknownKey is returned when a template key has no stored row.
var ErrUnknownKey = errors.New("unknown template key")

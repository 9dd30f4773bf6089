package postgres

import "errors"

// ErrNotFound is returned by repositories whose consumers live in the
// worker and api packages and have no service-layer sentinel of their own.
var ErrNotFound = errors.New("not found")

package commands

import "errors"

var (
	// ErrNotCommand marks subjects reserved for the SMS dispatcher.
	ErrNotCommand = errors.New("subject is not an interpreter command")

	// ErrContactNotFound is returned by ContactStore lookups with no match.
	ErrContactNotFound = errors.New("contact not found")

	// ErrUserNotFound is returned by UserStore lookups with no match.
	ErrUserNotFound = errors.New("user not found")
)

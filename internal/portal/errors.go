package portal

import "errors"

var (
	// ErrLoginFailed means the credential POST was rejected; the caller
	// should treat the bot's tick as transient and retry next tick.
	ErrLoginFailed = errors.New("portal login failed")

	// ErrNoViewState means the expected hidden viewstate input was absent
	// from a fetched page.
	ErrNoViewState = errors.New("viewstate input missing")

	// ErrNoUpdatePanel means an AJAX postback response did not contain the
	// update panel slice.
	ErrNoUpdatePanel = errors.New("update panel slice missing")
)

package ledger

import "errors"

// Error kinds surfaced by the core. Callers classify with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrConflict          = errors.New("conflict")
	ErrTransient         = errors.New("transient ledger failure")
	ErrInvalidInput      = errors.New("invalid input")
)

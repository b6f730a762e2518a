package phase

import "errors"

var (
	ErrBusy              = errors.New("another phase operation is in flight")
	ErrUnknownPhase      = errors.New("unknown phase")
	ErrPhaseLocked       = errors.New("phase is not unlocked yet")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrRetryLimit        = errors.New("retry limit reached")
)

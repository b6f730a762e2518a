package session

import (
	"errors"

	"github.com/terra-clan/pitchsync/internal/phase"
)

var (
	// ErrBusy is shared with the phase machine so callers can test either layer
	ErrBusy          = phase.ErrBusy
	ErrNoSession     = errors.New("no active session")
	ErrInvalidTeam   = errors.New("team code is required")
	ErrNotAuthorized = errors.New("caller is not authorized")
	ErrUnknownAction = errors.New("unknown feedback action")
	ErrCannotProceed = errors.New("current phase must be passed before continuing")
	ErrNotReady      = errors.New("session has not reached synthesis")
	ErrNoPrompt      = errors.New("no image prompt available")
)

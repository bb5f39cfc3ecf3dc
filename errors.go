package dispatch

import "errors"

// Sentinel errors shared by every backend. Backends wrap them with %w, so
// compare with errors.Is.
var (
	ErrNoStore         = errors.New("dispatch: no store configured")
	ErrNotBuilt        = errors.New("dispatch: no worker pool, build the dispatcher with engine.Build")
	ErrMigrationFailed = errors.New("dispatch: migration failed")

	ErrJobNotFound      = errors.New("dispatch: job not found")
	ErrJobAlreadyExists = errors.New("dispatch: job already exists")

	// ErrInvalidState is returned when a transition does not apply to the
	// job's current status or claim owner.
	ErrInvalidState    = errors.New("dispatch: invalid state transition")
	ErrAlreadyReplayed = errors.New("dispatch: dead job already replayed")

	ErrUnknownQueue   = errors.New("dispatch: unknown queue")
	ErrUnknownJobType = errors.New("dispatch: no handler registered for job type")
)

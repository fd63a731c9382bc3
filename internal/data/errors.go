package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotCancellable is returned when cancelling a job that already finished.
	ErrJobNotCancellable = errors.New("job cannot be cancelled (must be pending or running)")
	// ErrJobNotRequeueable is returned when requeueing a job that is pending or running.
	ErrJobNotRequeueable = errors.New("job cannot be requeued (must be failed, cancelled or completed)")

	// ErrListingNotFound is returned when a listing is not found.
	ErrListingNotFound = errors.New("listing not found")
	// ErrPassNotFound is returned when a target has no reconcile passes yet.
	ErrPassNotFound = errors.New("reconcile pass not found")
)

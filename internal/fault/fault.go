// Package fault defines the error categories shared across the
// deployment pipeline and lifecycle operations. Callers classify
// failures with errors.Is and wrap with fmt.Errorf("%w: ...").
package fault

import "errors"

var (
	// ErrValidation marks rejected input: bad bot names, malformed
	// archives, oversized uploads.
	ErrValidation = errors.New("validation failed")

	// ErrFetch marks source acquisition failures (clone, fetch, checkout,
	// unreadable archive stream).
	ErrFetch = errors.New("source fetch failed")

	// ErrBuild marks image build failures.
	ErrBuild = errors.New("image build failed")

	// ErrRuntime marks container engine failures.
	ErrRuntime = errors.New("container runtime error")

	// ErrConflict marks operations rejected because another deployment
	// holds the bot's deploy lock.
	ErrConflict = errors.New("deployment in progress")

	// ErrNotFound marks lookups of bots, deployments or instances that
	// do not exist.
	ErrNotFound = errors.New("not found")
)

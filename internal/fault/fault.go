// Package fault defines the error classes the supervisor dispatches on and
// the process exit codes they map to.
package fault

import (
	"context"
	"errors"
)

// Exit codes
const (
	ExitOK           = 0
	ExitWorkerFailed = 1
	ExitConfigError  = 2
)

var (
	// ErrVersionFault signals that the installed worker no longer matches the
	// version the server expects. It is never retried in place.
	ErrVersionFault = errors.New("worker version fault")

	// ErrResolution means the server could not hand out a version reference.
	ErrResolution = errors.New("unable to retrieve client version from server")

	// ErrDownload means the worker archive could not be downloaded.
	ErrDownload = errors.New("unable to retrieve worker archive")

	// ErrExtract means the downloaded archive could not be installed.
	ErrExtract = errors.New("unable to extract worker archive contents")

	// ErrConfig is a fatal configuration error.
	ErrConfig = errors.New("configuration error")

	// ErrWorkerMissing means no worker entry is installed in the work directory.
	ErrWorkerMissing = errors.New("worker not installed")

	// ErrWorkerFailed means the worker exited with an unclassified failure.
	ErrWorkerFailed = errors.New("worker failed")
)

// IsVersionFault reports whether err carries ErrVersionFault.
func IsVersionFault(err error) bool {
	return errors.Is(err, ErrVersionFault)
}

// IsInterrupt reports whether err is the result of the process being asked to stop.
func IsInterrupt(err error) bool {
	return errors.Is(err, context.Canceled)
}

// ExitCode maps a supervisor error to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil, IsInterrupt(err):
		return ExitOK
	case errors.Is(err, ErrConfig):
		return ExitConfigError
	default:
		return ExitWorkerFailed
	}
}

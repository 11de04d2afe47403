package livesession

import (
	"context"
	"errors"
	"fmt"

	"github.com/studiogen/livestudio/pkg/audio"
)

// Error taxonomy. Every error produced by the [Manager] wraps exactly one of
// these sentinels together with its cause, so both are visible to
// [errors.Is].
var (
	// ErrPermissionDenied means the microphone could not be acquired. The
	// session never became Active.
	ErrPermissionDenied = errors.New("livesession: microphone permission denied")

	// ErrConnectionFailed means the transport could not be opened. The
	// session never became Active.
	ErrConnectionFailed = errors.New("livesession: connection failed")

	// ErrStream covers every failure after the session became Active: remote
	// errors, remote close, capture device loss and output device failure.
	ErrStream = errors.New("livesession: stream failed")

	// ErrPrecondition is returned by Start when a session is not Idle.
	ErrPrecondition = errors.New("livesession: precondition failed")
)

func permissionError(err error) error {
	return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
}

func connectionError(err error) error {
	return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
}

func streamError(err error) error {
	return fmt.Errorf("%w: %w", ErrStream, err)
}

// remoteError is the cause carried by ErrStream when the engine ended the
// session.
type remoteError struct {
	closed bool
	reason string
}

func (e *remoteError) Error() string {
	if e.closed {
		return "remote closed the session: " + e.reason
	}
	return "remote error: " + e.reason
}

// Describe returns a short, human-readable explanation of err suitable for
// display to the person at the console. It returns "" for nil.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPrecondition):
		return "A live session is already running."
	case errors.Is(err, ErrPermissionDenied):
		if errors.Is(err, audio.ErrPermissionDenied) {
			return "Microphone access was denied. Allow microphone access and try again."
		}
		return "The microphone could not be opened. Check the capture device and try again."
	case errors.Is(err, ErrConnectionFailed):
		return "Failed to connect to Live Engine. Check your API key or permissions."
	case errors.Is(err, ErrStream):
		var re *remoteError
		switch {
		case errors.As(err, &re) && re.closed:
			return "The live engine ended the session."
		case errors.As(err, &re):
			return "The live engine reported an error: " + re.reason
		case errors.Is(err, audio.ErrDeviceLost):
			return "The microphone was disconnected."
		}
		return "The live session ended unexpectedly."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "The session start was cancelled."
	}
	return err.Error()
}

// errorKind maps a taxonomy error to a short metric label.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission"
	case errors.Is(err, ErrConnectionFailed):
		return "connect"
	case errors.Is(err, ErrStream):
		var re *remoteError
		if errors.As(err, &re) {
			if re.closed {
				return "remote_close"
			}
			return "remote_error"
		}
		return "stream"
	}
	return "other"
}

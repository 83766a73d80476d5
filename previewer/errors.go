package previewer

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is matched by every error caused by calling an operation in the wrong lifecycle state.
	ErrInvalidState = errors.New("invalid state")

	ErrAlreadyRunning = fmt.Errorf("%w: previewer already running", ErrInvalidState)
	ErrNotReady       = fmt.Errorf("%w: previewer not ready", ErrInvalidState)

	// ErrStoppedDuringStartup is returned by a Start that was interrupted by Stop.
	ErrStoppedDuringStartup = errors.New("previewer stopped during startup")

	// ErrConnectTimeout is returned by Start when the renderer does not connect within the connect timeout.
	ErrConnectTimeout = errors.New("timed out waiting for renderer to connect")
)

// ProcessExitedError is returned by Start when the renderer exits before completing the handshake.
type ProcessExitedError struct {
	ExitCode int
}

func (e *ProcessExitedError) Error() string {
	return fmt.Sprintf("renderer exited with code %d before connecting", e.ExitCode)
}

// CrashError describes a renderer that died while the previewer was running.
// ExitCode is -1 when the connection failed before the process was seen to exit; Err then holds the transport failure.
type CrashError struct {
	ExitCode int
	Err      error
}

func (e *CrashError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("renderer crashed (exit code %d): %s", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("renderer crashed with exit code %d", e.ExitCode)
}

func (e *CrashError) Unwrap() error { return e.Err }

package overlayrelay

import (
	"errors"

	"github.com/e7canasta/overlay-relay/internal/bufferpool"
	"github.com/e7canasta/overlay-relay/internal/device"
	"github.com/e7canasta/overlay-relay/internal/relay"
	"github.com/e7canasta/overlay-relay/internal/v4l2"
)

var (
	// ErrInvalidState reports a control call the current state does not allow.
	ErrInvalidState = errors.New("overlayrelay: invalid state transition")

	// ErrStopped is returned by Start when Stop won the race with setup.
	ErrStopped = errors.New("overlayrelay: stopped during start")

	// ErrCaptureStalled reports a capture source that produced no frame
	// within the poll timeout (after any tolerated retries).
	ErrCaptureStalled = errors.New("overlayrelay: capture stalled")

	// ErrRelayFailed wraps every fatal error raised by the worker loop.
	ErrRelayFailed = errors.New("overlayrelay: relay failed")

	// ErrTeardown wraps best-effort failures while releasing resources.
	ErrTeardown = errors.New("overlayrelay: teardown")
)

// Errors from the device layer, for errors.Is checks by callers.
var (
	ErrOpenFailed          = device.ErrOpenFailed
	ErrInsufficientBuffers = bufferpool.ErrInsufficientBuffers
	ErrExcessBuffers       = bufferpool.ErrExcessBuffers
	ErrMapFailed           = bufferpool.ErrMapFailed
	ErrStreamOnFailed      = device.ErrStreamOnFailed
	ErrSizeMismatch        = relay.ErrSizeMismatch
)

// ErrorCategory classifies relay errors for logs and metrics.
type ErrorCategory int

const (
	// ErrCategoryNone means no error
	ErrCategoryNone ErrorCategory = iota
	// ErrCategorySetup indicates Start failed (open, capability, format, buffers, mapping)
	ErrCategorySetup
	// ErrCategoryRuntime indicates the running relay failed (dequeue, stall, size mismatch)
	ErrCategoryRuntime
	// ErrCategoryTransient indicates a condition the loop retries (no frame ready, interrupted wait)
	ErrCategoryTransient
	// ErrCategoryShutdown indicates a best-effort teardown step failed
	ErrCategoryShutdown
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns the category name.
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNone:
		return "none"
	case ErrCategorySetup:
		return "setup"
	case ErrCategoryRuntime:
		return "runtime"
	case ErrCategoryTransient:
		return "transient"
	case ErrCategoryShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

var setupErrors = []error{
	device.ErrOpenFailed,
	device.ErrNotCaptureCapable,
	device.ErrNotOutputCapable,
	device.ErrNoOverlaySupport,
	device.ErrNoStreamingSupport,
	device.ErrFormatRejected,
	device.ErrStreamOnFailed,
	bufferpool.ErrInsufficientBuffers,
	bufferpool.ErrExcessBuffers,
	bufferpool.ErrMapFailed,
}

// ClassifyError returns the category of err.
//
// Priority: transient, then shutdown, then runtime (anything raised by the
// worker loop), then setup.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryNone
	}

	if errors.Is(err, v4l2.ErrWouldBlock) || errors.Is(err, v4l2.ErrInterrupted) {
		return ErrCategoryTransient
	}

	if errors.Is(err, ErrTeardown) {
		return ErrCategoryShutdown
	}

	if errors.Is(err, ErrRelayFailed) || errors.Is(err, ErrCaptureStalled) || errors.Is(err, relay.ErrSizeMismatch) {
		return ErrCategoryRuntime
	}

	for _, target := range setupErrors {
		if errors.Is(err, target) {
			return ErrCategorySetup
		}
	}

	return ErrCategoryUnknown
}

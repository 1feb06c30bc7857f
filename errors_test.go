package overlayrelay

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/e7canasta/overlay-relay/internal/device"
	"github.com/e7canasta/overlay-relay/internal/relay"
	"github.com/e7canasta/overlay-relay/internal/v4l2"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ErrCategoryNone},
		{"would block", device.ErrWouldBlock, ErrCategoryTransient},
		{"interrupted", fmt.Errorf("poll: %w", v4l2.ErrInterrupted), ErrCategoryTransient},
		{"teardown", fmt.Errorf("%w: munmap", ErrTeardown), ErrCategoryShutdown},
		{"stall", fmt.Errorf("%w: %w", ErrRelayFailed, ErrCaptureStalled), ErrCategoryRuntime},
		{"size mismatch", &relay.SizeMismatchError{Index: 1, BytesUsed: 100, Capacity: 64}, ErrCategoryRuntime},
		{"stream on inside the loop", fmt.Errorf("%w: %w", ErrRelayFailed, ErrStreamOnFailed), ErrCategoryRuntime},
		{"open", fmt.Errorf("device: %w", ErrOpenFailed), ErrCategorySetup},
		{"buffers", ErrInsufficientBuffers, ErrCategorySetup},
		{"excess buffers", ErrExcessBuffers, ErrCategorySetup},
		{"mapping", ErrMapFailed, ErrCategorySetup},
		{"overlay", device.ErrNoOverlaySupport, ErrCategorySetup},
		{"format", device.ErrFormatRejected, ErrCategorySetup},
		{"other", errors.New("boom"), ErrCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestErrorCategoryString(t *testing.T) {
	assert.Equal(t, "none", ErrCategoryNone.String())
	assert.Equal(t, "setup", ErrCategorySetup.String())
	assert.Equal(t, "runtime", ErrCategoryRuntime.String())
	assert.Equal(t, "transient", ErrCategoryTransient.String())
	assert.Equal(t, "shutdown", ErrCategoryShutdown.String())
	assert.Equal(t, "unknown", ErrorCategory(42).String())
}

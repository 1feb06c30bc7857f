package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/overlay-relay/internal/v4l2"
	"github.com/e7canasta/overlay-relay/internal/v4l2/v4l2test"
)

func openDevice(t *testing.T, dev *v4l2test.Device) v4l2.Handle {
	t.Helper()
	drv := v4l2test.NewDriver()
	drv.Add("/dev/video9", dev)
	h, err := drv.Open("/dev/video9", false)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestAllocate_GrantedBuffersAreDistinctMappings(t *testing.T) {
	tests := []struct {
		name       string
		request    int
		maxBuffers int
		wantCount  int
	}{
		{"exact grant", 4, 0, 4},
		{"minimum grant", 2, 0, 2},
		{"partial grant", 8, 3, 3},
		{"grant capped at two", 8, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := v4l2test.NewCaptureDevice()
			dev.MaxBuffers = tt.maxBuffers
			dev.BufferLength = 1024
			h := openDevice(t, dev)

			pool, err := Allocate(h, v4l2.Capture, tt.request)
			require.NoError(t, err)

			assert.Equal(t, tt.request, pool.Requested())
			assert.Equal(t, tt.wantCount, pool.Granted())
			assert.Equal(t, tt.wantCount, dev.Mapped())

			seen := make(map[*byte]bool)
			for i := 0; i < pool.Granted(); i++ {
				b, err := pool.Buffer(i)
				require.NoError(t, err)
				assert.Equal(t, i, b.Index())
				assert.Equal(t, 1024, b.Len())
				assert.Equal(t, Free, b.State())
				assert.False(t, seen[&b.Bytes()[0]], "buffer %d aliases another buffer", i)
				seen[&b.Bytes()[0]] = true
			}

			require.NoError(t, pool.Release())
			assert.Zero(t, dev.Mapped())
			assert.Zero(t, dev.Allocated())
		})
	}
}

func TestAllocate_InsufficientBuffers(t *testing.T) {
	tests := []struct {
		name       string
		request    int
		maxBuffers int
	}{
		{"device grants one", 8, 1},
		{"caller asks for one", 1, 0},
		{"caller asks for none", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := v4l2test.NewCaptureDevice()
			dev.MaxBuffers = tt.maxBuffers
			h := openDevice(t, dev)

			pool, err := Allocate(h, v4l2.Capture, tt.request)
			require.ErrorIs(t, err, ErrInsufficientBuffers)
			assert.Nil(t, pool)
			assert.Zero(t, dev.Mapped())
			assert.Zero(t, dev.Allocated())
		})
	}
}

func TestAllocate_ExcessBuffers(t *testing.T) {
	dev := v4l2test.NewCaptureDevice()
	dev.ExtraBuffers = 2
	h := openDevice(t, dev)

	pool, err := Allocate(h, v4l2.Capture, 4)
	require.ErrorIs(t, err, ErrExcessBuffers)
	assert.NotErrorIs(t, err, ErrInsufficientBuffers)
	assert.ErrorContains(t, err, "granted 6 of 4")
	assert.Nil(t, pool)
	assert.Zero(t, dev.Mapped())
	assert.Zero(t, dev.Allocated())
}

func TestAllocate_MapFailureUnwinds(t *testing.T) {
	dev := v4l2test.NewOutputDevice()
	dev.FailMapAt = 3
	h := openDevice(t, dev)

	pool, err := Allocate(h, v4l2.Output, 4)
	require.ErrorIs(t, err, ErrMapFailed)
	assert.ErrorIs(t, err, v4l2test.ErrInjected)
	assert.Nil(t, pool)
	assert.Zero(t, dev.Mapped(), "mappings left behind after failed allocate")
	assert.Equal(t, []int{4, 0}, dev.Requests())
}

func TestRelease_Idempotent(t *testing.T) {
	dev := v4l2test.NewCaptureDevice()
	h := openDevice(t, dev)

	pool, err := Allocate(h, v4l2.Capture, 3)
	require.NoError(t, err)

	require.NoError(t, pool.Release())
	require.NoError(t, pool.Release())
	assert.True(t, pool.Released())
	assert.Equal(t, []int{3, 0}, dev.Requests())

	_, err = pool.Buffer(0)
	assert.ErrorIs(t, err, ErrNoBuffer)
}

func TestRelease_ContinuesPastUnmapFailures(t *testing.T) {
	dev := v4l2test.NewCaptureDevice()
	h := openDevice(t, dev)

	pool, err := Allocate(h, v4l2.Capture, 4)
	require.NoError(t, err)

	dev.FailUnmap = true
	err = pool.Release()
	require.Error(t, err)
	assert.ErrorIs(t, err, v4l2test.ErrInjected)

	// Every unmap was attempted and the zero-count request still went out
	assert.Zero(t, dev.Mapped())
	assert.Equal(t, []int{4, 0}, dev.Requests())
}

func TestStateTransitions(t *testing.T) {
	dev := v4l2test.NewCaptureDevice()
	h := openDevice(t, dev)

	pool, err := Allocate(h, v4l2.Capture, 2)
	require.NoError(t, err)
	defer pool.Release()

	require.NoError(t, pool.MarkQueued(0))
	assert.ErrorIs(t, pool.MarkQueued(0), ErrBadTransition)
	assert.ErrorIs(t, pool.MarkFree(0), ErrBadTransition)

	require.NoError(t, pool.MarkFilled(0))
	assert.Equal(t, 1, pool.CountState(Filled))

	require.NoError(t, pool.MarkFree(0))
	assert.ErrorIs(t, pool.MarkFilled(1), ErrBadTransition)
	assert.ErrorIs(t, pool.MarkQueued(5), ErrNoBuffer)

	require.NoError(t, pool.MarkQueued(1))
	pool.Reset()
	assert.Equal(t, 2, pool.CountState(Free))
}

func TestZero(t *testing.T) {
	dev := v4l2test.NewOutputDevice()
	h := openDevice(t, dev)

	pool, err := Allocate(h, v4l2.Output, 2)
	require.NoError(t, err)
	defer pool.Release()

	b, err := pool.Buffer(1)
	require.NoError(t, err)
	for i := range b.Bytes() {
		b.Bytes()[i] = 0xff
	}

	pool.Zero()
	assert.Equal(t, make([]byte, b.Len()), dev.Buffer(1))
}

package relay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/overlay-relay/internal/device"
	"github.com/e7canasta/overlay-relay/internal/v4l2"
	"github.com/e7canasta/overlay-relay/internal/v4l2/v4l2test"
)

func newOutput(t *testing.T, bufferLength int) (*device.Device, *v4l2test.Device) {
	t.Helper()
	dev := v4l2test.NewOutputDevice()
	dev.BufferLength = bufferLength

	drv := v4l2test.NewDriver()
	drv.Add("/dev/video0", dev)

	out, err := device.Open(drv, device.Config{Path: "/dev/video0", Direction: v4l2.Output})
	require.NoError(t, err)
	require.NoError(t, out.Allocate(2))
	require.NoError(t, out.StreamOn())
	t.Cleanup(func() {
		out.StreamOff()
		out.Close()
	})
	return out, dev
}

func pattern(n int, b byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = b
	}
	return p
}

func TestForward_CopiesPayload(t *testing.T) {
	out, dev := newOutput(t, 64)
	r := New(out)

	require.NoError(t, r.Forward(pattern(10, 0xab)))

	ops := dev.Ops()
	last := ops[len(ops)-1]
	prev := ops[len(ops)-2]
	assert.Equal(t, v4l2test.OpDequeue, prev.Kind)
	assert.Equal(t, v4l2test.OpEnqueue, last.Kind)
	assert.Equal(t, prev.Index, last.Index)
	assert.Equal(t, 10, last.BytesUsed)
	assert.Equal(t, pattern(10, 0xab), dev.Buffer(last.Index)[:10])

	assert.Equal(t, uint64(1), r.Frames())
	assert.Equal(t, uint64(10), r.Bytes())
	assert.Zero(t, r.Mismatches())
}

func TestForward_ClampsOversizedFrame(t *testing.T) {
	out, dev := newOutput(t, 64)
	r := New(out)

	err := r.Forward(pattern(100, 0x11))

	var mismatch *SizeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.ErrorIs(t, err, ErrSizeMismatch)
	assert.Equal(t, 100, mismatch.BytesUsed)
	assert.Equal(t, 64, mismatch.Capacity)

	ops := dev.Ops()
	last := ops[len(ops)-1]
	assert.Equal(t, 64, last.BytesUsed, "enqueued more than the mapped length")
	assert.Equal(t, pattern(64, 0x11), dev.Buffer(last.Index))
	assert.Equal(t, uint64(1), r.Mismatches())
}

type failingOutput struct{ err error }

func (f failingOutput) Dequeue() (device.Frame, error) { return device.Frame{}, f.err }
func (f failingOutput) Buffer(int) ([]byte, error) { return nil, f.err }
func (f failingOutput) Enqueue(int, int) error { return f.err }

func TestForward_OutputFailure(t *testing.T) {
	boom := errors.New("boom")
	r := New(failingOutput{err: boom})

	err := r.Forward([]byte{1, 2, 3})
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrSizeMismatch)
	assert.Zero(t, r.Frames())
}

// Package relay copies captured frames into output buffers.
package relay

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/e7canasta/overlay-relay/internal/device"
)

// ErrSizeMismatch matches every *SizeMismatchError.
var ErrSizeMismatch = errors.New("relay: frame larger than output buffer")

// SizeMismatchError reports a frame that was clamped to the output buffer.
type SizeMismatchError struct {
	Index     int // output buffer index
	BytesUsed int // source payload length
	Capacity  int // output buffer length
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("relay: frame of %d bytes clamped to output buffer %d of %d bytes",
		e.BytesUsed, e.Index, e.Capacity)
}

// Is reports target == ErrSizeMismatch.
func (e *SizeMismatchError) Is(target error) bool {
	return target == ErrSizeMismatch
}

// Output is the output side of the relay. *device.Device satisfies it.
type Output interface {
	// Dequeue blocks until the hardware is done displaying a buffer.
	Dequeue() (device.Frame, error)
	// Buffer returns the full mapping of buffer index.
	Buffer(index int) ([]byte, error)
	// Enqueue submits buffer index with bytesUsed bytes of payload.
	Enqueue(index, bytesUsed int) error
}

// Relay moves frames into an Output and counts what it moved.
type Relay struct {
	out Output

	frames     atomic.Uint64
	bytes      atomic.Uint64
	mismatches atomic.Uint64
}

// New returns a relay writing to out.
func New(out Output) *Relay {
	return &Relay{out: out}
}

// Forward takes one output buffer, copies src into it and submits it.
//
// The copy never exceeds the output buffer length. When src is larger the
// copy is clamped, the clamped frame is still submitted, and a
// *SizeMismatchError is returned. Any other error means the output queue
// failed and nothing was submitted.
func (r *Relay) Forward(src []byte) error {
	f, err := r.out.Dequeue()
	if err != nil {
		return fmt.Errorf("relay: dequeue output: %w", err)
	}

	dst, err := r.out.Buffer(f.Index)
	if err != nil {
		return fmt.Errorf("relay: output buffer %d: %w", f.Index, err)
	}

	n := copy(dst, src)

	if err := r.out.Enqueue(f.Index, n); err != nil {
		return fmt.Errorf("relay: enqueue output: %w", err)
	}

	r.frames.Add(1)
	r.bytes.Add(uint64(n))

	if n < len(src) {
		r.mismatches.Add(1)
		return &SizeMismatchError{Index: f.Index, BytesUsed: len(src), Capacity: len(dst)}
	}
	return nil
}

// Frames returns the number of frames submitted.
func (r *Relay) Frames() uint64 { return r.frames.Load() }

// Bytes returns the number of payload bytes submitted.
func (r *Relay) Bytes() uint64 { return r.bytes.Load() }

// Mismatches returns the number of clamped frames.
func (r *Relay) Mismatches() uint64 { return r.mismatches.Load() }

// Package bufferpool negotiates and maps the memory-mapped buffers shared
// with one queue of a streaming device.
package bufferpool

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/e7canasta/overlay-relay/internal/v4l2"
)

// MinBuffers is the smallest pool that can pipeline: one buffer with the
// hardware while the process works on another.
const MinBuffers = 2

var (
	// ErrInsufficientBuffers reports a device that granted fewer than MinBuffers.
	ErrInsufficientBuffers = errors.New("bufferpool: insufficient buffers")

	// ErrExcessBuffers reports a device that granted more buffers than requested.
	ErrExcessBuffers = errors.New("bufferpool: more buffers granted than requested")

	// ErrMapFailed reports a buffer that could not be queried or mapped.
	ErrMapFailed = errors.New("bufferpool: map failed")

	// ErrBadTransition reports a buffer state change the queue protocol forbids.
	ErrBadTransition = errors.New("bufferpool: invalid buffer state transition")

	// ErrNoBuffer reports an index outside the pool.
	ErrNoBuffer = errors.New("bufferpool: no such buffer")
)

// State is the process-side view of who owns a buffer.
//
// It is advisory bookkeeping used to catch protocol mistakes; the driver
// holds the authoritative queue state.
type State int

const (
	// Free buffers belong to the process and are not queued.
	Free State = iota
	// Queued buffers have been handed to the device.
	Queued
	// Filled buffers came back from the device and hold a frame.
	Filled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Queued:
		return "queued"
	case Filled:
		return "filled"
	default:
		return "unknown"
	}
}

// Buffer is one mapped region of a pool.
type Buffer struct {
	index int
	data  []byte
	state State
}

// Index is the stable ordinal of the buffer within its pool.
func (b *Buffer) Index() int { return b.index }

// Len is the mapped length in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// State returns the advisory state.
func (b *Buffer) State() State { return b.state }

// Bytes returns the mapped region. The slice is only valid until the pool
// is released.
func (b *Buffer) Bytes() []byte { return b.data }

// Pool is the set of buffers mapped for one queue of one device.
//
// A Pool is owned by a single goroutine. It does not own the handle.
type Pool struct {
	handle    v4l2.Handle
	dir       v4l2.Direction
	buffers   []*Buffer
	requested int
	granted   int
	released  bool
}

// Allocate requests countHint buffers, then queries and maps every buffer
// the device granted.
//
// The device may grant fewer buffers than requested. Fewer than MinBuffers
// fails with ErrInsufficientBuffers, more than requested with
// ErrExcessBuffers. A failed query or mapping unmaps every
// buffer mapped so far and fails with ErrMapFailed. In both cases the
// kernel-side buffers are released again before returning.
func Allocate(h v4l2.Handle, dir v4l2.Direction, countHint int) (*Pool, error) {
	granted, err := h.RequestBuffers(dir, countHint)
	if err != nil {
		return nil, fmt.Errorf("bufferpool: request %d %s buffers: %w", countHint, dir, err)
	}

	p := &Pool{
		handle:    h,
		dir:       dir,
		requested: countHint,
		granted:   granted,
	}

	if granted < MinBuffers {
		p.releaseKernelBuffers()
		return nil, fmt.Errorf("%w: %s device granted %d of %d (need at least %d)",
			ErrInsufficientBuffers, dir, granted, countHint, MinBuffers)
	}
	if granted > countHint {
		p.releaseKernelBuffers()
		return nil, fmt.Errorf("%w: %s device granted %d of %d",
			ErrExcessBuffers, dir, granted, countHint)
	}

	p.buffers = make([]*Buffer, 0, granted)
	for i := 0; i < granted; i++ {
		offset, length, err := h.QueryBuffer(dir, i)
		if err == nil {
			var data []byte
			data, err = h.Map(offset, length)
			if err == nil {
				p.buffers = append(p.buffers, &Buffer{index: i, data: data})
				slog.Debug("bufferpool: buffer mapped",
					"direction", dir.String(),
					"index", i,
					"offset", offset,
					"length", length,
				)
				continue
			}
		}

		// Unwind: nothing from this pool may stay mapped
		p.unmapAll()
		p.releaseKernelBuffers()
		p.released = true
		return nil, fmt.Errorf("%w: %s buffer %d: %w", ErrMapFailed, dir, i, err)
	}

	slog.Info("bufferpool: buffers allocated",
		"direction", dir.String(),
		"requested", countHint,
		"granted", granted,
		"length", p.buffers[0].Len(),
	)

	return p, nil
}

// Requested returns the count hint passed to Allocate.
func (p *Pool) Requested() int { return p.requested }

// Granted returns the number of buffers the device granted.
func (p *Pool) Granted() int { return p.granted }

// Released reports whether Release has run.
func (p *Pool) Released() bool { return p.released }

// Buffer returns buffer index.
func (p *Pool) Buffer(index int) (*Buffer, error) {
	if p.released || index < 0 || index >= len(p.buffers) {
		return nil, fmt.Errorf("%w: %s index %d", ErrNoBuffer, p.dir, index)
	}
	return p.buffers[index], nil
}

// Zero clears every mapped buffer.
func (p *Pool) Zero() {
	for _, b := range p.buffers {
		clear(b.data)
	}
}

// MarkQueued records that buffer index was handed to the device. The buffer must be Free.
func (p *Pool) MarkQueued(index int) error {
	return p.transition(index, Free, Queued)
}

// MarkFilled records that buffer index came back from the device. The buffer must be Queued.
func (p *Pool) MarkFilled(index int) error {
	return p.transition(index, Queued, Filled)
}

// MarkFree records that the process is done with buffer index. The buffer must be Filled.
func (p *Pool) MarkFree(index int) error {
	return p.transition(index, Filled, Free)
}

// MarkUnqueued records that the device refused buffer index. The buffer must be Queued.
func (p *Pool) MarkUnqueued(index int) error {
	return p.transition(index, Queued, Free)
}

// Reset marks every buffer Free. Stream off hands all buffers back to the process.
func (p *Pool) Reset() {
	for _, b := range p.buffers {
		b.state = Free
	}
}

// CountState returns how many buffers are in state s.
func (p *Pool) CountState(s State) int {
	n := 0
	for _, b := range p.buffers {
		if b.state == s {
			n++
		}
	}
	return n
}

func (p *Pool) transition(index int, from, to State) error {
	b, err := p.Buffer(index)
	if err != nil {
		return err
	}
	if b.state != from {
		return fmt.Errorf("%w: %s buffer %d is %s, want %s before %s",
			ErrBadTransition, p.dir, index, b.state, from, to)
	}
	b.state = to
	return nil
}

// Release unmaps every buffer and then asks the device to free its
// kernel-side storage with a zero-count request.
//
// A failing unmap is logged and does not stop the remaining unmaps. The
// returned error joins every failure. Calling Release again is a no-op.
func (p *Pool) Release() error {
	if p.released {
		return nil
	}
	p.released = true

	errs := p.unmapAll()
	if err := p.releaseKernelBuffers(); err != nil {
		errs = append(errs, err)
	}

	slog.Info("bufferpool: buffers released",
		"direction", p.dir.String(),
		"failures", len(errs),
	)

	return errors.Join(errs...)
}

func (p *Pool) unmapAll() []error {
	var errs []error
	for _, b := range p.buffers {
		if err := p.handle.Unmap(b.data); err != nil {
			slog.Warn("bufferpool: unmap failed",
				"direction", p.dir.String(),
				"index", b.index,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("bufferpool: unmap %s buffer %d: %w", p.dir, b.index, err))
		}
		b.data = nil
	}
	p.buffers = nil
	return errs
}

func (p *Pool) releaseKernelBuffers() error {
	if _, err := p.handle.RequestBuffers(p.dir, 0); err != nil {
		slog.Warn("bufferpool: releasing kernel buffers failed",
			"direction", p.dir.String(),
			"error", err,
		)
		return fmt.Errorf("bufferpool: release %s buffers: %w", p.dir, err)
	}
	return nil
}

// Package device wraps one opened V4L2 endpoint (capture or output) with its
// buffer pool and the queue discipline the relay depends on.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/overlay-relay/internal/bufferpool"
	"github.com/e7canasta/overlay-relay/internal/v4l2"
)

var (
	ErrOpenFailed         = errors.New("device: open failed")
	ErrNotCaptureCapable  = errors.New("device: not a capture device")
	ErrNotOutputCapable   = errors.New("device: not an output device")
	ErrNoOverlaySupport   = errors.New("device: no video overlay support")
	ErrNoStreamingSupport = errors.New("device: no streaming i/o support")
	ErrFormatRejected     = errors.New("device: format rejected")
	ErrStreamOnFailed     = errors.New("device: stream on failed")
	ErrNotAllocated       = errors.New("device: buffers not allocated")
	ErrClosed             = errors.New("device: closed")

	// ErrWouldBlock is v4l2.ErrWouldBlock, re-exported for callers of Dequeue.
	ErrWouldBlock = v4l2.ErrWouldBlock
)

// Size is a width/height pair in pixels.
type Size struct {
	Width  uint32
	Height uint32
}

// GeometryConfigurator places the overlay on screen. It is called once
// while the output format is negotiated.
type GeometryConfigurator interface {
	ConfigureGeometry(x, y int, width, height uint32) error
}

// GeometryFunc adapts a function to GeometryConfigurator.
type GeometryFunc func(x, y int, width, height uint32) error

// ConfigureGeometry calls f.
func (f GeometryFunc) ConfigureGeometry(x, y int, width, height uint32) error {
	return f(x, y, width, height)
}

// Config describes the endpoint to open.
type Config struct {
	Path      string
	Direction v4l2.Direction

	// Screen is the display size the overlay is centred on (output only).
	Screen Size

	// Geometry overrides the overlay placement (output only). When nil the
	// overlay window of the output device itself is set.
	Geometry GeometryConfigurator
}

// Frame is a view of one dequeued buffer. Data is only valid until the
// buffer is enqueued again.
type Frame struct {
	Index int
	Data  []byte
}

// BytesUsed is the payload length reported by the device.
func (f Frame) BytesUsed() int { return len(f.Data) }

// Device is an opened capture or output endpoint.
//
// A Device is confined to one goroutine at a time; it performs no locking.
type Device struct {
	cfg       Config
	handle    v4l2.Handle
	caps      v4l2.Capabilities
	format    v4l2.Format
	pool      *bufferpool.Pool
	streaming bool
	closed    bool
}

// Open opens the endpoint. Capture endpoints are opened non-blocking so a
// dequeue with no frame ready reports ErrWouldBlock; output endpoints block.
func Open(drv v4l2.Driver, cfg Config) (*Device, error) {
	nonBlocking := cfg.Direction == v4l2.Capture

	h, err := drv.Open(cfg.Path, nonBlocking)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrOpenFailed, cfg.Direction, cfg.Path, err)
	}

	slog.Info("device: opened",
		"path", cfg.Path,
		"direction", cfg.Direction.String(),
		"non_blocking", nonBlocking,
	)

	return &Device{cfg: cfg, handle: h}, nil
}

// Path returns the device node path.
func (d *Device) Path() string { return d.cfg.Path }

// Capabilities returns what NegotiateCapabilities found.
func (d *Device) Capabilities() v4l2.Capabilities { return d.caps }

// Format returns the negotiated format.
func (d *Device) Format() v4l2.Format { return d.format }

// Pool returns the buffer pool, or nil before Allocate and after release.
func (d *Device) Pool() *bufferpool.Pool { return d.pool }

// Streaming reports whether the queue is on.
func (d *Device) Streaming() bool { return d.streaming }

// NegotiateCapabilities checks the endpoint supports the configured
// direction and streaming I/O. Output endpoints must also support overlay.
func (d *Device) NegotiateCapabilities() error {
	caps, err := d.handle.QueryCapabilities()
	if err != nil {
		return fmt.Errorf("device: query capabilities %s: %w", d.cfg.Path, err)
	}
	d.caps = caps

	switch d.cfg.Direction {
	case v4l2.Capture:
		if !caps.CanCapture {
			return fmt.Errorf("%w: %s", ErrNotCaptureCapable, d.cfg.Path)
		}
	case v4l2.Output:
		if !caps.CanOutput {
			return fmt.Errorf("%w: %s", ErrNotOutputCapable, d.cfg.Path)
		}
		if !caps.CanOverlay {
			return fmt.Errorf("%w: %s", ErrNoOverlaySupport, d.cfg.Path)
		}
	}

	if !caps.CanStream {
		return fmt.Errorf("%w: %s", ErrNoStreamingSupport, d.cfg.Path)
	}

	slog.Debug("device: capabilities negotiated",
		"path", d.cfg.Path,
		"driver", caps.Driver,
		"card", caps.Card,
	)
	return nil
}

// SetFormat negotiates the image format.
//
// Capture requests the exact geometry and field order. Output reads the
// current format first, sets the new one, then places the overlay window
// centred on the configured screen.
func (d *Device) SetFormat(want v4l2.Format) (v4l2.Format, error) {
	dir := d.cfg.Direction

	if dir == v4l2.Output {
		if _, err := d.handle.GetFormat(dir); err != nil {
			return v4l2.Format{}, fmt.Errorf("%w: %s probe: %w", ErrFormatRejected, d.cfg.Path, err)
		}
	}

	got, err := d.handle.SetFormat(dir, want)
	if err != nil {
		return v4l2.Format{}, fmt.Errorf("%w: %s %dx%d %s: %w",
			ErrFormatRejected, d.cfg.Path, want.Width, want.Height, want.PixelFormat, err)
	}
	if got.Width != want.Width || got.Height != want.Height {
		slog.Warn("device: driver adjusted geometry",
			"path", d.cfg.Path,
			"requested", fmt.Sprintf("%dx%d", want.Width, want.Height),
			"granted", fmt.Sprintf("%dx%d", got.Width, got.Height),
		)
	}
	d.format = got

	if dir == v4l2.Output {
		if err := d.configureOverlay(got); err != nil {
			return v4l2.Format{}, err
		}
	}

	slog.Info("device: format set",
		"path", d.cfg.Path,
		"direction", dir.String(),
		"resolution", fmt.Sprintf("%dx%d", got.Width, got.Height),
		"pixel_format", got.PixelFormat.String(),
		"field", got.Field.String(),
		"size_image", got.SizeImage,
	)
	return got, nil
}

// CenterWindow returns the overlay position that centres a width x height
// frame on screen. Frames larger than the screen are pinned to the origin.
func CenterWindow(screen Size, width, height uint32) (x, y int) {
	if screen.Width > width {
		x = int(screen.Width-width) / 2
	}
	if screen.Height > height {
		y = int(screen.Height-height) / 2
	}
	return x, y
}

func (d *Device) configureOverlay(f v4l2.Format) error {
	x, y := CenterWindow(d.cfg.Screen, f.Width, f.Height)

	geometry := d.cfg.Geometry
	if geometry == nil {
		geometry = GeometryFunc(d.setOverlayWindow)
	}

	if err := geometry.ConfigureGeometry(x, y, f.Width, f.Height); err != nil {
		return fmt.Errorf("%w: %s overlay window: %w", ErrFormatRejected, d.cfg.Path, err)
	}

	slog.Debug("device: overlay placed",
		"path", d.cfg.Path,
		"x", x,
		"y", y,
		"width", f.Width,
		"height", f.Height,
	)
	return nil
}

func (d *Device) setOverlayWindow(x, y int, width, height uint32) error {
	if cur, err := d.handle.GetWindow(); err == nil {
		slog.Debug("device: current overlay window",
			"path", d.cfg.Path,
			"width", cur.Width,
			"height", cur.Height,
		)
	}
	return d.handle.SetWindow(v4l2.Window{
		Left:   int32(x),
		Top:    int32(y),
		Width:  width,
		Height: height,
	})
}

// Allocate maps count buffers (or fewer, if the driver grants fewer).
// Output buffers start zeroed so the overlay shows black until the first frame.
func (d *Device) Allocate(count int) error {
	if d.closed {
		return ErrClosed
	}
	pool, err := bufferpool.Allocate(d.handle, d.cfg.Direction, count)
	if err != nil {
		return err
	}
	if d.cfg.Direction == v4l2.Output {
		pool.Zero()
	}
	d.pool = pool
	return nil
}

// Enqueue hands buffer index to the device. A Filled buffer is returned to
// Free first.
func (d *Device) Enqueue(index, bytesUsed int) error {
	if d.pool == nil {
		return ErrNotAllocated
	}

	b, err := d.pool.Buffer(index)
	if err != nil {
		return err
	}
	if b.State() == bufferpool.Filled {
		if err := d.pool.MarkFree(index); err != nil {
			return err
		}
	}
	if err := d.pool.MarkQueued(index); err != nil {
		return err
	}

	if err := d.handle.Enqueue(d.cfg.Direction, index, bytesUsed); err != nil {
		// The driver never took the buffer
		_ = d.pool.MarkUnqueued(index)
		return fmt.Errorf("device: enqueue %s buffer %d: %w", d.cfg.Direction, index, err)
	}
	return nil
}

// Dequeue takes back the next buffer the device is done with.
//
// On a non-blocking capture device a missing frame is ErrWouldBlock, which
// is not an error condition; any other failure is.
func (d *Device) Dequeue() (Frame, error) {
	if d.pool == nil {
		return Frame{}, ErrNotAllocated
	}

	index, bytesUsed, err := d.handle.Dequeue(d.cfg.Direction)
	if err != nil {
		if errors.Is(err, v4l2.ErrWouldBlock) {
			return Frame{}, ErrWouldBlock
		}
		return Frame{}, fmt.Errorf("device: dequeue %s: %w", d.cfg.Direction, err)
	}

	if err := d.pool.MarkFilled(index); err != nil {
		return Frame{}, err
	}
	b, err := d.pool.Buffer(index)
	if err != nil {
		return Frame{}, err
	}

	if bytesUsed > b.Len() || bytesUsed < 0 {
		slog.Warn("device: driver reported bytesused beyond buffer",
			"path", d.cfg.Path,
			"index", index,
			"bytes_used", bytesUsed,
			"length", b.Len(),
		)
		bytesUsed = b.Len()
	}

	return Frame{Index: index, Data: b.Bytes()[:bytesUsed]}, nil
}

// Buffer exposes the mapping of buffer index for writing.
func (d *Device) Buffer(index int) ([]byte, error) {
	if d.pool == nil {
		return nil, ErrNotAllocated
	}
	b, err := d.pool.Buffer(index)
	if err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// WaitReady waits up to timeout for a buffer to become ready. A wait cut
// short by a signal is retried. Returns false on timeout.
func (d *Device) WaitReady(timeout time.Duration) (bool, error) {
	for {
		ready, err := d.handle.Poll(timeout)
		if errors.Is(err, v4l2.ErrInterrupted) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("device: wait %s: %w", d.cfg.Path, err)
		}
		return ready, nil
	}
}

// StreamOn primes the queue with every free buffer and then starts streaming.
func (d *Device) StreamOn() error {
	if d.pool == nil {
		return fmt.Errorf("%w: %s: %w", ErrStreamOnFailed, d.cfg.Path, ErrNotAllocated)
	}
	if d.streaming {
		return nil
	}

	for i := 0; i < d.pool.Granted(); i++ {
		b, err := d.pool.Buffer(i)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrStreamOnFailed, d.cfg.Path, err)
		}
		if b.State() == bufferpool.Queued {
			continue
		}
		bytesUsed := 0
		if d.cfg.Direction == v4l2.Output {
			bytesUsed = b.Len()
		}
		if err := d.Enqueue(i, bytesUsed); err != nil {
			return fmt.Errorf("%w: %s prime: %w", ErrStreamOnFailed, d.cfg.Path, err)
		}
	}

	if err := d.handle.StreamOn(d.cfg.Direction); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStreamOnFailed, d.cfg.Path, err)
	}
	d.streaming = true

	slog.Debug("device: streaming on",
		"path", d.cfg.Path,
		"direction", d.cfg.Direction.String(),
		"buffers", d.pool.Granted(),
	)
	return nil
}

// StreamOff stops the queue. Failures are logged, not returned: stopping a
// degraded device must not hold up shutdown.
func (d *Device) StreamOff() {
	if d.closed {
		return
	}
	if err := d.handle.StreamOff(d.cfg.Direction); err != nil {
		slog.Warn("device: stream off failed",
			"path", d.cfg.Path,
			"direction", d.cfg.Direction.String(),
			"error", err,
		)
	}
	d.streaming = false
	if d.pool != nil {
		d.pool.Reset()
	}
}

// ReleaseBuffers unmaps and frees the pool. Safe to call more than once.
func (d *Device) ReleaseBuffers() error {
	if d.pool == nil {
		return nil
	}
	err := d.pool.Release()
	d.pool = nil
	return err
}

// Close releases the pool if still held and closes the handle. Safe to
// call more than once.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}

	var errs []error
	if err := d.ReleaseBuffers(); err != nil {
		errs = append(errs, err)
	}
	if err := d.handle.Close(); err != nil {
		slog.Warn("device: close failed", "path", d.cfg.Path, "error", err)
		errs = append(errs, fmt.Errorf("device: close %s: %w", d.cfg.Path, err))
	}
	d.closed = true

	slog.Info("device: closed", "path", d.cfg.Path, "direction", d.cfg.Direction.String())
	return errors.Join(errs...)
}

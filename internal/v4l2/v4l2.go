// Package v4l2 defines the streaming-device protocol consumed by the relay
// and a pure Go implementation of it on top of the Video4Linux2 ioctl API.
//
// The protocol is deliberately small: capability query, format negotiation,
// memory-mapped buffer negotiation, queue/dequeue, readiness polling and
// stream on/off. Everything above it (buffer pools, devices, the relay and
// the controller) talks to a Handle, so the kernel driver can be replaced by
// the in-memory driver from package v4l2test in tests.
//
// This package does not use cgo.
package v4l2

import (
	"errors"
	"fmt"
	"time"
)

// Direction selects the queue a call applies to.
type Direction int

const (
	// Capture is the device-to-process queue (frames produced by hardware).
	Capture Direction = iota
	// Output is the process-to-device queue (frames consumed by hardware).
	Output
)

// String returns the direction name used in logs and errors.
func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// PixelFormat is a V4L2 FourCC pixel layout code.
type PixelFormat uint32

// FourCC builds a PixelFormat from a four character code such as "YUYV".
// Shorter codes are padded with spaces.
func FourCC(code string) PixelFormat {
	var b [4]byte
	for i := range b {
		b[i] = ' '
		if i < len(code) {
			b[i] = code[i]
		}
	}
	return PixelFormat(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

// String returns the four character code.
func (p PixelFormat) String() string {
	return string([]byte{byte(p), byte(p >> 8), byte(p >> 16), byte(p >> 24)})
}

// Common pixel layouts.
var (
	PixelFormatYUYV   = FourCC("YUYV")
	PixelFormatUYVY   = FourCC("UYVY")
	PixelFormatRGB565 = FourCC("RGBP")
	PixelFormatRGB24  = FourCC("RGB3")
)

// Field is the V4L2 field order of a frame.
type Field uint32

const (
	FieldAny        Field = 0
	FieldNone       Field = 1
	FieldTop        Field = 2
	FieldBottom     Field = 3
	FieldInterlaced Field = 4
)

// ParseField maps a configuration name to a Field.
func ParseField(name string) (Field, error) {
	switch name {
	case "", "any":
		return FieldAny, nil
	case "none", "progressive":
		return FieldNone, nil
	case "top":
		return FieldTop, nil
	case "bottom":
		return FieldBottom, nil
	case "interlaced":
		return FieldInterlaced, nil
	default:
		return FieldAny, fmt.Errorf("v4l2: unknown field order %q", name)
	}
}

// String returns the configuration name of the field order.
func (f Field) String() string {
	switch f {
	case FieldAny:
		return "any"
	case FieldNone:
		return "none"
	case FieldTop:
		return "top"
	case FieldBottom:
		return "bottom"
	case FieldInterlaced:
		return "interlaced"
	default:
		return fmt.Sprintf("field(%d)", uint32(f))
	}
}

// Capabilities reports what an opened endpoint supports.
type Capabilities struct {
	Driver     string
	Card       string
	CanCapture bool
	CanOutput  bool
	CanOverlay bool
	CanStream  bool
}

// Format is the single-planar image format of one queue.
type Format struct {
	Width        uint32
	Height       uint32
	PixelFormat  PixelFormat
	Field        Field
	BytesPerLine uint32 // filled in by the driver
	SizeImage    uint32 // filled in by the driver
}

// Window is the overlay rectangle of an output device, in screen pixels.
type Window struct {
	Left   int32
	Top    int32
	Width  uint32
	Height uint32
}

// Handle is an opened streaming endpoint.
//
// Handles are not safe for concurrent use. The relay confines every handle
// to the goroutine that currently owns the device.
type Handle interface {
	// QueryCapabilities reports the endpoint capabilities.
	QueryCapabilities() (Capabilities, error)

	// GetFormat reads the current format of the queue.
	GetFormat(dir Direction) (Format, error)

	// SetFormat requests a format and returns the one the driver settled on.
	SetFormat(dir Direction, f Format) (Format, error)

	// GetWindow and SetWindow read and write the overlay window.
	GetWindow() (Window, error)
	SetWindow(w Window) error

	// RequestBuffers asks for count memory-mapped buffers and returns the
	// number granted. A count of zero releases the kernel-side buffers.
	RequestBuffers(dir Direction, count int) (int, error)

	// QueryBuffer returns the mmap offset and length of buffer index.
	QueryBuffer(dir Direction, index int) (offset uint32, length int, err error)

	// Map maps length bytes at offset into process memory.
	Map(offset uint32, length int) ([]byte, error)

	// Unmap releases a mapping returned by Map.
	Unmap(b []byte) error

	// Enqueue hands buffer index to the device. bytesUsed is only
	// meaningful for the output queue.
	Enqueue(dir Direction, index, bytesUsed int) error

	// Dequeue takes back a buffer the device is done with.
	//
	// Returns ErrWouldBlock if the handle was opened non-blocking and no
	// buffer is ready.
	Dequeue(dir Direction) (index, bytesUsed int, err error)

	// Poll waits up to timeout for a buffer to become ready for dequeue.
	// Returns false on timeout and ErrInterrupted if a signal cut the wait short.
	Poll(timeout time.Duration) (bool, error)

	// StreamOn and StreamOff start and stop the queue.
	StreamOn(dir Direction) error
	StreamOff(dir Direction) error

	// Close releases the handle.
	Close() error
}

// Driver opens streaming endpoints.
type Driver interface {
	// Open opens the device at path. A non-blocking handle reports
	// ErrWouldBlock from Dequeue instead of waiting.
	Open(path string, nonBlocking bool) (Handle, error)
}

var (
	// ErrWouldBlock reports that no buffer is ready on a non-blocking handle.
	ErrWouldBlock = errors.New("v4l2: no buffer ready")

	// ErrInterrupted reports a wait cut short by a signal. Callers retry.
	ErrInterrupted = errors.New("v4l2: interrupted")

	// ErrUnsupported is returned by the kernel driver on platforms without V4L2.
	ErrUnsupported = errors.New("v4l2: not supported on this platform")
)

// Package v4l2test provides an in-memory v4l2.Driver for tests.
//
// A Device is configured through its exported fields before the first Open
// and records every call made against it, so tests can assert on buffer
// mappings, queue traffic and handle leaks without hardware.
package v4l2test

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/e7canasta/overlay-relay/internal/v4l2"
)

// Errors returned by the fake when the caller breaks the queue protocol.
var (
	ErrNoDevice     = errors.New("v4l2test: no such device")
	ErrBusy         = errors.New("v4l2test: device busy")
	ErrInvalid      = errors.New("v4l2test: invalid argument")
	ErrNotStreaming = errors.New("v4l2test: queue not streaming")
	ErrInjected     = errors.New("v4l2test: injected failure")
)

// OpKind identifies a recorded queue operation.
type OpKind int

const (
	OpEnqueue OpKind = iota
	OpDequeue
)

func (k OpKind) String() string {
	if k == OpEnqueue {
		return "enqueue"
	}
	return "dequeue"
}

// Op is one recorded enqueue or dequeue.
type Op struct {
	Kind      OpKind
	Index     int
	BytesUsed int
	Streaming bool
}

// Device is a scriptable streaming endpoint shared by all handles opened on its path.
type Device struct {
	Caps         v4l2.Capabilities
	MaxBuffers   int // upper bound on granted buffers, 0 = grant what is asked
	ExtraBuffers int // buffers granted beyond the request
	BufferLength int // length of every buffer

	// Capture behavior.
	FrameSize     int           // bytesused of every captured frame
	Frames        int           // frames produced before the source stalls, 0 = unlimited
	TimeoutPolls  int           // leading polls that time out
	WouldBlocks   int           // leading dequeues that report ErrWouldBlock
	FrameInterval time.Duration // delay before a queued buffer is reported ready

	// Failure injection.
	FailOpen      bool
	RejectFormat  bool
	FailMapAt     int // 1-based Map call that fails, 0 = never
	FailUnmap     bool
	FailStreamOn  bool
	FailStreamOff bool
	FailDequeueAt int // 1-based successful dequeue after which dequeue fails, 0 = never

	mu         sync.Mutex
	openCount  int
	opens      int
	format     v4l2.Format
	window     v4l2.Window
	windows    []v4l2.Window
	buffers    [][]byte
	queued     []int
	inQueue    map[int]bool
	mapped     map[*byte]bool
	mapCalls   int
	streaming  bool
	streamOns  int
	streamOffs int
	requests   []int
	delivered  int
	dequeues   int
	ops        []Op
}

// NewCaptureDevice returns a capture endpoint with streaming support.
func NewCaptureDevice() *Device {
	return &Device{
		Caps:         v4l2.Capabilities{Driver: "v4l2test", Card: "capture", CanCapture: true, CanStream: true},
		BufferLength: 4096,
		FrameSize:    4096,
	}
}

// NewOutputDevice returns an output endpoint with overlay and streaming support.
func NewOutputDevice() *Device {
	return &Device{
		Caps:         v4l2.Capabilities{Driver: "v4l2test", Card: "output", CanOutput: true, CanOverlay: true, CanStream: true},
		BufferLength: 4096,
	}
}

// OpenHandles reports handles opened and not yet closed.
func (d *Device) OpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCount
}

// Opens reports the total number of successful opens.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Mapped reports live mappings.
func (d *Device) Mapped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mapped)
}

// Allocated reports kernel-side buffers currently held.
func (d *Device) Allocated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// Requests returns the counts passed to RequestBuffers, in order.
func (d *Device) Requests() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.requests...)
}

// Streaming reports whether the queue is on.
func (d *Device) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// StreamOns reports successful StreamOn calls.
func (d *Device) StreamOns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streamOns
}

// StreamOffs reports StreamOff calls.
func (d *Device) StreamOffs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streamOffs
}

// Format returns the last format set.
func (d *Device) Format() v4l2.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

// Windows returns every overlay window set, in order.
func (d *Device) Windows() []v4l2.Window {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]v4l2.Window(nil), d.windows...)
}

// Ops returns the recorded queue traffic.
func (d *Device) Ops() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Op(nil), d.ops...)
}

// Buffer returns a copy of buffer index as the device sees it.
func (d *Device) Buffer(index int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.buffers) {
		return nil
	}
	return append([]byte(nil), d.buffers[index]...)
}

// Driver maps device paths to fake devices.
type Driver struct {
	mu      sync.Mutex
	devices map[string]*Device
}

// NewDriver returns an empty driver.
func NewDriver() *Driver {
	return &Driver{devices: make(map[string]*Device)}
}

// Add registers dev under path and returns it.
func (drv *Driver) Add(path string, dev *Device) *Device {
	drv.mu.Lock()
	defer drv.mu.Unlock()
	drv.devices[path] = dev
	return dev
}

// OpenHandles sums open handles across all devices.
func (drv *Driver) OpenHandles() int {
	drv.mu.Lock()
	defer drv.mu.Unlock()
	n := 0
	for _, dev := range drv.devices {
		n += dev.OpenHandles()
	}
	return n
}

// Mapped sums live mappings across all devices.
func (drv *Driver) Mapped() int {
	drv.mu.Lock()
	defer drv.mu.Unlock()
	n := 0
	for _, dev := range drv.devices {
		n += dev.Mapped()
	}
	return n
}

// Open implements v4l2.Driver.
func (drv *Driver) Open(path string, nonBlocking bool) (v4l2.Handle, error) {
	drv.mu.Lock()
	dev, ok := drv.devices[path]
	drv.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, ErrNoDevice)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.FailOpen {
		return nil, fmt.Errorf("open %s: %w", path, ErrInjected)
	}
	dev.openCount++
	dev.opens++
	if dev.mapped == nil {
		dev.mapped = make(map[*byte]bool)
	}
	return &handle{dev: dev, nonBlocking: nonBlocking}, nil
}

type handle struct {
	dev         *Device
	nonBlocking bool
	closed      bool
}

func (h *handle) QueryCapabilities() (v4l2.Capabilities, error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	return h.dev.Caps, nil
}

func (h *handle) GetFormat(dir v4l2.Direction) (v4l2.Format, error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	return h.dev.format, nil
}

func (h *handle) SetFormat(dir v4l2.Direction, f v4l2.Format) (v4l2.Format, error) {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.RejectFormat {
		return v4l2.Format{}, fmt.Errorf("set format %s: %w", dir, ErrInjected)
	}
	f.SizeImage = uint32(d.BufferLength)
	d.format = f
	return f, nil
}

func (h *handle) GetWindow() (v4l2.Window, error) {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	return h.dev.window, nil
}

func (h *handle) SetWindow(w v4l2.Window) error {
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	h.dev.window = w
	h.dev.windows = append(h.dev.windows, w)
	return nil
}

func (h *handle) RequestBuffers(dir v4l2.Direction, count int) (int, error) {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	d.requests = append(d.requests, count)
	if d.streaming || len(d.mapped) > 0 {
		return 0, fmt.Errorf("reqbufs %s: %w", dir, ErrBusy)
	}

	granted := count
	if count > 0 {
		granted += d.ExtraBuffers
	}
	if d.MaxBuffers > 0 && granted > d.MaxBuffers {
		granted = d.MaxBuffers
	}
	d.buffers = make([][]byte, granted)
	for i := range d.buffers {
		d.buffers[i] = make([]byte, d.BufferLength)
	}
	d.queued = nil
	d.inQueue = make(map[int]bool)
	return granted, nil
}

func (h *handle) QueryBuffer(dir v4l2.Direction, index int) (uint32, int, error) {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.buffers) {
		return 0, 0, fmt.Errorf("querybuf %d: %w", index, ErrInvalid)
	}
	return uint32(index * d.BufferLength), d.BufferLength, nil
}

func (h *handle) Map(offset uint32, length int) ([]byte, error) {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mapCalls++
	if d.FailMapAt > 0 && d.mapCalls == d.FailMapAt {
		return nil, fmt.Errorf("mmap offset=%d: %w", offset, ErrInjected)
	}
	if d.BufferLength == 0 || int(offset)%d.BufferLength != 0 {
		return nil, fmt.Errorf("mmap offset=%d: %w", offset, ErrInvalid)
	}
	index := int(offset) / d.BufferLength
	if index >= len(d.buffers) || length != d.BufferLength {
		return nil, fmt.Errorf("mmap offset=%d length=%d: %w", offset, length, ErrInvalid)
	}
	b := d.buffers[index]
	if len(b) > 0 {
		d.mapped[&b[0]] = true
	}
	return b, nil
}

func (h *handle) Unmap(b []byte) error {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(b) == 0 || !d.mapped[&b[0]] {
		return fmt.Errorf("munmap: %w", ErrInvalid)
	}
	delete(d.mapped, &b[0])
	if d.FailUnmap {
		return fmt.Errorf("munmap: %w", ErrInjected)
	}
	return nil
}

func (h *handle) Enqueue(dir v4l2.Direction, index, bytesUsed int) error {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.buffers) || d.inQueue[index] {
		return fmt.Errorf("qbuf %s index=%d: %w", dir, index, ErrInvalid)
	}
	d.inQueue[index] = true
	d.queued = append(d.queued, index)
	d.ops = append(d.ops, Op{Kind: OpEnqueue, Index: index, BytesUsed: bytesUsed, Streaming: d.streaming})
	return nil
}

func (h *handle) Dequeue(dir v4l2.Direction) (int, int, error) {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.streaming {
		return 0, 0, fmt.Errorf("dqbuf %s: %w", dir, ErrNotStreaming)
	}
	if d.FailDequeueAt > 0 && d.dequeues >= d.FailDequeueAt {
		return 0, 0, fmt.Errorf("dqbuf %s: %w", dir, ErrInjected)
	}
	if dir == v4l2.Capture && d.WouldBlocks > 0 {
		d.WouldBlocks--
		return 0, 0, v4l2.ErrWouldBlock
	}
	if len(d.queued) == 0 || (dir == v4l2.Capture && d.Frames > 0 && d.delivered >= d.Frames) {
		if h.nonBlocking {
			return 0, 0, v4l2.ErrWouldBlock
		}
		return 0, 0, fmt.Errorf("dqbuf %s: nothing queued: %w", dir, ErrInvalid)
	}

	index := d.queued[0]
	d.queued = d.queued[1:]
	delete(d.inQueue, index)
	d.dequeues++

	bytesUsed := 0
	if dir == v4l2.Capture {
		d.delivered++
		bytesUsed = d.FrameSize
		buf := d.buffers[index]
		for i := range buf {
			buf[i] = byte(d.delivered)
		}
	}
	d.ops = append(d.ops, Op{Kind: OpDequeue, Index: index, BytesUsed: bytesUsed, Streaming: true})
	return index, bytesUsed, nil
}

func (h *handle) Poll(timeout time.Duration) (bool, error) {
	d := h.dev
	d.mu.Lock()
	timedOut := false
	if d.TimeoutPolls > 0 {
		d.TimeoutPolls--
		timedOut = true
	} else if !d.streaming || (len(d.queued) == 0 && d.WouldBlocks == 0) {
		timedOut = true
	} else if d.Frames > 0 && d.delivered >= d.Frames {
		timedOut = true
	}
	interval := d.FrameInterval
	d.mu.Unlock()

	if timedOut {
		time.Sleep(timeout)
		return false, nil
	}
	if interval > 0 {
		time.Sleep(interval)
	}
	return true, nil
}

func (h *handle) StreamOn(dir v4l2.Direction) error {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailStreamOn {
		return fmt.Errorf("streamon %s: %w", dir, ErrInjected)
	}
	if len(d.buffers) == 0 {
		return fmt.Errorf("streamon %s: no buffers: %w", dir, ErrInvalid)
	}
	d.streaming = true
	d.streamOns++
	return nil
}

func (h *handle) StreamOff(dir v4l2.Direction) error {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streamOffs++
	if d.FailStreamOff {
		return fmt.Errorf("streamoff %s: %w", dir, ErrInjected)
	}
	// Stream off returns every queued buffer to the application.
	d.streaming = false
	d.queued = nil
	d.inQueue = make(map[int]bool)
	return nil
}

func (h *handle) Close() error {
	d := h.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	d.openCount--
	return nil
}

//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KernelDriver opens real V4L2 device nodes.
type KernelDriver struct{}

// NewKernelDriver returns a driver backed by the V4L2 ioctl interface.
func NewKernelDriver() *KernelDriver {
	return &KernelDriver{}
}

// Open opens path read-write, optionally with O_NONBLOCK.
func (KernelDriver) Open(path string, nonBlocking bool) (Handle, error) {
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if nonBlocking {
		flags |= unix.O_NONBLOCK
	}

	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("v4l2: open %s: %w", path, err)
	}

	return &kernelHandle{fd: fd, path: path}, nil
}

type kernelHandle struct {
	fd   int
	path string
}

// xioctl retries the request while it is interrupted by a signal.
func (h *kernelHandle) xioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

func (h *kernelHandle) QueryCapabilities() (Capabilities, error) {
	var c v4l2Capability
	if err := h.xioctl(vidiocQuerycap, unsafe.Pointer(&c)); err != nil {
		return Capabilities{}, fmt.Errorf("v4l2: VIDIOC_QUERYCAP %s: %w", h.path, err)
	}

	return Capabilities{
		Driver:     cString(c.driver[:]),
		Card:       cString(c.card[:]),
		CanCapture: c.capabilities&capVideoCapture != 0,
		CanOutput:  c.capabilities&capVideoOutput != 0,
		CanOverlay: c.capabilities&capVideoOverlay != 0,
		CanStream:  c.capabilities&capStreaming != 0,
	}, nil
}

func (h *kernelHandle) GetFormat(dir Direction) (Format, error) {
	f := v4l2Format{typ: bufType(dir)}
	if err := h.xioctl(vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return Format{}, fmt.Errorf("v4l2: VIDIOC_G_FMT %s: %w", dir, err)
	}
	return fromPix(f.pix()), nil
}

func (h *kernelHandle) SetFormat(dir Direction, want Format) (Format, error) {
	f := v4l2Format{typ: bufType(dir)}

	// Start from the current format so driver-owned fields survive.
	if dir == Output {
		if err := h.xioctl(vidiocGFmt, unsafe.Pointer(&f)); err != nil {
			return Format{}, fmt.Errorf("v4l2: VIDIOC_G_FMT %s: %w", dir, err)
		}
	}

	p := f.pix()
	p.width = want.Width
	p.height = want.Height
	p.pixelformat = uint32(want.PixelFormat)
	if want.Field != FieldAny || dir == Capture {
		p.field = uint32(want.Field)
	}

	if err := h.xioctl(vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return Format{}, fmt.Errorf("v4l2: VIDIOC_S_FMT %s: %w", dir, err)
	}
	return fromPix(f.pix()), nil
}

func (h *kernelHandle) GetWindow() (Window, error) {
	f := v4l2Format{typ: bufTypeVideoOverlay}
	if err := h.xioctl(vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return Window{}, fmt.Errorf("v4l2: VIDIOC_G_FMT overlay: %w", err)
	}
	w := f.win()
	return Window{Left: w.left, Top: w.top, Width: w.width, Height: w.height}, nil
}

func (h *kernelHandle) SetWindow(win Window) error {
	f := v4l2Format{typ: bufTypeVideoOverlay}

	// Some overlay drivers reject S_FMT unless the rest of v4l2_window
	// holds what they reported; a failed probe is not fatal.
	_ = h.xioctl(vidiocGFmt, unsafe.Pointer(&f))

	f.typ = bufTypeVideoOverlay
	w := f.win()
	w.left = win.Left
	w.top = win.Top
	w.width = win.Width
	w.height = win.Height

	if err := h.xioctl(vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return fmt.Errorf("v4l2: VIDIOC_S_FMT overlay: %w", err)
	}
	return nil
}

func (h *kernelHandle) RequestBuffers(dir Direction, count int) (int, error) {
	req := v4l2RequestBuffers{
		count:  uint32(count),
		typ:    bufType(dir),
		memory: memoryMmap,
	}
	if err := h.xioctl(vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("v4l2: VIDIOC_REQBUFS %s count=%d: %w", dir, count, err)
	}
	return int(req.count), nil
}

func (h *kernelHandle) QueryBuffer(dir Direction, index int) (uint32, int, error) {
	buf := v4l2Buffer{
		index:  uint32(index),
		typ:    bufType(dir),
		memory: memoryMmap,
	}
	if err := h.xioctl(vidiocQuerybuf, unsafe.Pointer(&buf)); err != nil {
		return 0, 0, fmt.Errorf("v4l2: VIDIOC_QUERYBUF %s index=%d: %w", dir, index, err)
	}
	return buf.offset(), int(buf.length), nil
}

func (h *kernelHandle) Map(offset uint32, length int) ([]byte, error) {
	b, err := unix.Mmap(h.fd, int64(offset), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("v4l2: mmap offset=%d length=%d: %w", offset, length, err)
	}
	return b, nil
}

func (h *kernelHandle) Unmap(b []byte) error {
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("v4l2: munmap: %w", err)
	}
	return nil
}

func (h *kernelHandle) Enqueue(dir Direction, index, bytesUsed int) error {
	buf := v4l2Buffer{
		index:     uint32(index),
		typ:       bufType(dir),
		memory:    memoryMmap,
		bytesused: uint32(bytesUsed),
	}
	if err := h.xioctl(vidiocQbuf, unsafe.Pointer(&buf)); err != nil {
		return fmt.Errorf("v4l2: VIDIOC_QBUF %s index=%d: %w", dir, index, err)
	}
	return nil
}

func (h *kernelHandle) Dequeue(dir Direction) (int, int, error) {
	buf := v4l2Buffer{
		typ:    bufType(dir),
		memory: memoryMmap,
	}
	if err := h.xioctl(vidiocDqbuf, unsafe.Pointer(&buf)); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, 0, ErrWouldBlock
		}
		return 0, 0, fmt.Errorf("v4l2: VIDIOC_DQBUF %s: %w", dir, err)
	}
	return int(buf.index), int(buf.bytesused), nil
}

func (h *kernelHandle) Poll(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(h.fd), Events: unix.POLLIN}}

	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, ErrInterrupted
		}
		return false, fmt.Errorf("v4l2: poll %s: %w", h.path, err)
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return false, fmt.Errorf("v4l2: poll %s: revents=%#x", h.path, fds[0].Revents)
	}
	return true, nil
}

func (h *kernelHandle) StreamOn(dir Direction) error {
	typ := int32(bufType(dir))
	if err := h.xioctl(vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("v4l2: VIDIOC_STREAMON %s: %w", dir, err)
	}
	return nil
}

func (h *kernelHandle) StreamOff(dir Direction) error {
	typ := int32(bufType(dir))
	if err := h.xioctl(vidiocStreamoff, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("v4l2: VIDIOC_STREAMOFF %s: %w", dir, err)
	}
	return nil
}

func (h *kernelHandle) Close() error {
	if h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	if err != nil {
		return fmt.Errorf("v4l2: close %s: %w", h.path, err)
	}
	return nil
}

func fromPix(p *v4l2PixFormat) Format {
	return Format{
		Width:        p.width,
		Height:       p.height,
		PixelFormat:  PixelFormat(p.pixelformat),
		Field:        Field(p.field),
		BytesPerLine: p.bytesperline,
		SizeImage:    p.sizeimage,
	}
}

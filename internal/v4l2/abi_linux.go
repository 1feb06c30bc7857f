//go:build linux

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	bufTypeVideoCapture = 1
	bufTypeVideoOutput  = 2
	bufTypeVideoOverlay = 3

	memoryMmap = 1

	capVideoCapture = 0x00000001
	capVideoOutput  = 0x00000002
	capVideoOverlay = 0x00000004
	capStreaming    = 0x04000000
)

// ioctl request encoding from <asm-generic/ioctl.h>.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | typ<<iocTypeShift | nr<<iocNrShift
}

func ior(typ, nr, size uintptr) uintptr  { return ioc(iocRead, typ, nr, size) }
func iow(typ, nr, size uintptr) uintptr  { return ioc(iocWrite, typ, nr, size) }
func iowr(typ, nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, typ, nr, size) }

// v4l2Capability has size 104 bytes.
type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

// v4l2PixFormat has size 48 bytes.
type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

// v4l2Rect is the leading member of struct v4l2_window.
type v4l2Rect struct {
	left   int32
	top    int32
	width  uint32
	height uint32
}

// v4l2Format is 208 bytes on 64-bit and 204 bytes on 32-bit targets.
// The kernel union contains pointers (struct v4l2_window), so it is
// pointer aligned; the zero-length align field reproduces that padding.
type v4l2Format struct {
	typ   uint32
	_     [0]uintptr
	raw   [200]byte
}

func (f *v4l2Format) pix() *v4l2PixFormat {
	return (*v4l2PixFormat)(unsafe.Pointer(&f.raw[0]))
}

func (f *v4l2Format) win() *v4l2Rect {
	return (*v4l2Rect)(unsafe.Pointer(&f.raw[0]))
}

// v4l2RequestBuffers has size 20 bytes.
type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint32
}

// v4l2Timecode has size 16 bytes.
type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

// v4l2Buffer is 88 bytes on 64-bit and 68 bytes on 32-bit targets.
// m is the offset/userptr/planes/fd union; only the mmap offset is used.
type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp unix.Timeval
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	m         uintptr
	length    uint32
	reserved2 uint32
	requestFD int32
}

// offset reads the mmap offset member of the m union.
func (b *v4l2Buffer) offset() uint32 {
	return *(*uint32)(unsafe.Pointer(&b.m))
}

var (
	vidiocQuerycap  = ior('V', 0, unsafe.Sizeof(v4l2Capability{}))
	vidiocGFmt      = iowr('V', 4, unsafe.Sizeof(v4l2Format{}))
	vidiocSFmt      = iowr('V', 5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqbufs   = iowr('V', 8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQuerybuf  = iowr('V', 9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQbuf      = iowr('V', 15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocDqbuf     = iowr('V', 17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamon  = iow('V', 18, unsafe.Sizeof(int32(0)))
	vidiocStreamoff = iow('V', 19, unsafe.Sizeof(int32(0)))
)

func bufType(dir Direction) uint32 {
	if dir == Output {
		return bufTypeVideoOutput
	}
	return bufTypeVideoCapture
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

//go:build linux && (amd64 || arm64 || riscv64)

package v4l2

import "unsafe"

// Compile-time struct size assertions against the kernel ABI.
var (
	_ [0]struct{} = [unsafe.Sizeof(v4l2Capability{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2PixFormat{}) - 48]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Format{}) - 208]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2RequestBuffers{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Buffer{}) - 88]struct{}{}

	_ [0]struct{} = [unsafe.Offsetof(v4l2Format{}.raw) - 8]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(v4l2Buffer{}.m) - 64]struct{}{}
)

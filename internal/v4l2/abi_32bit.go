//go:build linux && (arm || 386)

package v4l2

import "unsafe"

// Compile-time struct size assertions against the kernel ABI (time32 layout).
var (
	_ [0]struct{} = [unsafe.Sizeof(v4l2Capability{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Format{}) - 204]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2RequestBuffers{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Buffer{}) - 68]struct{}{}
)

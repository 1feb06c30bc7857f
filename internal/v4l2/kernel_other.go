//go:build !linux

package v4l2

// KernelDriver is unavailable outside Linux; Open always fails.
type KernelDriver struct{}

// NewKernelDriver returns a driver whose Open reports ErrUnsupported.
func NewKernelDriver() *KernelDriver {
	return &KernelDriver{}
}

// Open reports ErrUnsupported.
func (KernelDriver) Open(path string, nonBlocking bool) (Handle, error) {
	return nil, ErrUnsupported
}

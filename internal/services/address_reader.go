package services

import (
	"io"

	"github.com/deploymenttheory/go-fwdl/internal/interfaces"
)

// FlashReader reads the raw flash address space of a device
type FlashReader struct {
	device interfaces.FlashDevice
}

// Compile-time check
var _ interfaces.AddressSpaceReader = (*FlashReader)(nil)

// NewFlashReader creates a reader over device
func NewFlashReader(device interfaces.FlashDevice) *FlashReader {
	return &FlashReader{device: device}
}

// Read fills out from the absolute offset. Anything but a complete read is a *ReadError.
func (r *FlashReader) Read(offset uint32, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	n, err := r.device.ReadAt(out, int64(offset))
	if err != nil {
		return &ReadError{Offset: offset, Length: uint32(len(out)), Err: err}
	}
	if n != len(out) {
		return &ReadError{Offset: offset, Length: uint32(len(out)), Err: io.ErrUnexpectedEOF}
	}
	return nil
}

// Size returns the size of the address space
func (r *FlashReader) Size() uint32 {
	return r.device.Size()
}

package services

import (
	"fmt"
	"log/slog"

	"github.com/deploymenttheory/go-fwdl/internal/interfaces"
	"github.com/deploymenttheory/go-fwdl/internal/types"
)

// OTAImageWriter writes firmware images into application partitions.
// Begin erases the space the image needs; writes then append at an internal
// cursor, like esp_ota_begin/esp_ota_write/esp_ota_end.
type OTAImageWriter struct {
	device interfaces.FlashDevice
	logger *slog.Logger
}

// Compile-time check
var _ interfaces.ImageWriter = (*OTAImageWriter)(nil)

// NewOTAImageWriter creates an image writer for device
func NewOTAImageWriter(device interfaces.FlashDevice, logger *slog.Logger) *OTAImageWriter {
	return &OTAImageWriter{device: device, logger: componentLogger(logger, "imagewriter")}
}

// Begin opens a write context for an image of size bytes. A zero size means
// the whole partition.
func (w *OTAImageWriter) Begin(target types.PartitionDescriptor, size uint32) (interfaces.ImageHandle, error) {
	if target.Kind != types.KindApplication {
		return nil, fmt.Errorf("partition %q is not an application partition", target.Label)
	}
	if size == 0 {
		size = target.Size
	}
	if size > target.Size {
		return nil, fmt.Errorf("image of %d bytes does not fit partition %q of %d bytes", size, target.Label, target.Size)
	}

	eraseLen := min(alignUp(size, w.device.SectorSize()), target.Size)
	w.logger.Info("erasing image slot",
		"label", target.Label,
		"address", fmt.Sprintf("0x%08X", target.Address),
		"bytes", eraseLen,
	)
	if err := w.device.EraseRange(target.Address, eraseLen); err != nil {
		return nil, fmt.Errorf("failed to erase partition %q: %w", target.Label, err)
	}

	return &otaHandle{
		device: w.device,
		target: target,
		size:   size,
		logger: w.logger,
	}, nil
}

// otaHandle is an open image write context
type otaHandle struct {
	device  interfaces.FlashDevice
	target  types.PartitionDescriptor
	size    uint32
	written uint32
	closed  bool
	logger  *slog.Logger
}

func (h *otaHandle) Write(data []byte) error {
	if h.closed {
		return fmt.Errorf("image handle for %q is closed", h.target.Label)
	}
	if uint64(h.written)+uint64(len(data)) > uint64(h.size) {
		return fmt.Errorf("write of %d bytes at 0x%X exceeds the %d byte image", len(data), h.written, h.size)
	}
	if _, err := h.device.WriteAt(data, int64(h.target.Address)+int64(h.written)); err != nil {
		return err
	}
	h.written += uint32(len(data))
	return nil
}

// End checks the image header and closes the handle
func (h *otaHandle) End() error {
	if h.closed {
		return fmt.Errorf("image handle for %q is closed", h.target.Label)
	}
	h.closed = true

	if h.written == 0 {
		return fmt.Errorf("%w: no data written to %q", ErrImageInvalid, h.target.Label)
	}

	magic := make([]byte, 1)
	if _, err := h.device.ReadAt(magic, int64(h.target.Address)); err != nil {
		return fmt.Errorf("failed to read back image header: %w", err)
	}
	if magic[0] != types.ImageHeaderMagic {
		return fmt.Errorf("%w: header byte 0x%02X, expected 0x%02X", ErrImageInvalid, magic[0], types.ImageHeaderMagic)
	}

	h.logger.Info("image committed", "label", h.target.Label, "bytes", h.written)
	return nil
}

func (h *otaHandle) Abort() {
	if !h.closed {
		h.closed = true
		h.logger.Warn("image write aborted", "label", h.target.Label, "bytes", h.written)
	}
}

func (h *otaHandle) Written() uint32 {
	return h.written
}

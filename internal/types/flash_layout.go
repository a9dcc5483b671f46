package types

// Flash geometry and well-known offsets of an ESP32 flash image.
const (
	// SectorSize is the erase granularity of the flash device.
	SectorSize = 0x1000

	// BootloaderOffset and BootloaderSize bound the second-stage bootloader region.
	BootloaderOffset = 0x1000
	BootloaderSize   = 0x7000

	// PartitionTableOffset is the default location of the partition table.
	PartitionTableOffset = 0x8000
	// PartitionTableMaxSize is the space reserved for the table.
	PartitionTableMaxSize = 0xC00

	// ImageHeaderMagic is the first byte of a valid firmware image.
	ImageHeaderMagic = 0xE9

	// ErasedByte is the value of erased flash and the redaction sentinel.
	ErasedByte = 0xFF
)

// RedactionRegion is an address range blanked out of streamed flash contents.
type RedactionRegion struct {
	Offset      uint32 `json:"offset" yaml:"offset"`
	Length      uint32 `json:"length" yaml:"length"`
	Description string `json:"description" yaml:"description"`
}

// End returns the first address past the region. It is computed in 64 bits
// because regions are not bounded by the flash size.
func (r RedactionRegion) End() uint64 {
	return uint64(r.Offset) + uint64(r.Length)
}

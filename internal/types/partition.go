// Package types holds the flash layout data structures shared across the module.
// The partition table layout follows the ESP-IDF partition table format
// (32-byte entries starting with magic 0xAA50).
package types

import "fmt"

// Kind is the partition type byte of a partition table entry.
type Kind uint8

const (
	// KindApplication marks a bootable firmware image slot.
	KindApplication Kind = 0x00
	// KindData marks a partition holding arbitrary payload.
	KindData Kind = 0x01
	// KindAny matches any kind in directory queries.
	KindAny Kind = 0xFF
)

// String returns the short name used in partition listings.
func (k Kind) String() string {
	switch k {
	case KindApplication:
		return "app"
	case KindData:
		return "data"
	case KindAny:
		return "any"
	default:
		return fmt.Sprintf("0x%02x", uint8(k))
	}
}

// MarshalText encodes the kind by name
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText or a hex byte
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "app":
		*k = KindApplication
	case "data":
		*k = KindData
	case "any":
		*k = KindAny
	default:
		var v uint8
		if _, err := fmt.Sscanf(string(text), "0x%02x", &v); err != nil {
			return fmt.Errorf("unknown partition kind %q", text)
		}
		*k = Kind(v)
	}
	return nil
}

// Subtype is the partition subtype byte. Its meaning depends on Kind.
type Subtype uint8

// Application subtypes
const (
	SubtypeAppFactory Subtype = 0x00
	SubtypeAppOTAMin  Subtype = 0x10
	SubtypeAppOTAMax  Subtype = 0x1F
	SubtypeAppTest    Subtype = 0x20
)

// Data subtypes
const (
	SubtypeDataOTA      Subtype = 0x00
	SubtypeDataPhy      Subtype = 0x01
	SubtypeDataNVS      Subtype = 0x02
	SubtypeDataCoredump Subtype = 0x03
	SubtypeDataNVSKeys  Subtype = 0x04
	SubtypeDataEfuse    Subtype = 0x05
	SubtypeDataUndef    Subtype = 0x06
	SubtypeDataESPHTTPD Subtype = 0x80
	SubtypeDataFAT      Subtype = 0x81
	SubtypeDataSPIFFS   Subtype = 0x82
	SubtypeDataLittleFS Subtype = 0x83
)

// SubtypeAny matches any subtype in directory queries.
const SubtypeAny Subtype = 0xFF

// SubtypeAppOTA returns the application subtype of OTA slot n.
func SubtypeAppOTA(n int) Subtype {
	return SubtypeAppOTAMin + Subtype(n)
}

// IsOTA reports whether the subtype denotes an application OTA slot.
func (s Subtype) IsOTA() bool {
	return s >= SubtypeAppOTAMin && s <= SubtypeAppOTAMax
}

// OTAIndex returns the slot number of an OTA application subtype.
func (s Subtype) OTAIndex() int {
	return int(s - SubtypeAppOTAMin)
}

// PartitionDescriptor describes one entry of the partition table.
// Descriptors are values; they are re-derived from flash on every query.
type PartitionDescriptor struct {
	Label   string  `json:"label" yaml:"label"`
	Kind    Kind    `json:"kind" yaml:"kind"`
	Subtype Subtype `json:"subtype" yaml:"subtype"`
	Address uint32  `json:"address" yaml:"address"`
	Size    uint32  `json:"size" yaml:"size"`
	Flags   uint32  `json:"flags,omitempty" yaml:"flags,omitempty"`
}

// End returns the first address past the partition.
func (p PartitionDescriptor) End() uint32 {
	return p.Address + p.Size
}

// IsZero reports whether the descriptor is the zero value.
func (p PartitionDescriptor) IsZero() bool {
	return p == PartitionDescriptor{}
}

// SameSlot reports whether two descriptors refer to the same flash region.
func (p PartitionDescriptor) SameSlot(other PartitionDescriptor) bool {
	return p.Address == other.Address
}

func (p PartitionDescriptor) String() string {
	return fmt.Sprintf("%s (%s/0x%02x @ 0x%08X, %d bytes)", p.Label, p.Kind, uint8(p.Subtype), p.Address, p.Size)
}

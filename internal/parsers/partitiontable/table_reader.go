// File: internal/parsers/partitiontable/table_reader.go
package partitiontable

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/deploymenttheory/go-fwdl/internal/types"
)

const (
	// entryMagic starts every partition entry (bytes AA 50 on flash)
	entryMagic = 0x50AA
	// md5Magic starts the optional checksum entry
	md5Magic = 0xEBEB
	// endMagic marks erased flash after the last entry
	endMagic = 0xFFFF
	// entrySize is the size of one table entry in bytes
	entrySize = 32
	// labelSize is the NUL padded label field width
	labelSize = 16
	// MaxEntries is the number of entries that fit in the reserved table space
	MaxEntries = types.PartitionTableMaxSize/entrySize - 1
)

// tableEntry mirrors the on-flash layout of one partition entry.
type tableEntry struct {
	Magic   uint16          // Offset 0
	Type    uint8           // Offset 2
	Subtype uint8           // Offset 3
	Offset  uint32          // Offset 4
	Size    uint32          // Offset 8
	Label   [labelSize]byte // Offset 12
	Flags   uint32          // Offset 28
}

// Read reads and parses the partition table stored at offset in device.
func Read(device io.ReaderAt, offset int64) ([]types.PartitionDescriptor, error) {
	data := make([]byte, types.PartitionTableMaxSize)
	n, err := device.ReadAt(data, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read partition table at offset 0x%X: %w", offset, err)
	}
	return Parse(data[:n])
}

// Parse decodes a partition table. Parsing stops at the first erased entry.
// When an MD5 entry is present the digest of the preceding entries is verified.
func Parse(data []byte) ([]types.PartitionDescriptor, error) {
	var partitions []types.PartitionDescriptor

	for i := 0; i+entrySize <= len(data); i += entrySize {
		raw := data[i : i+entrySize]
		magic := binary.LittleEndian.Uint16(raw[0:2])

		switch magic {
		case endMagic:
			return partitions, nil

		case md5Magic:
			expected := raw[16:32]
			actual := md5.Sum(data[:i])
			if !bytes.Equal(expected, actual[:]) {
				return nil, fmt.Errorf("partition table MD5 mismatch: stored %x, computed %x", expected, actual)
			}

		case entryMagic:
			var entry tableEntry
			if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &entry); err != nil {
				return nil, fmt.Errorf("failed to parse partition entry %d: %w", i/entrySize, err)
			}
			if uint64(entry.Offset)+uint64(entry.Size) > uint64(^uint32(0)) {
				return nil, fmt.Errorf("partition entry %d overflows the 32-bit address space", i/entrySize)
			}
			partitions = append(partitions, types.PartitionDescriptor{
				Label:   decodeLabel(entry.Label[:]),
				Kind:    types.Kind(entry.Type),
				Subtype: types.Subtype(entry.Subtype),
				Address: entry.Offset,
				Size:    entry.Size,
				Flags:   entry.Flags,
			})

		default:
			return nil, fmt.Errorf("invalid magic 0x%04X at partition entry %d", magic, i/entrySize)
		}
	}

	return partitions, nil
}

// Encode serialises partitions into a table image padded with erased bytes.
// An MD5 entry is appended when withMD5 is set.
func Encode(partitions []types.PartitionDescriptor, withMD5 bool) ([]byte, error) {
	if len(partitions) > MaxEntries {
		return nil, fmt.Errorf("too many partitions: %d, maximum is %d", len(partitions), MaxEntries)
	}

	buf := new(bytes.Buffer)
	for i, p := range partitions {
		if len(p.Label) >= labelSize {
			return nil, fmt.Errorf("partition %d label %q exceeds %d characters", i, p.Label, labelSize-1)
		}
		if p.Kind == types.KindAny || p.Subtype == types.SubtypeAny {
			return nil, fmt.Errorf("partition %q uses a wildcard kind or subtype", p.Label)
		}

		entry := tableEntry{
			Magic:   entryMagic,
			Type:    uint8(p.Kind),
			Subtype: uint8(p.Subtype),
			Offset:  p.Address,
			Size:    p.Size,
			Flags:   p.Flags,
		}
		copy(entry.Label[:], p.Label)

		if err := binary.Write(buf, binary.LittleEndian, entry); err != nil {
			return nil, fmt.Errorf("failed to encode partition %q: %w", p.Label, err)
		}
	}

	if withMD5 {
		digest := md5.Sum(buf.Bytes())
		md5Entry := bytes.Repeat([]byte{types.ErasedByte}, entrySize)
		binary.LittleEndian.PutUint16(md5Entry[0:2], md5Magic)
		copy(md5Entry[16:], digest[:])
		buf.Write(md5Entry)
	}

	table := bytes.Repeat([]byte{types.ErasedByte}, types.PartitionTableMaxSize)
	copy(table, buf.Bytes())
	return table, nil
}

// Validate checks that partitions do not overlap, fit inside flashSize and
// that application partitions are 64 KiB aligned.
func Validate(partitions []types.PartitionDescriptor, flashSize uint32) error {
	for i, p := range partitions {
		if p.Size == 0 {
			return fmt.Errorf("partition %q has zero size", p.Label)
		}
		if uint64(p.Address)+uint64(p.Size) > uint64(flashSize) {
			return fmt.Errorf("partition %q ends past the %d byte flash", p.Label, flashSize)
		}
		if p.Kind == types.KindApplication && p.Address%0x10000 != 0 {
			return fmt.Errorf("application partition %q at 0x%08X is not 64 KiB aligned", p.Label, p.Address)
		}
		for _, other := range partitions[i+1:] {
			if p.Address < other.End() && other.Address < p.End() {
				return fmt.Errorf("partitions %q and %q overlap", p.Label, other.Label)
			}
			if strings.EqualFold(p.Label, other.Label) {
				return fmt.Errorf("duplicate partition label %q", p.Label)
			}
		}
	}
	return nil
}

// decodeLabel returns the label up to the first NUL byte
func decodeLabel(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Package otadata reads and encodes the boot pointer records kept in the
// otadata partition. The partition holds two sector-sized copies; the valid
// record with the highest sequence number selects the next boot slot.
package otadata

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/deploymenttheory/go-fwdl/internal/types"
)

// Image states stored alongside the sequence number
const (
	StateNew           uint32 = 0x0
	StatePendingVerify uint32 = 0x1
	StateValid         uint32 = 0x2
	StateInvalid       uint32 = 0x3
	StateAborted       uint32 = 0x4
	StateUndefined     uint32 = 0xFFFFFFFF
)

const (
	// EntrySize is the encoded size of one record
	EntrySize = 32
	// Copies is the number of redundant records in the partition
	Copies = 2
	// MinPartitionSize holds both copies, one sector each
	MinPartitionSize = Copies * types.SectorSize

	erasedSeq = 0xFFFFFFFF
)

// Entry is one boot pointer record.
type Entry struct {
	Seq      uint32   // Offset 0
	SeqLabel [20]byte // Offset 4
	State    uint32   // Offset 24
	CRC      uint32   // Offset 28
}

// NewEntry returns a record for seq with a matching checksum.
func NewEntry(seq uint32) Entry {
	e := Entry{Seq: seq, State: StateUndefined, CRC: Checksum(seq)}
	for i := range e.SeqLabel {
		e.SeqLabel[i] = types.ErasedByte
	}
	return e
}

// Checksum is the ROM CRC32-LE of the little endian sequence number,
// seeded with 0xFFFFFFFF.
func Checksum(seq uint32) uint32 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], seq)
	return crc32.Update(0xFFFFFFFF, crc32.IEEETable, buf[:])
}

// IsValid reports whether the record can select a boot slot.
func (e Entry) IsValid() bool {
	if e.Seq == erasedSeq || e.Seq == 0 {
		return false
	}
	if e.State == StateInvalid || e.State == StateAborted {
		return false
	}
	return e.CRC == Checksum(e.Seq)
}

// Encode serialises the record.
func (e Entry) Encode() []byte {
	buf := new(bytes.Buffer)
	// Writing a fixed size struct into a bytes.Buffer cannot fail
	_ = binary.Write(buf, binary.LittleEndian, e)
	return buf.Bytes()
}

// Decode parses a record from the start of data.
func Decode(data []byte) (Entry, error) {
	if len(data) < EntrySize {
		return Entry{}, fmt.Errorf("otadata record too short: %d bytes, need %d", len(data), EntrySize)
	}
	var e Entry
	if err := binary.Read(bytes.NewReader(data[:EntrySize]), binary.LittleEndian, &e); err != nil {
		return Entry{}, fmt.Errorf("failed to parse otadata record: %w", err)
	}
	return e, nil
}

// Read reads both records from the otadata partition.
func Read(device io.ReaderAt, partition types.PartitionDescriptor) ([Copies]Entry, error) {
	var entries [Copies]Entry
	if partition.Size < MinPartitionSize {
		return entries, fmt.Errorf("otadata partition %q is %d bytes, need %d", partition.Label, partition.Size, MinPartitionSize)
	}

	buf := make([]byte, EntrySize)
	for i := 0; i < Copies; i++ {
		off := int64(partition.Address) + int64(i*types.SectorSize)
		if _, err := device.ReadAt(buf, off); err != nil {
			return entries, fmt.Errorf("failed to read otadata copy %d at 0x%08X: %w", i, off, err)
		}
		entry, err := Decode(buf)
		if err != nil {
			return entries, err
		}
		entries[i] = entry
	}
	return entries, nil
}

// Active returns the index of the valid record with the highest sequence
// number, or false if neither copy is valid.
func Active(entries [Copies]Entry) (int, bool) {
	best := -1
	for i, e := range entries {
		if !e.IsValid() {
			continue
		}
		if best < 0 || e.Seq > entries[best].Seq {
			best = i
		}
	}
	return best, best >= 0
}

// SlotForSeq maps a sequence number to an OTA slot index.
func SlotForSeq(seq uint32, slotCount int) int {
	if slotCount <= 0 || seq == 0 {
		return -1
	}
	return int((seq - 1) % uint32(slotCount))
}

// NextSeq returns the smallest sequence number greater than current that
// selects slot. current is 0 when no valid record exists.
func NextSeq(current uint32, slot, slotCount int) (uint32, error) {
	if slotCount <= 0 || slot < 0 || slot >= slotCount {
		return 0, fmt.Errorf("slot %d out of range for %d OTA slots", slot, slotCount)
	}
	seq := current + 1
	for SlotForSeq(seq, slotCount) != slot {
		seq++
	}
	if seq == erasedSeq {
		return 0, fmt.Errorf("otadata sequence number exhausted")
	}
	return seq, nil
}

// TargetCopy returns the record index to overwrite when activating a new
// slot: the copy that is not currently active.
func TargetCopy(entries [Copies]Entry) int {
	active, ok := Active(entries)
	if !ok {
		return 0
	}
	return (active + 1) % Copies
}

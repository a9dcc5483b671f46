package partitiontable

import (
	"fmt"

	"github.com/deploymenttheory/go-fwdl/internal/interfaces"
	"github.com/deploymenttheory/go-fwdl/internal/types"
)

// Write validates partitions against the device and programs the table,
// with its MD5 entry, into the sector at offset.
func Write(device interfaces.FlashDevice, offset uint32, partitions []types.PartitionDescriptor) error {
	if err := Validate(partitions, device.Size()); err != nil {
		return err
	}
	tableEnd := offset + types.PartitionTableMaxSize
	for _, p := range partitions {
		if p.Address < tableEnd && offset < p.End() {
			return fmt.Errorf("partition %q overlaps the partition table at 0x%X", p.Label, offset)
		}
	}

	table, err := Encode(partitions, true)
	if err != nil {
		return err
	}
	if err := device.EraseRange(offset, device.SectorSize()); err != nil {
		return fmt.Errorf("failed to erase partition table sector: %w", err)
	}
	if _, err := device.WriteAt(table, int64(offset)); err != nil {
		return fmt.Errorf("failed to write partition table: %w", err)
	}
	return nil
}

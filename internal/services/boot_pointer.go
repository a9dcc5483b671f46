package services

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/deploymenttheory/go-fwdl/internal/interfaces"
	"github.com/deploymenttheory/go-fwdl/internal/parsers/otadata"
	"github.com/deploymenttheory/go-fwdl/internal/types"
)

// OTABootPointer keeps the boot selection in the otadata partition
type OTABootPointer struct {
	device interfaces.FlashDevice
	dir    *Directory
	logger *slog.Logger
}

// Compile-time check
var _ interfaces.BootPointer = (*OTABootPointer)(nil)

// NewOTABootPointer creates a boot pointer for the partitions listed in dir
func NewOTABootPointer(device interfaces.FlashDevice, dir *Directory, logger *slog.Logger) *OTABootPointer {
	return &OTABootPointer{
		device: device,
		dir:    dir,
		logger: componentLogger(logger, "bootpointer"),
	}
}

// BootPartition resolves the partition the bootloader would start.
// Without a valid otadata record the factory partition boots, or the first
// application partition when there is no factory partition.
func (b *OTABootPointer) BootPartition() (types.PartitionDescriptor, error) {
	apps := collect(b.dir.ListAll(types.KindApplication))
	if len(apps) == 0 {
		return types.PartitionDescriptor{}, fmt.Errorf("partition table has no application partition")
	}

	fallback := apps[0]
	for _, p := range apps {
		if p.Subtype == types.SubtypeAppFactory {
			fallback = p
			break
		}
	}

	otaPart, ok := b.dir.FindFirst(types.KindData, types.SubtypeDataOTA, "")
	if !ok {
		return fallback, nil
	}

	entries, err := otadata.Read(b.device, otaPart)
	if err != nil {
		b.logger.Warn("otadata unreadable, booting fallback", "error", err, "fallback", fallback.Label)
		return fallback, nil
	}

	active, ok := otadata.Active(entries)
	if !ok {
		return fallback, nil
	}

	slots := otaSlots(apps)
	slot := otadata.SlotForSeq(entries[active].Seq, len(slots))
	if slot < 0 {
		return fallback, nil
	}
	return slots[slot], nil
}

// SetBootPartition points the next boot at target. Selecting the factory
// partition erases otadata; selecting an OTA slot writes a new record into
// the inactive copy.
func (b *OTABootPointer) SetBootPartition(target types.PartitionDescriptor) error {
	if target.Kind != types.KindApplication {
		return fmt.Errorf("partition %q is not an application partition", target.Label)
	}

	otaPart, ok := b.dir.FindFirst(types.KindData, types.SubtypeDataOTA, "")
	if !ok {
		return fmt.Errorf("partition table has no otadata partition")
	}

	if target.Subtype == types.SubtypeAppFactory {
		if err := b.device.EraseRange(otaPart.Address, alignUp(otadata.MinPartitionSize, b.device.SectorSize())); err != nil {
			return fmt.Errorf("failed to erase otadata: %w", err)
		}
		b.logger.Info("boot pointer reset to factory partition", "label", target.Label)
		return nil
	}

	slots := otaSlots(collect(b.dir.ListAll(types.KindApplication)))
	slot := -1
	for i, p := range slots {
		if p.SameSlot(target) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return fmt.Errorf("partition %q is not an OTA slot", target.Label)
	}

	entries, err := otadata.Read(b.device, otaPart)
	if err != nil {
		return err
	}

	var current uint32
	if active, ok := otadata.Active(entries); ok {
		current = entries[active].Seq
	}
	seq, err := otadata.NextSeq(current, slot, len(slots))
	if err != nil {
		return err
	}

	copyIndex := otadata.TargetCopy(entries)
	sector := otaPart.Address + uint32(copyIndex)*types.SectorSize
	if err := b.device.EraseRange(sector, types.SectorSize); err != nil {
		return fmt.Errorf("failed to erase otadata copy %d: %w", copyIndex, err)
	}
	if _, err := b.device.WriteAt(otadata.NewEntry(seq).Encode(), int64(sector)); err != nil {
		return fmt.Errorf("failed to write otadata copy %d: %w", copyIndex, err)
	}

	b.logger.Info("boot pointer updated",
		"label", target.Label,
		"seq", seq,
		"copy", copyIndex,
	)
	return nil
}

// otaSlots returns the OTA application partitions ordered by slot number
func otaSlots(apps []types.PartitionDescriptor) []types.PartitionDescriptor {
	var slots []types.PartitionDescriptor
	for _, p := range apps {
		if p.Subtype.IsOTA() {
			slots = append(slots, p)
		}
	}
	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].Subtype < slots[j].Subtype
	})
	return slots
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) / align * align
}

package services

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/deploymenttheory/go-fwdl/internal/interfaces"
	"github.com/deploymenttheory/go-fwdl/internal/types"
)

// BootSelector validates and activates application partitions
type BootSelector struct {
	dir          *Directory
	reader       interfaces.AddressSpaceReader
	pointer      interfaces.BootPointer
	restarter    interfaces.Restarter
	restartDelay time.Duration
	logger       *slog.Logger
}

// NewBootSelector creates a boot selector
func NewBootSelector(dir *Directory, reader interfaces.AddressSpaceReader, pointer interfaces.BootPointer,
	restarter interfaces.Restarter, restartDelay time.Duration, logger *slog.Logger) *BootSelector {
	return &BootSelector{
		dir:          dir,
		reader:       reader,
		pointer:      pointer,
		restarter:    restarter,
		restartDelay: restartDelay,
		logger:       componentLogger(logger, "bootselector"),
	}
}

// IsValidImage checks the first byte of the partition for the image header
// magic. This is a heuristic, not a full image verification.
func (b *BootSelector) IsValidImage(p types.PartitionDescriptor) bool {
	magic := make([]byte, 1)
	if err := b.reader.Read(p.Address, magic); err != nil {
		b.logger.Error("failed to read image header", "label", p.Label, "error", err)
		return false
	}
	return magic[0] == types.ImageHeaderMagic
}

// ActivateLabel activates the application partition with label, or the
// alternate slot when label is empty. It returns the activated partition.
func (b *BootSelector) ActivateLabel(label string) (types.PartitionDescriptor, error) {
	if label == "" {
		return b.ActivateAlternate()
	}
	target, ok := b.dir.FindFirst(types.KindApplication, types.SubtypeAny, label)
	if !ok {
		return types.PartitionDescriptor{}, fmt.Errorf("%w: %q", ErrPartitionNotFound, label)
	}
	return target, b.Activate(target)
}

// ActivateAlternate activates the alternate slot chosen by AlternateSlot
func (b *BootSelector) ActivateAlternate() (types.PartitionDescriptor, error) {
	target, err := AlternateSlot(b.dir)
	if err != nil {
		return types.PartitionDescriptor{}, err
	}
	return target, b.Activate(target)
}

// Activate validates target, switches the boot pointer to it and schedules a restart
func (b *BootSelector) Activate(target types.PartitionDescriptor) error {
	if target.Kind != types.KindApplication {
		return fmt.Errorf("%w: %q is not an application partition", ErrInvalidParameter, target.Label)
	}
	if b.dir.IsRunning(target) {
		return fmt.Errorf("%w: %q", ErrActiveSlotConflict, target.Label)
	}
	if !b.IsValidImage(target) {
		return fmt.Errorf("%w: %q", ErrPartitionInvalid, target.Label)
	}
	if err := b.SetBootPartition(target); err != nil {
		return err
	}

	b.logger.Info("partition activated", "label", target.Label)
	b.restarter.ScheduleRestart(b.restartDelay)
	return nil
}

// SetBootPartition switches the boot pointer without validation or restart.
// The running partition is still refused.
func (b *BootSelector) SetBootPartition(target types.PartitionDescriptor) error {
	if b.dir.IsRunning(target) {
		return fmt.Errorf("%w: %q", ErrActiveSlotConflict, target.Label)
	}
	if err := b.pointer.SetBootPartition(target); err != nil {
		return &ActivationError{Partition: target.Label, Err: err}
	}
	return nil
}

// ScheduleRestart schedules a restart after the configured delay
func (b *BootSelector) ScheduleRestart() {
	b.restarter.ScheduleRestart(b.restartDelay)
}

// AlternateSlot selects the application partition with the lowest base
// address that is not the running partition.
func AlternateSlot(dir interfaces.PartitionDirectory) (types.PartitionDescriptor, error) {
	running := dir.RunningApplicationPartition()

	var candidates []types.PartitionDescriptor
	it := dir.ListAll(types.KindApplication)
	for p, ok := it.Next(); ok; p, ok = it.Next() {
		if !p.SameSlot(running) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return types.PartitionDescriptor{}, ErrNoAlternateSlot
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Address < candidates[j].Address
	})
	return candidates[0], nil
}

package services

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/deploymenttheory/go-fwdl/internal/interfaces"
	"github.com/deploymenttheory/go-fwdl/internal/parsers/partitiontable"
	"github.com/deploymenttheory/go-fwdl/internal/types"
)

// Directory enumerates the partitions described by the on-flash partition
// table. The table is re-read on every query so layout changes are picked up;
// descriptors are returned by value.
type Directory struct {
	device      interfaces.FlashDevice
	tableOffset uint32
	logger      *slog.Logger

	mu      sync.RWMutex
	running types.PartitionDescriptor
}

// Compile-time check
var _ interfaces.PartitionDirectory = (*Directory)(nil)

// NewDirectory creates a directory over the table stored at tableOffset
func NewDirectory(device interfaces.FlashDevice, tableOffset uint32, logger *slog.Logger) *Directory {
	return &Directory{
		device:      device,
		tableOffset: tableOffset,
		logger:      componentLogger(logger, "directory"),
	}
}

// Partitions reads the full partition table
func (d *Directory) Partitions() ([]types.PartitionDescriptor, error) {
	parts, err := partitiontable.Read(d.device, int64(d.tableOffset))
	if err != nil {
		return nil, fmt.Errorf("failed to load partition table: %w", err)
	}
	return parts, nil
}

// snapshot loads the table, logging failures. Lookups treat an unreadable
// table as an empty one.
func (d *Directory) snapshot() []types.PartitionDescriptor {
	parts, err := d.Partitions()
	if err != nil {
		d.logger.Error("partition table unavailable", "offset", fmt.Sprintf("0x%X", d.tableOffset), "error", err)
		return nil
	}
	return parts
}

// FindFirst returns the first partition matching kind, subtype and label
func (d *Directory) FindFirst(kind types.Kind, subtype types.Subtype, label string) (types.PartitionDescriptor, bool) {
	for _, p := range d.snapshot() {
		if matches(p, kind, subtype, label) {
			return p, true
		}
	}
	return types.PartitionDescriptor{}, false
}

// FindByLabel looks for an application partition first, then a data partition
func (d *Directory) FindByLabel(label string) (types.PartitionDescriptor, bool) {
	if label == "" {
		return types.PartitionDescriptor{}, false
	}
	parts := d.snapshot()
	for _, kind := range []types.Kind{types.KindApplication, types.KindData} {
		for _, p := range parts {
			if matches(p, kind, types.SubtypeAny, label) {
				return p, true
			}
		}
	}
	return types.PartitionDescriptor{}, false
}

// ListAll enumerates partitions of kind in table order
func (d *Directory) ListAll(kind types.Kind) interfaces.PartitionIterator {
	return &partitionIterator{parts: d.snapshot(), kind: kind}
}

// RunningApplicationPartition returns the partition resolved at the last boot
func (d *Directory) RunningApplicationPartition() types.PartitionDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// IsRunning reports whether p is the running application partition
func (d *Directory) IsRunning(p types.PartitionDescriptor) bool {
	running := d.RunningApplicationPartition()
	return !running.IsZero() && p.Kind == types.KindApplication && p.SameSlot(running)
}

// Boot resolves the running partition from the boot pointer, the way the
// second-stage bootloader does on reset.
func (d *Directory) Boot(pointer interfaces.BootPointer) error {
	target, err := pointer.BootPartition()
	if err != nil {
		return fmt.Errorf("failed to resolve boot partition: %w", err)
	}

	d.mu.Lock()
	previous := d.running
	d.running = target
	d.mu.Unlock()

	d.logger.Info("booted application partition",
		"label", target.Label,
		"address", fmt.Sprintf("0x%08X", target.Address),
		"previous", previous.Label,
	)
	return nil
}

func matches(p types.PartitionDescriptor, kind types.Kind, subtype types.Subtype, label string) bool {
	if kind != types.KindAny && p.Kind != kind {
		return false
	}
	if subtype != types.SubtypeAny && p.Subtype != subtype {
		return false
	}
	return label == "" || p.Label == label
}

// partitionIterator walks a table snapshot lazily
type partitionIterator struct {
	parts []types.PartitionDescriptor
	kind  types.Kind
	pos   int
}

func (it *partitionIterator) Next() (types.PartitionDescriptor, bool) {
	for it.pos < len(it.parts) {
		p := it.parts[it.pos]
		it.pos++
		if it.kind == types.KindAny || p.Kind == it.kind {
			return p, true
		}
	}
	return types.PartitionDescriptor{}, false
}

// collect drains an iterator
func collect(it interfaces.PartitionIterator) []types.PartitionDescriptor {
	var out []types.PartitionDescriptor
	for p, ok := it.Next(); ok; p, ok = it.Next() {
		out = append(out, p)
	}
	return out
}

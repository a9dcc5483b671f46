// File: internal/interfaces/flash.go
package interfaces

import (
	"io"
	"time"

	"github.com/deploymenttheory/go-fwdl/internal/types"
)

// FlashDevice is a NOR flash store addressed by absolute offset.
// Erase sets bytes to 0xFF; programming can only clear bits.
type FlashDevice interface {
	io.ReaderAt
	io.WriterAt

	// EraseRange erases [offset, offset+length). Both must be sector aligned.
	EraseRange(offset, length uint32) error

	// Size returns the device size in bytes
	Size() uint32

	// SectorSize returns the erase granularity in bytes
	SectorSize() uint32
}

// AddressSpaceReader reads raw bytes from absolute flash offsets.
type AddressSpaceReader interface {
	// Read fills out from offset. A failed or short read is an error; the
	// buffer contents are then unspecified.
	Read(offset uint32, out []byte) error

	// Size returns the readable address space in bytes
	Size() uint32
}

// PartitionIterator is a lazy sequence of partition descriptors.
type PartitionIterator interface {
	// Next returns the next descriptor, or false once the sequence is exhausted
	Next() (types.PartitionDescriptor, bool)
}

// PartitionDirectory enumerates partitions. Not found is never an error.
type PartitionDirectory interface {
	// FindFirst returns the first partition matching kind, subtype and label.
	// KindAny, SubtypeAny and an empty label act as wildcards.
	FindFirst(kind types.Kind, subtype types.Subtype, label string) (types.PartitionDescriptor, bool)

	// FindByLabel looks for an application partition, then a data partition
	FindByLabel(label string) (types.PartitionDescriptor, bool)

	// ListAll enumerates partitions of the given kind in table order
	ListAll(kind types.Kind) PartitionIterator

	// RunningApplicationPartition returns the partition providing the executing image
	RunningApplicationPartition() types.PartitionDescriptor
}

// ImageWriter opens sequential write contexts on application partitions.
type ImageWriter interface {
	// Begin erases enough of target to hold size bytes and returns a handle
	Begin(target types.PartitionDescriptor, size uint32) (ImageHandle, error)
}

// ImageHandle is an open image write context with an internal cursor.
type ImageHandle interface {
	// Write appends data at the cursor
	Write(data []byte) error

	// End validates and commits the image
	End() error

	// Abort releases the context without committing
	Abort()

	// Written returns the number of bytes appended so far
	Written() uint32
}

// BootPointer persists which application partition boots next.
type BootPointer interface {
	// BootPartition resolves the partition the device would boot
	BootPartition() (types.PartitionDescriptor, error)

	// SetBootPartition points the next boot at target
	SetBootPartition(target types.PartitionDescriptor) error
}

// Restarter schedules a device restart.
type Restarter interface {
	ScheduleRestart(delay time.Duration)
}

// Watchdog is fed by long running loops to prove liveness.
type Watchdog interface {
	Feed()
}

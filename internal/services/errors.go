package services

import (
	"errors"
	"fmt"
)

var (
	// ErrPartitionNotFound means no partition matched the requested label
	ErrPartitionNotFound = errors.New("partition not found")

	// ErrInvalidParameter means a request parameter was missing or malformed
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrActiveSlotConflict means the running partition was targeted for a write or activation
	ErrActiveSlotConflict = errors.New("partition is the running application")

	// ErrCapacityExceeded means the redaction table is full
	ErrCapacityExceeded = errors.New("redaction region capacity exceeded")

	// ErrPartitionInvalid means the partition does not start with a firmware image header
	ErrPartitionInvalid = errors.New("partition does not contain a valid image")

	// ErrSessionActive means another upload session already holds the writer slot
	ErrSessionActive = errors.New("another upload session is in progress")

	// ErrNoAlternateSlot means no application partition other than the running one exists
	ErrNoAlternateSlot = errors.New("no alternate application partition")

	// ErrImageInvalid means a written image failed validation on commit
	ErrImageInvalid = errors.New("written image failed validation")
)

// ReadError reports a failed read of the flash address space.
type ReadError struct {
	Offset uint32
	Length uint32
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read of %d bytes at 0x%08X failed: %v", e.Length, e.Offset, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// WriteError reports a failed erase, write or commit on a partition.
type WriteError struct {
	Op        string
	Partition string
	Offset    uint32
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s on partition %q at offset 0x%X failed: %v", e.Op, e.Partition, e.Offset, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// ActivationError reports a failed boot pointer switch.
type ActivationError struct {
	Partition string
	Err       error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("failed to set boot partition %q: %v", e.Partition, e.Err)
}

func (e *ActivationError) Unwrap() error {
	return e.Err
}

package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/deploymenttheory/go-fwdl/internal/interfaces"
	"github.com/deploymenttheory/go-fwdl/internal/types"
)

// CloneResult describes a completed slot clone
type CloneResult struct {
	Source types.PartitionDescriptor `json:"source" yaml:"source"`
	Target types.PartitionDescriptor `json:"target" yaml:"target"`
	Bytes  uint32                    `json:"bytes" yaml:"bytes"`
	Digest Digest                    `json:"digest" yaml:"digest"`
}

// SlotCloner copies the running application partition into another slot and
// points the next boot at the copy. It never schedules a restart.
type SlotCloner struct {
	dir       *Directory
	reader    interfaces.AddressSpaceReader
	images    interfaces.ImageWriter
	boot      *BootSelector
	uploader  *Uploader
	chunkSize  int
	yieldEvery int
	watchdog   interfaces.Watchdog
	logger    *slog.Logger
}

// NewSlotCloner creates a cloner. uploader may be nil; when set, a clone
// holds the uploader's writer slot for its whole run. Non-positive chunkSize
// and yieldEvery select the streamer defaults.
func NewSlotCloner(dir *Directory, reader interfaces.AddressSpaceReader, images interfaces.ImageWriter,
	boot *BootSelector, uploader *Uploader, chunkSize, yieldEvery int, watchdog interfaces.Watchdog, logger *slog.Logger) *SlotCloner {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if yieldEvery <= 0 {
		yieldEvery = DefaultYieldEvery
	}
	return &SlotCloner{
		dir:        dir,
		reader:     reader,
		images:     images,
		boot:       boot,
		uploader:   uploader,
		chunkSize:  chunkSize,
		yieldEvery: yieldEvery,
		watchdog:   watchdog,
		logger:     componentLogger(logger, "cloner"),
	}
}

func (c *SlotCloner) streamOptions(name string) []StreamOption {
	return []StreamOption{
		WithChunkSize(c.chunkSize),
		WithYieldEvery(c.yieldEvery),
		WithWatchdog(c.watchdog),
		WithLogger(c.logger),
		WithName(name),
	}
}

// Clone copies the running partition into the alternate slot
func (c *SlotCloner) Clone(ctx context.Context) (*CloneResult, error) {
	target, err := AlternateSlot(c.dir)
	if err != nil {
		return nil, err
	}
	return c.cloneInto(ctx, target)
}

// CloneTo copies the running partition into the application partition with
// label. An empty label selects the alternate slot.
func (c *SlotCloner) CloneTo(ctx context.Context, label string) (*CloneResult, error) {
	if label == "" {
		return c.Clone(ctx)
	}
	target, ok := c.dir.FindFirst(types.KindApplication, types.SubtypeAny, label)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPartitionNotFound, label)
	}
	return c.cloneInto(ctx, target)
}

func (c *SlotCloner) cloneInto(ctx context.Context, target types.PartitionDescriptor) (*CloneResult, error) {
	source := c.dir.RunningApplicationPartition()
	if source.IsZero() {
		return nil, fmt.Errorf("%w: no running application partition", ErrPartitionNotFound)
	}
	if target.SameSlot(source) {
		return nil, fmt.Errorf("%w: %q is the running partition", ErrActiveSlotConflict, target.Label)
	}
	if source.Size > target.Size {
		return nil, fmt.Errorf("%w: %q (%d bytes) does not fit %q (%d bytes)",
			ErrInvalidParameter, source.Label, source.Size, target.Label, target.Size)
	}

	if c.uploader != nil {
		release, err := c.uploader.Reserve("clone into " + target.Label)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	if c.boot.IsValidImage(target) {
		c.logger.Info("target slot holds a valid image and will be overwritten", "label", target.Label)
	} else {
		c.logger.Info("target slot is empty or invalid", "label", target.Label)
	}
	c.logger.Info("cloning partition",
		"source", source.Label,
		"source_address", fmt.Sprintf("0x%08X", source.Address),
		"target", target.Label,
		"target_address", fmt.Sprintf("0x%08X", target.Address),
		"bytes", source.Size,
	)

	handle, err := c.images.Begin(target, source.Size)
	if err != nil {
		return nil, &WriteError{Op: "begin", Partition: target.Label, Err: err}
	}

	stream, err := NewStreamer(c.reader, source.Address, source.Size, c.streamOptions("clone:"+source.Label)...)
	if err != nil {
		handle.Abort()
		return nil, err
	}

	if _, err := stream.Copy(ctx, handleWriter{handle}); err != nil {
		handle.Abort()
		return nil, &WriteError{Op: "write", Partition: target.Label, Offset: handle.Written(), Err: err}
	}
	if err := handle.End(); err != nil {
		return nil, &WriteError{Op: "commit", Partition: target.Label, Offset: handle.Written(), Err: err}
	}

	sourceDigest, err := DigestRange(ctx, c.reader, source.Address, source.Size, c.streamOptions("digest:"+source.Label)...)
	if err != nil {
		return nil, err
	}
	targetDigest, err := DigestRange(ctx, c.reader, target.Address, source.Size, c.streamOptions("digest:"+target.Label)...)
	if err != nil {
		return nil, err
	}
	if sourceDigest != targetDigest {
		return nil, &WriteError{
			Op:        "verify",
			Partition: target.Label,
			Err:       fmt.Errorf("digest mismatch: source %s, target %s", sourceDigest, targetDigest),
		}
	}

	if err := c.boot.SetBootPartition(target); err != nil {
		return nil, err
	}

	c.logger.Info("clone complete, next boot from target", "target", target.Label, "digest", sourceDigest.String())
	return &CloneResult{
		Source: source,
		Target: target,
		Bytes:  source.Size,
		Digest: sourceDigest,
	}, nil
}

// handleWriter adapts an ImageHandle to io.Writer
type handleWriter struct {
	h interfaces.ImageHandle
}

func (w handleWriter) Write(p []byte) (int, error) {
	if err := w.h.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

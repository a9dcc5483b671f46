package services

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-fwdl/internal/interfaces"
	"github.com/deploymenttheory/go-fwdl/internal/types"
)

// Phase is the state of an upload session
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWriting
	PhaseFinalizing
	PhaseComplete
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWriting:
		return "writing"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Uploader hands out upload sessions and enforces that at most one of them
// is writing at any time. A second start is rejected, never queued.
type Uploader struct {
	dir    *Directory
	device interfaces.FlashDevice
	images interfaces.ImageWriter
	boot   *BootSelector
	logger *slog.Logger

	mu       sync.Mutex
	active   *UploadSession
	reserved string
}

// NewUploader creates an uploader
func NewUploader(dir *Directory, device interfaces.FlashDevice, images interfaces.ImageWriter, boot *BootSelector, logger *slog.Logger) *Uploader {
	return &Uploader{
		dir:    dir,
		device: device,
		images: images,
		boot:   boot,
		logger: componentLogger(logger, "upload"),
	}
}

// NewSession creates an idle session targeting the partition with label.
// The session is owned by the caller.
func (u *Uploader) NewSession(label string) *UploadSession {
	id := uuid.New()
	return &UploadSession{
		id:       id,
		label:    label,
		uploader: u,
		logger:   u.logger.With("session", id.String(), "label", label),
	}
}

// ActiveSession returns the session holding the writer slot, if any
func (u *Uploader) ActiveSession() (*UploadSession, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active, u.active != nil
}

// Reserve takes the writer slot for a writer that is not an upload session,
// such as a slot clone. Sessions started before release is called fail with
// ErrSessionActive.
func (u *Uploader) Reserve(owner string) (release func(), err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.busy(nil); err != nil {
		return nil, err
	}
	if owner == "" {
		owner = "a reserved writer"
	}
	u.reserved = owner

	var once sync.Once
	return func() {
		once.Do(func() {
			u.mu.Lock()
			defer u.mu.Unlock()
			u.reserved = ""
		})
	}, nil
}

// busy reports who holds the writer slot, if anyone other than s.
// Must be called with mu held.
func (u *Uploader) busy(s *UploadSession) error {
	if u.reserved != "" {
		return fmt.Errorf("%w: %s holds the writer slot", ErrSessionActive, u.reserved)
	}
	if u.active != nil && u.active != s {
		return fmt.Errorf("%w: session %s is writing %q", ErrSessionActive, u.active.id, u.active.label)
	}
	return nil
}

func (u *Uploader) acquire(s *UploadSession) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.busy(s); err != nil {
		return err
	}
	u.active = s
	return nil
}

func (u *Uploader) release(s *UploadSession) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active == s {
		u.active = nil
	}
}

// UploadSession commits a chunked byte stream into one partition.
// Application partitions are written through the image writer and become the
// boot partition on completion; data partitions are erased, then written at
// explicit offsets. A failure is terminal: the session moves to
// PhaseFailed, releases its write context and no rollback is attempted.
type UploadSession struct {
	id       uuid.UUID
	label    string
	uploader *Uploader
	logger   *slog.Logger

	mu           sync.Mutex
	phase        Phase
	target       types.PartitionDescriptor
	bytesWritten uint32
	handle       interfaces.ImageHandle
	err          error
}

// ID returns the session identifier
func (s *UploadSession) ID() uuid.UUID {
	return s.id
}

// Label returns the requested target label
func (s *UploadSession) Label() string {
	return s.label
}

// Phase returns the current phase
func (s *UploadSession) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Target returns the resolved target partition; zero until the session starts
func (s *UploadSession) Target() types.PartitionDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// BytesWritten returns the high-water mark of written bytes
func (s *UploadSession) BytesWritten() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesWritten
}

// Err returns the error that failed the session
func (s *UploadSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Push delivers one chunk. The chunk at offset 0 starts the session; later
// chunks must not overlap earlier ones. final finalizes the session.
func (s *UploadSession) Push(offset uint32, data []byte, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseIdle:
		if offset != 0 {
			return s.fail(fmt.Errorf("%w: first chunk at offset %d, expected 0", ErrInvalidParameter, offset))
		}
		if err := s.start(); err != nil {
			return err
		}
	case PhaseWriting:
	default:
		return fmt.Errorf("upload session %s is %s", s.id, s.phase)
	}

	if err := s.write(offset, data); err != nil {
		return err
	}
	if final {
		return s.finalize()
	}
	return nil
}

// Abort fails a session that has not finished, e.g. when the client went away
func (s *UploadSession) Abort(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseComplete || s.phase == PhaseFailed {
		return
	}
	if reason == nil {
		reason = errors.New("aborted")
	}
	s.fail(reason)
}

func (s *UploadSession) start() error {
	u := s.uploader
	if s.label == "" {
		return s.fail(fmt.Errorf("%w: missing partition label", ErrInvalidParameter))
	}

	target, ok := u.dir.FindByLabel(s.label)
	if !ok {
		return s.fail(fmt.Errorf("%w: %q", ErrPartitionNotFound, s.label))
	}
	if u.dir.IsRunning(target) {
		return s.fail(fmt.Errorf("%w: cannot update %q", ErrActiveSlotConflict, target.Label))
	}
	if err := u.acquire(s); err != nil {
		return s.fail(err)
	}

	s.target = target
	s.phase = PhaseWriting

	switch target.Kind {
	case types.KindApplication:
		s.logger.Info("beginning image update", "address", fmt.Sprintf("0x%08X", target.Address), "size", target.Size)
		handle, err := u.images.Begin(target, target.Size)
		if err != nil {
			return s.fail(&WriteError{Op: "begin", Partition: target.Label, Err: err})
		}
		s.handle = handle

	default:
		s.logger.Info("erasing data partition", "address", fmt.Sprintf("0x%08X", target.Address), "size", target.Size)
		if err := u.device.EraseRange(target.Address, target.Size); err != nil {
			return s.fail(&WriteError{Op: "erase", Partition: target.Label, Err: err})
		}
	}
	return nil
}

func (s *UploadSession) write(offset uint32, data []byte) error {
	if offset < s.bytesWritten {
		return s.fail(fmt.Errorf("%w: chunk at offset %d overlaps %d bytes already written", ErrInvalidParameter, offset, s.bytesWritten))
	}

	if s.handle != nil {
		if offset != s.bytesWritten {
			return s.fail(fmt.Errorf("%w: image chunk at offset %d, expected %d", ErrInvalidParameter, offset, s.bytesWritten))
		}
		if err := s.handle.Write(data); err != nil {
			return s.fail(&WriteError{Op: "write", Partition: s.target.Label, Offset: offset, Err: err})
		}
		s.bytesWritten += uint32(len(data))
		return nil
	}

	if uint64(offset)+uint64(len(data)) > uint64(s.target.Size) {
		return s.fail(&WriteError{
			Op:        "write",
			Partition: s.target.Label,
			Offset:    offset,
			Err:       fmt.Errorf("%d bytes exceed the %d byte partition", len(data), s.target.Size),
		})
	}
	if len(data) > 0 {
		if _, err := s.uploader.device.WriteAt(data, int64(s.target.Address)+int64(offset)); err != nil {
			return s.fail(&WriteError{Op: "write", Partition: s.target.Label, Offset: offset, Err: err})
		}
	}
	s.bytesWritten = offset + uint32(len(data))
	return nil
}

func (s *UploadSession) finalize() error {
	s.phase = PhaseFinalizing

	if s.handle != nil {
		if err := s.handle.End(); err != nil {
			return s.fail(&WriteError{Op: "commit", Partition: s.target.Label, Offset: s.bytesWritten, Err: err})
		}
		s.handle = nil
		if err := s.uploader.boot.SetBootPartition(s.target); err != nil {
			return s.fail(err)
		}
		s.uploader.boot.ScheduleRestart()
		s.logger.Info("image update complete, restart scheduled", "bytes", s.bytesWritten)
	} else {
		s.logger.Info("data partition update complete", "bytes", s.bytesWritten)
	}

	s.phase = PhaseComplete
	s.uploader.release(s)
	return nil
}

// fail moves the session to PhaseFailed and releases everything it holds.
// Must be called with mu held.
func (s *UploadSession) fail(err error) error {
	s.phase = PhaseFailed
	s.err = err
	if s.handle != nil {
		s.handle.Abort()
		s.handle = nil
	}
	s.uploader.release(s)
	s.logger.Error("upload failed", "bytes", s.bytesWritten, "error", err)
	return err
}

package services

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pushAll feeds data in chunk sized pieces, marking the last one final
func pushAll(t *testing.T, s *UploadSession, data []byte, chunk int) error {
	t.Helper()
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		if err := s.Push(uint32(off), data[off:end], end == len(data)); err != nil {
			return err
		}
	}
	return nil
}

func TestUploadApplicationImage(t *testing.T) {
	env := newTestEnv(t, newTestFlash(t))
	image := testImage(10000, 0x5A)

	session := env.uploader.NewSession("app1")
	assert.Equal(t, PhaseIdle, session.Phase())
	assert.NotEqual(t, [16]byte{}, [16]byte(session.ID()))

	require.NoError(t, pushAll(t, session, image, 4096))

	assert.Equal(t, PhaseComplete, session.Phase())
	assert.Equal(t, uint32(len(image)), session.BytesWritten())
	assert.Equal(t, "app1", session.Target().Label)
	assert.Equal(t, image, readBack(t, env.flash, app1Addr, len(image)))

	booted, err := env.pointer.BootPartition()
	require.NoError(t, err)
	assert.Equal(t, "app1", booted.Label, "the next boot uses the uploaded slot")
	assert.Equal(t, 1, env.restarter.count())

	_, active := env.uploader.ActiveSession()
	assert.False(t, active, "a completed session releases the writer slot")

	// A finished session accepts nothing more
	assert.Error(t, session.Push(uint32(len(image)), []byte{1}, true))
}

func TestUploadDataPartition(t *testing.T) {
	flash := newTestFlash(t)
	env := newTestEnv(t, flash)
	program(t, flash, spiffsAddr, bytes.Repeat([]byte{0x00}, 0x100))

	session := env.uploader.NewSession("spiffs")
	require.NoError(t, session.Push(0, []byte{1, 2, 3, 4}, false))
	// Data partitions may skip forward
	require.NoError(t, session.Push(0x1000, []byte{5, 6}, true))

	assert.Equal(t, PhaseComplete, session.Phase())
	assert.Equal(t, uint32(0x1002), session.BytesWritten())
	assert.Equal(t, []byte{1, 2, 3, 4, 0xFF, 0xFF}, readBack(t, flash, spiffsAddr, 6), "the partition is erased before writing")
	assert.Equal(t, []byte{5, 6, 0xFF}, readBack(t, flash, spiffsAddr+0x1000, 3))
	assert.Equal(t, 0, env.restarter.count(), "data uploads never restart")

	booted, err := env.pointer.BootPartition()
	require.NoError(t, err)
	assert.Equal(t, "app0", booted.Label)
}

func TestUploadRejections(t *testing.T) {
	tests := []struct {
		name   string
		label  string
		offset uint32
		target error
	}{
		{name: "unknown label", label: "nope", target: ErrPartitionNotFound},
		{name: "missing label", label: "", target: ErrInvalidParameter},
		{name: "running partition", label: "app0", target: ErrActiveSlotConflict},
		{name: "first chunk not at zero", label: "app1", offset: 16, target: ErrInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, newTestFlash(t))
			before := readBack(t, env.flash, app0Addr, 16)

			session := env.uploader.NewSession(tt.label)
			err := session.Push(tt.offset, testImage(16, 1), true)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)
			assert.Equal(t, PhaseFailed, session.Phase())
			assert.Equal(t, err, session.Err())

			_, active := env.uploader.ActiveSession()
			assert.False(t, active)
			assert.Equal(t, before, readBack(t, env.flash, app0Addr, 16), "the running partition is untouched")
		})
	}
}

func TestUploadSingleWriter(t *testing.T) {
	env := newTestEnv(t, newTestFlash(t))

	first := env.uploader.NewSession("app1")
	require.NoError(t, first.Push(0, testImage(4096, 1), false))

	second := env.uploader.NewSession("spiffs")
	err := second.Push(0, []byte{1}, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionActive))
	assert.Equal(t, PhaseFailed, second.Phase())

	// The first session is undisturbed and can finish
	active, ok := env.uploader.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, first.ID(), active.ID())
	require.NoError(t, first.Push(4096, testImage(100, 2)[1:], true))
	assert.Equal(t, PhaseComplete, first.Phase())

	// Once released, a new session can start
	third := env.uploader.NewSession("spiffs")
	require.NoError(t, third.Push(0, []byte{9}, true))
	assert.Equal(t, PhaseComplete, third.Phase())
}

func TestUploadOffsets(t *testing.T) {
	t.Run("overlap", func(t *testing.T) {
		env := newTestEnv(t, newTestFlash(t))
		session := env.uploader.NewSession("spiffs")
		require.NoError(t, session.Push(0, make([]byte, 32), false))

		err := session.Push(16, make([]byte, 16), false)
		assert.True(t, errors.Is(err, ErrInvalidParameter))
		assert.Equal(t, PhaseFailed, session.Phase())
	})

	t.Run("gap in application image", func(t *testing.T) {
		env := newTestEnv(t, newTestFlash(t))
		session := env.uploader.NewSession("app1")
		require.NoError(t, session.Push(0, testImage(32, 1), false))

		err := session.Push(64, make([]byte, 16), false)
		assert.True(t, errors.Is(err, ErrInvalidParameter))
		assert.Equal(t, PhaseFailed, session.Phase())
		_, active := env.uploader.ActiveSession()
		assert.False(t, active)
	})

	t.Run("past the data partition", func(t *testing.T) {
		env := newTestEnv(t, newTestFlash(t))
		nvs := env.partition(t, "nvs")
		session := env.uploader.NewSession("nvs")
		require.NoError(t, session.Push(0, []byte{1}, false))

		err := session.Push(nvs.Size-1, []byte{1, 2}, true)
		var writeErr *WriteError
		require.True(t, errors.As(err, &writeErr))
		assert.Equal(t, "write", writeErr.Op)
		assert.Equal(t, PhaseFailed, session.Phase())
	})

	t.Run("past the image slot", func(t *testing.T) {
		env := newTestEnv(t, newTestFlash(t))
		session := env.uploader.NewSession("app1")
		require.NoError(t, session.Push(0, testImage(16, 1), false))

		err := session.Push(16, make([]byte, appSize), true)
		var writeErr *WriteError
		require.True(t, errors.As(err, &writeErr))
		assert.Equal(t, PhaseFailed, session.Phase())
	})
}

func TestUploadInvalidImageFails(t *testing.T) {
	env := newTestEnv(t, newTestFlash(t))
	image := testImage(64, 3)
	image[0] = 0x00

	session := env.uploader.NewSession("app1")
	err := session.Push(0, image, true)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "commit", writeErr.Op)
	assert.True(t, errors.Is(err, ErrImageInvalid))
	assert.Equal(t, PhaseFailed, session.Phase())
	assert.Equal(t, 0, env.restarter.count())

	booted, err := env.pointer.BootPartition()
	require.NoError(t, err)
	assert.Equal(t, "app0", booted.Label, "a failed image never becomes the boot partition")
}

func TestUploadWriteFailure(t *testing.T) {
	flash := newTestFlash(t)
	faulty := &faultyFlash{Flash: flash, from: app1Addr + 0x2000, to: app1Addr + 0x2001, failWrites: true}
	env := newTestEnv(t, faulty)

	session := env.uploader.NewSession("app1")
	err := pushAll(t, session, testImage(0x3000, 4), 0x1000)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
	assert.Equal(t, uint32(0x2000), writeErr.Offset)
	assert.True(t, errors.Is(err, errInjected))
	assert.Equal(t, PhaseFailed, session.Phase())

	_, active := env.uploader.ActiveSession()
	assert.False(t, active, "a failed session releases the writer slot")
}

func TestUploadEraseFailure(t *testing.T) {
	flash := newTestFlash(t)
	faulty := &faultyFlash{Flash: flash, from: spiffsAddr, to: spiffsAddr + 1, failErase: true}
	env := newTestEnv(t, faulty)

	session := env.uploader.NewSession("spiffs")
	err := session.Push(0, []byte{1}, true)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "erase", writeErr.Op)
	assert.Equal(t, PhaseFailed, session.Phase())
}

func TestUploadActivationFailure(t *testing.T) {
	flash := newTestFlash(t)
	env := newTestEnv(t, flash)
	otaPart := env.partition(t, "otadata")
	// Boot pointer writes fail once the image is committed
	faulty := &faultyFlash{Flash: flash, from: int64(otaPart.Address), to: int64(otaPart.End()), failErase: true}
	env.pointer = NewOTABootPointer(faulty, env.dir, nil)
	env.boot = NewBootSelector(env.dir, env.reader, env.pointer, env.restarter, 0, nil)
	env.uploader = NewUploader(env.dir, flash, env.images, env.boot, nil)

	session := env.uploader.NewSession("app1")
	err := session.Push(0, testImage(128, 5), true)

	var actErr *ActivationError
	require.True(t, errors.As(err, &actErr))
	assert.Equal(t, "app1", actErr.Partition)
	assert.Equal(t, PhaseFailed, session.Phase())
	assert.Equal(t, 0, env.restarter.count())
}

func TestUploadAbort(t *testing.T) {
	env := newTestEnv(t, newTestFlash(t))
	session := env.uploader.NewSession("app1")
	require.NoError(t, session.Push(0, testImage(16, 1), false))

	session.Abort(nil)
	assert.Equal(t, PhaseFailed, session.Phase())
	assert.Error(t, session.Err())
	_, active := env.uploader.ActiveSession()
	assert.False(t, active)

	// Aborting twice keeps the first reason
	first := session.Err()
	session.Abort(errors.New("again"))
	assert.Equal(t, first, session.Err())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "failed", PhaseFailed.String())
	assert.Equal(t, "phase(9)", Phase(9).String())
}

func TestUploaderReserve(t *testing.T) {
	env := newTestEnv(t, newTestFlash(t))

	release, err := env.uploader.Reserve("clone into app1")
	require.NoError(t, err)

	_, err = env.uploader.Reserve("another")
	assert.True(t, errors.Is(err, ErrSessionActive))

	session := env.uploader.NewSession("spiffs")
	err = session.Push(0, []byte{1, 2, 3}, true)
	assert.True(t, errors.Is(err, ErrSessionActive))
	assert.Contains(t, err.Error(), "clone into app1")
	assert.Equal(t, PhaseFailed, session.Phase())

	release()
	release()

	session = env.uploader.NewSession("spiffs")
	require.NoError(t, session.Push(0, []byte{1, 2, 3}, false))

	_, err = env.uploader.Reserve("clone into app1")
	assert.True(t, errors.Is(err, ErrSessionActive), "a writing session holds the slot")
}

func TestUploadInterruptedNeverActivates(t *testing.T) {
	env := newTestEnv(t, newTestFlash(t))
	image := testImage(20000, 4)

	session := env.uploader.NewSession("app1")
	require.NoError(t, session.Push(0, image[:4096], false))
	require.NoError(t, session.Push(4096, image[4096:8192], false))

	session.Abort(io.ErrUnexpectedEOF)
	assert.Equal(t, PhaseFailed, session.Phase())
	assert.True(t, errors.Is(session.Err(), io.ErrUnexpectedEOF))

	err := session.Push(8192, image[8192:], true)
	assert.Error(t, err, "a failed session accepts no more chunks")
	assert.Equal(t, PhaseFailed, session.Phase())

	booted, err := env.pointer.BootPartition()
	require.NoError(t, err)
	assert.Equal(t, "app0", booted.Label)
	assert.Equal(t, 0, env.restarter.count())
	_, active := env.uploader.ActiveSession()
	assert.False(t, active)
}

package services

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deploymenttheory/go-fwdl/internal/device"
	"github.com/deploymenttheory/go-fwdl/internal/interfaces"
	"github.com/deploymenttheory/go-fwdl/internal/parsers/partitiontable"
	"github.com/deploymenttheory/go-fwdl/internal/types"
	"github.com/stretchr/testify/require"
)

const testFlashSize = 4 << 20

// Default layout addresses
const (
	nvsAddr    = 0x9000
	app0Addr   = 0x10000
	app1Addr   = 0x150000
	appSize    = 0x140000
	spiffsAddr = 0x290000
)

// newTestFlash returns an erased 4 MiB memory flash holding the default layout
func newTestFlash(t *testing.T) *device.Flash {
	t.Helper()
	flash := device.NewMemory(testFlashSize)
	layout, err := partitiontable.DefaultLayout(testFlashSize)
	require.NoError(t, err)
	require.NoError(t, partitiontable.Write(flash, types.PartitionTableOffset, layout))
	return flash
}

// testImage builds a firmware image of size bytes: header magic, then a
// pattern derived from seed
func testImage(size int, seed byte) []byte {
	img := make([]byte, size)
	for i := range img {
		img[i] = byte(i*7) ^ seed
	}
	img[0] = types.ImageHeaderMagic
	return img
}

// program writes data at address; the range must be erased
func program(t *testing.T, flash interfaces.FlashDevice, address uint32, data []byte) {
	t.Helper()
	_, err := flash.WriteAt(data, int64(address))
	require.NoError(t, err)
}

// readBack returns length bytes at address
func readBack(t *testing.T, flash interfaces.FlashDevice, address uint32, length int) []byte {
	t.Helper()
	buf := make([]byte, length)
	_, err := flash.ReadAt(buf, int64(address))
	require.NoError(t, err)
	return buf
}

// recordingRestarter records scheduled restarts instead of firing them
type recordingRestarter struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingRestarter) ScheduleRestart(delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, delay)
}

func (r *recordingRestarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delays)
}

// testEnv wires the services over a memory flash the way ServiceFactory does,
// with a recording restarter
type testEnv struct {
	flash     *device.Flash
	dir       *Directory
	reader    *FlashReader
	pointer   *OTABootPointer
	images    *OTAImageWriter
	restarter *recordingRestarter
	boot      *BootSelector
	uploader  *Uploader
	cloner    *SlotCloner
}

// newTestEnv boots the services on flash. With erased otadata the device
// runs app0.
func newTestEnv(t *testing.T, flash interfaces.FlashDevice) *testEnv {
	t.Helper()
	env := &testEnv{restarter: &recordingRestarter{}}
	if f, ok := flash.(*device.Flash); ok {
		env.flash = f
	}

	env.dir = NewDirectory(flash, types.PartitionTableOffset, nil)
	env.reader = NewFlashReader(flash)
	env.pointer = NewOTABootPointer(flash, env.dir, nil)
	env.images = NewOTAImageWriter(flash, nil)
	env.boot = NewBootSelector(env.dir, env.reader, env.pointer, env.restarter, time.Second, nil)
	env.uploader = NewUploader(env.dir, flash, env.images, env.boot, nil)
	env.cloner = NewSlotCloner(env.dir, env.reader, env.images, env.boot, env.uploader, 0x1000, 0, NewWatchdog(), nil)

	require.NoError(t, env.dir.Boot(env.pointer))
	return env
}

func (e *testEnv) partition(t *testing.T, label string) types.PartitionDescriptor {
	t.Helper()
	p, ok := e.dir.FindByLabel(label)
	require.True(t, ok, "partition %q", label)
	return p
}

var errInjected = errors.New("injected flash fault")

// faultyFlash fails reads or writes that touch [from, to)
type faultyFlash struct {
	*device.Flash
	from, to   int64
	failReads  bool
	failWrites bool
	failErase  bool
}

func (f *faultyFlash) hits(off int64, length int) bool {
	return off < f.to && f.from < off+int64(length)
}

func (f *faultyFlash) ReadAt(p []byte, off int64) (int, error) {
	if f.failReads && f.hits(off, len(p)) {
		return 0, errInjected
	}
	return f.Flash.ReadAt(p, off)
}

func (f *faultyFlash) WriteAt(p []byte, off int64) (int, error) {
	if f.failWrites && f.hits(off, len(p)) {
		return 0, errInjected
	}
	return f.Flash.WriteAt(p, off)
}

func (f *faultyFlash) EraseRange(offset, length uint32) error {
	if f.failErase && f.hits(int64(offset), int(length)) {
		return errInjected
	}
	return f.Flash.EraseRange(offset, length)
}

// shortReader returns fewer bytes than asked for without an error
type shortReader struct {
	*device.Flash
}

func (s shortReader) ReadAt(p []byte, off int64) (int, error) {
	if len(p) > 1 {
		return s.Flash.ReadAt(p[:len(p)-1], off)
	}
	return s.Flash.ReadAt(p, off)
}

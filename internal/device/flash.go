package device

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/deploymenttheory/go-fwdl/internal/interfaces"
	"github.com/deploymenttheory/go-fwdl/internal/types"
)

// store is the raw byte backing of a flash device
type store interface {
	io.ReaderAt
	io.WriterAt
}

// Flash emulates a NOR flash chip on top of a file or a memory buffer.
// Erased bytes read 0xFF and a write can only clear bits, so writing
// without erasing first corrupts data the same way real flash does.
type Flash struct {
	mu         sync.Mutex
	store      store
	file       *os.File
	size       uint32
	sectorSize uint32
	readOnly   bool
	path       string
}

// Compile-time check
var _ interfaces.FlashDevice = (*Flash)(nil)

// OpenFile opens an existing flash image file
func OpenFile(path string, readOnly bool) (*Flash, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat flash image: %w", err)
	}

	if stat.Size() == 0 || stat.Size() > int64(^uint32(0)) {
		file.Close()
		return nil, fmt.Errorf("unsupported flash image size: %d bytes", stat.Size())
	}
	if stat.Size()%types.SectorSize != 0 {
		file.Close()
		return nil, fmt.Errorf("flash image size %d is not a multiple of the sector size", stat.Size())
	}

	return &Flash{
		store:      file,
		file:       file,
		size:       uint32(stat.Size()),
		sectorSize: types.SectorSize,
		readOnly:   readOnly,
		path:       path,
	}, nil
}

// CreateFile creates a fully erased flash image file of the given size
func CreateFile(path string, size uint32) (*Flash, error) {
	if size == 0 || size%types.SectorSize != 0 {
		return nil, fmt.Errorf("flash size %d must be a non-zero multiple of %d", size, types.SectorSize)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create flash image: %w", err)
	}

	erased := bytes.Repeat([]byte{types.ErasedByte}, types.SectorSize)
	for off := int64(0); off < int64(size); off += types.SectorSize {
		if _, err := file.WriteAt(erased, off); err != nil {
			file.Close()
			os.Remove(path)
			return nil, fmt.Errorf("failed to initialise flash image: %w", err)
		}
	}

	return &Flash{
		store:      file,
		file:       file,
		size:       size,
		sectorSize: types.SectorSize,
		path:       path,
	}, nil
}

// NewMemory returns an erased in-memory flash device
func NewMemory(size uint32) *Flash {
	return NewMemoryFrom(bytes.Repeat([]byte{types.ErasedByte}, int(size)))
}

// NewMemoryFrom wraps data as a flash device. The slice is used in place.
func NewMemoryFrom(data []byte) *Flash {
	return &Flash{
		store:      memoryStore(data),
		size:       uint32(len(data)),
		sectorSize: types.SectorSize,
		path:       ":memory:",
	}
}

// ReadAt implements io.ReaderAt. Reads must lie entirely inside the device.
func (f *Flash) ReadAt(p []byte, off int64) (int, error) {
	if err := f.checkRange(off, len(p)); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.store.ReadAt(p, off)
	if n == len(p) {
		return n, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, fmt.Errorf("flash read at 0x%08X: %w", off, err)
}

// WriteAt programs p at off. Bits already cleared stay cleared.
func (f *Flash) WriteAt(p []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, fmt.Errorf("flash device %s is read-only", f.path)
	}
	if err := f.checkRange(off, len(p)); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	current := make([]byte, len(p))
	if _, err := f.store.ReadAt(current, off); err != nil && err != io.EOF {
		return 0, fmt.Errorf("flash program read-back at 0x%08X: %w", off, err)
	}
	for i := range current {
		current[i] &= p[i]
	}

	n, err := f.store.WriteAt(current, off)
	if err != nil {
		return n, fmt.Errorf("flash program at 0x%08X: %w", off, err)
	}
	return n, nil
}

// EraseRange erases whole sectors to 0xFF
func (f *Flash) EraseRange(offset, length uint32) error {
	if f.readOnly {
		return fmt.Errorf("flash device %s is read-only", f.path)
	}
	if offset%f.sectorSize != 0 || length%f.sectorSize != 0 {
		return fmt.Errorf("erase range 0x%08X+0x%X is not aligned to 0x%X", offset, length, f.sectorSize)
	}
	if err := f.checkRange(int64(offset), int(length)); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	erased := bytes.Repeat([]byte{types.ErasedByte}, int(f.sectorSize))
	end := uint64(offset) + uint64(length)
	for off := uint64(offset); off < end; off += uint64(f.sectorSize) {
		if _, err := f.store.WriteAt(erased, int64(off)); err != nil {
			return fmt.Errorf("flash erase at 0x%08X: %w", off, err)
		}
	}
	return nil
}

// Size returns the device size in bytes
func (f *Flash) Size() uint32 {
	return f.size
}

// SectorSize returns the erase granularity
func (f *Flash) SectorSize() uint32 {
	return f.sectorSize
}

// Path returns the backing file path, or ":memory:"
func (f *Flash) Path() string {
	return f.path
}

// Sync flushes file-backed devices
func (f *Flash) Sync() error {
	if f.file == nil || f.readOnly {
		return nil
	}
	return f.file.Sync()
}

// Close closes the backing file
func (f *Flash) Close() error {
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

func (f *Flash) checkRange(off int64, length int) error {
	if off < 0 || length < 0 || uint64(off)+uint64(length) > uint64(f.size) {
		return fmt.Errorf("range 0x%X+0x%X is outside the %d byte flash device", off, length, f.size)
	}
	return nil
}

// memoryStore backs in-memory devices
type memoryStore []byte

func (m memoryStore) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m)) {
		return 0, io.EOF
	}
	n := copy(p, m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m memoryStore) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(m)) {
		return 0, io.ErrShortWrite
	}
	return copy(m[off:], p), nil
}

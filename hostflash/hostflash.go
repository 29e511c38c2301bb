//go:build !tinygo

// Package hostflash emulates NOR flash on the host, backed by a file or by
// memory, so the update engine can run without hardware. Erased bytes read
// as 0xff and programming a byte that is not erased is an error.
package hostflash

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"openenterprise/otaflash/flashwrite"
)

// DefaultSize matches a 2MB part.
const DefaultSize = 2 * 1024 * 1024

var (
	ErrWriteRequiresErase = errors.New("hostflash: write requires erase")
	ErrUnaligned          = errors.New("hostflash: write length not a multiple of 4")
	ErrOutOfRange         = errors.New("hostflash: address out of range")
)

type backing interface {
	io.ReaderAt
	io.WriterAt
}

// Flash is an emulated flash chip with flashwrite.SectorSize erase units.
type Flash struct {
	mu      sync.Mutex
	b       backing
	f       *os.File
	size    uint32
	erases  map[uint32]int
	scratch [flashwrite.SectorSize]byte
}

// NewMemory returns an erased in-memory flash of size bytes.
func NewMemory(size uint32) *Flash {
	m := make(memory, size)
	for i := range m {
		m[i] = 0xff
	}
	return newFlash(m, nil, size)
}

// Open returns a flash backed by the file at path, creating it erased with
// size bytes if it does not exist. An existing file keeps its size.
func Open(path string, size uint32) (*Flash, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.Size() > int64(^uint32(0)) {
		_ = f.Close()
		return nil, fmt.Errorf("hostflash: %s: image larger than 4GB", path)
	}
	fl := newFlash(f, f, uint32(st.Size()))
	if st.Size() == 0 {
		if size == 0 || size%flashwrite.SectorSize != 0 {
			_ = f.Close()
			return nil, fmt.Errorf("hostflash: size %d is not a whole number of sectors", size)
		}
		fl.size = size
		for addr := uint32(0); addr < size; addr += flashwrite.SectorSize {
			if err := fl.EraseSector(addr / flashwrite.SectorSize); err != nil {
				_ = f.Close()
				return nil, err
			}
		}
		clear(fl.erases)
	}
	return fl, nil
}

func newFlash(b backing, f *os.File, size uint32) *Flash {
	return &Flash{b: b, f: f, size: size, erases: make(map[uint32]int)}
}

// Close releases the backing file, if any.
func (fl *Flash) Close() error {
	if fl.f == nil {
		return nil
	}
	return fl.f.Close()
}

// Size returns the capacity in bytes.
func (fl *Flash) Size() uint32 { return fl.size }

// EraseSector sets every byte of sector to 0xff.
func (fl *Flash) EraseSector(sector uint32) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	addr := uint64(sector) * flashwrite.SectorSize
	if addr+flashwrite.SectorSize > uint64(fl.size) {
		return fmt.Errorf("%w: sector 0x%x", ErrOutOfRange, sector)
	}
	var erased [flashwrite.SectorSize]byte
	for i := range erased {
		erased[i] = 0xff
	}
	if _, err := fl.b.WriteAt(erased[:], int64(addr)); err != nil {
		return err
	}
	fl.erases[sector]++
	return nil
}

// Write programs p at addr. The target bytes must be erased.
func (fl *Flash) Write(addr uint32, p []byte) error {
	if len(p)%flashwrite.WordSize != 0 {
		return fmt.Errorf("%w: %d bytes", ErrUnaligned, len(p))
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if uint64(addr)+uint64(len(p)) > uint64(fl.size) {
		return fmt.Errorf("%w: 0x%08x+%d", ErrOutOfRange, addr, len(p))
	}
	for off := 0; off < len(p); off += len(fl.scratch) {
		n := min(len(p)-off, len(fl.scratch))
		cur := fl.scratch[:n]
		if _, err := fl.b.ReadAt(cur, int64(addr)+int64(off)); err != nil {
			return err
		}
		for i, b := range cur {
			if b != 0xff {
				return fmt.Errorf("%w: 0x%08x", ErrWriteRequiresErase, addr+uint32(off+i))
			}
		}
	}
	_, err := fl.b.WriteAt(p, int64(addr))
	return err
}

// Read fills p from addr.
func (fl *Flash) Read(addr uint32, p []byte) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if uint64(addr)+uint64(len(p)) > uint64(fl.size) {
		return fmt.Errorf("%w: 0x%08x+%d", ErrOutOfRange, addr, len(p))
	}
	_, err := fl.b.ReadAt(p, int64(addr))
	return err
}

// EraseCount returns how many times sector has been erased.
func (fl *Flash) EraseCount(sector uint32) int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.erases[sector]
}

// memory is a fixed-size in-memory backing store.
type memory []byte

func (m memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m)) {
		return 0, ErrOutOfRange
	}
	n := copy(p, m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, ErrOutOfRange
	}
	return copy(m[off:], p), nil
}

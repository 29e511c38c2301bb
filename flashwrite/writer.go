// Package flashwrite buffers firmware bytes into word-aligned writes to raw
// flash, erasing each sector once, immediately before the first write that
// lands in it.
//
// Write alone leaves the last len%4 bytes of an image unwritten; Flush pads
// them with 0xff, so a flushed image occupies its length rounded up to a word.
package flashwrite

import (
	"errors"
	"fmt"
)

const (
	SectorSize = 0x1000 // 4KB erase unit
	WordSize   = 4      // program length must be a multiple of this

	// NoSector marks that nothing has been erased yet.
	NoSector = ^uint32(0)
)

var (
	ErrWriteTooLarge = errors.New("flashwrite: write spans more than one sector")
	ErrEraseFailed   = errors.New("flashwrite: sector erase failed")
	ErrWriteFailed   = errors.New("flashwrite: flash write failed")
)

// Device is raw flash storage. Write requires len(p)%WordSize == 0 and a
// target range that has been erased.
type Device interface {
	EraseSector(sector uint32) error
	Write(addr uint32, p []byte) error
	Read(addr uint32, p []byte) error
}

// Writer streams chunks of arbitrary length into a Device starting at a
// fixed address. The zero value is not usable; call Init first.
type Writer struct {
	dev         Device
	cursor      uint32
	startSector uint32
	lastErased  uint32
	nresidual   int
	written     uint32
	// buf holds the residual of the previous call followed by the new chunk.
	buf [SectorSize + WordSize - 1]byte
}

// Init resets w to write into dev from start.
func (w *Writer) Init(dev Device, start uint32) {
	w.dev = dev
	w.cursor = start
	w.startSector = start / SectorSize
	w.lastErased = NoSector
	w.nresidual = 0
	w.written = 0
}

// Write appends chunk to the flash image. Bytes that do not fill a whole
// word are held back and written with the next call. A failed Write leaves
// the writer in an undefined position and the session must be abandoned.
func (w *Writer) Write(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	total := w.nresidual + len(chunk)
	usable := total - total%WordSize
	if total > len(w.buf) || usable > SectorSize {
		return fmt.Errorf("%w: %d bytes at 0x%08x", ErrWriteTooLarge, total, w.cursor)
	}
	copy(w.buf[w.nresidual:], chunk)

	if usable > 0 {
		if err := w.program(w.buf[:usable]); err != nil {
			return err
		}
	}

	// Keep the tail for the next call.
	w.nresidual = copy(w.buf[:], w.buf[usable:total])
	return nil
}

// Flush pads any residual bytes with 0xff to a full word and writes them.
func (w *Writer) Flush() error {
	if w.nresidual == 0 {
		return nil
	}
	for i := w.nresidual; i < WordSize; i++ {
		w.buf[i] = 0xff
	}
	if err := w.program(w.buf[:WordSize]); err != nil {
		return err
	}
	w.nresidual = 0
	return nil
}

// program erases the sectors p lands in that have not been erased yet and
// writes p at the cursor.
func (w *Writer) program(p []byte) error {
	first := w.cursor / SectorSize
	last := (w.cursor + uint32(len(p)) - 1) / SectorSize
	for sector := first; sector <= last; sector++ {
		if w.lastErased != NoSector && sector <= w.lastErased {
			continue
		}
		if err := w.dev.EraseSector(sector); err != nil {
			return fmt.Errorf("%w: sector 0x%x: %w", ErrEraseFailed, sector, err)
		}
		w.lastErased = sector
	}
	if err := w.dev.Write(w.cursor, p); err != nil {
		return fmt.Errorf("%w: 0x%08x+%d: %w", ErrWriteFailed, w.cursor, len(p), err)
	}
	w.cursor += uint32(len(p))
	w.written += uint32(len(p))
	return nil
}

// Cursor returns the next flash address to be written.
func (w *Writer) Cursor() uint32 { return w.cursor }

// StartSector returns the sector the image starts in.
func (w *Writer) StartSector() uint32 { return w.startSector }

// LastErased returns the last erased sector or NoSector.
func (w *Writer) LastErased() uint32 { return w.lastErased }

// Written returns the number of bytes physically written since Init.
func (w *Writer) Written() uint32 { return w.written }

// Residual returns the bytes held back for the next Write. The slice aliases
// internal storage and is only valid until the next call.
func (w *Writer) Residual() []byte { return w.buf[:w.nresidual] }

// Package flashcrc checksums a region of flash so a flashed image can be
// compared against the file it came from.
package flashcrc

import (
	"fmt"
	"hash/crc32"
)

// BlockSize is the read unit.
const BlockSize = 1024

// Reader is the read side of a flash device.
type Reader interface {
	Read(addr uint32, p []byte) error
}

// Checksum returns the IEEE CRC-32 of length bytes of flash starting at
// start. length is rounded up to a whole number of blocks; the returned end
// is the last address covered.
func Checksum(r Reader, start, length uint32) (sum, end uint32, err error) {
	var block [BlockSize]byte
	n := (length + BlockSize - 1) / BlockSize
	for i := uint32(0); i < n; i++ {
		addr := start + i*BlockSize
		if err := r.Read(addr, block[:]); err != nil {
			return 0, 0, fmt.Errorf("flashcrc: read 0x%08x: %w", addr, err)
		}
		sum = crc32.Update(sum, crc32.IEEETable, block[:])
	}
	return sum, start + n*BlockSize - 1, nil
}

// Report formats a checksum the way the console prints it.
func Report(start, end, sum uint32) string {
	return fmt.Sprintf("crc of 0x%x to 0x%x = 0x%x", start, end, sum)
}

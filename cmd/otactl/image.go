package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

const (
	uf2BlockSize  = 512
	uf2MaxPayload = 476
	uf2Magic1     = 0x0A324655 // "UF2\n"
	uf2Magic2     = 0x9E5D5157
	uf2Magic3     = 0x0AB16F30
	maxImageSize  = 4 * 1024 * 1024
)

var errNotUF2 = errors.New("not a UF2 file")

// loadImage reads a firmware image. UF2 containers are unpacked to the raw
// bytes they would place in flash; anything else is served as is.
func loadImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !isUF2(data) {
		if len(data) > maxImageSize {
			return nil, fmt.Errorf("%s: image too large: %d bytes", path, len(data))
		}
		return data, nil
	}
	return extractUF2(data)
}

func isUF2(data []byte) bool {
	return len(data) >= uf2BlockSize &&
		binary.LittleEndian.Uint32(data[0:4]) == uf2Magic1 &&
		binary.LittleEndian.Uint32(data[4:8]) == uf2Magic2
}

// extractUF2 returns the flash contents described by a UF2 file, from its
// lowest to its highest target address. Gaps are filled with 0xff.
func extractUF2(data []byte) ([]byte, error) {
	if len(data) < uf2BlockSize {
		return nil, fmt.Errorf("%w: %d bytes", errNotUF2, len(data))
	}
	if len(data)%uf2BlockSize != 0 {
		return nil, fmt.Errorf("%w: size not a multiple of %d", errNotUF2, uf2BlockSize)
	}
	n := len(data) / uf2BlockSize

	var lo, hi uint64 = 1 << 32, 0
	for i := 0; i < n; i++ {
		block := data[i*uf2BlockSize : (i+1)*uf2BlockSize]
		if binary.LittleEndian.Uint32(block[0:4]) != uf2Magic1 ||
			binary.LittleEndian.Uint32(block[4:8]) != uf2Magic2 ||
			binary.LittleEndian.Uint32(block[508:512]) != uf2Magic3 {
			return nil, fmt.Errorf("%w: block %d: bad magic", errNotUF2, i)
		}
		addr, size := uf2Target(block)
		lo = min(lo, uint64(addr))
		hi = max(hi, uint64(addr)+uint64(size))
	}
	if hi-lo > maxImageSize {
		return nil, fmt.Errorf("extracted image too large: %d bytes", hi-lo)
	}

	out := make([]byte, hi-lo)
	for i := range out {
		out[i] = 0xff
	}
	for i := 0; i < n; i++ {
		block := data[i*uf2BlockSize : (i+1)*uf2BlockSize]
		addr, size := uf2Target(block)
		off := uint64(addr) - lo
		copy(out[off:off+uint64(size)], block[32:32+size])
	}
	return out, nil
}

func uf2Target(block []byte) (addr, size uint32) {
	addr = binary.LittleEndian.Uint32(block[12:16])
	size = min(binary.LittleEndian.Uint32(block[16:20]), uf2MaxPayload)
	return addr, size
}

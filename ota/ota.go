//go:build tinygo

// Package ota drives the RP2350's on-chip QSPI flash through the boot ROM so
// downloaded images can be written to a raw flash slot, and reboots the chip.
package ota

/*
#include <stdint.h>
#include <stdbool.h>
#include <stddef.h>

#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))

#define ROM_FUNC_CONNECT_INTERNAL_FLASH ROM_TABLE_CODE('I', 'F')
#define ROM_FUNC_FLASH_EXIT_XIP         ROM_TABLE_CODE('E', 'X')
#define ROM_FUNC_FLASH_RANGE_ERASE      ROM_TABLE_CODE('R', 'E')
#define ROM_FUNC_FLASH_RANGE_PROGRAM    ROM_TABLE_CODE('R', 'P')
#define ROM_FUNC_FLASH_FLUSH_CACHE      ROM_TABLE_CODE('F', 'C')

#define BOOTROM_TABLE_LOOKUP_OFFSET 0x16
#define RT_FLAG_FUNC_ARM_SEC        0x0004

#define FLASH_SECTOR_SIZE      4096
#define FLASH_SECTOR_ERASE_CMD 0x20

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);
typedef void (*flash_connect_internal_fn)(void);
typedef void (*flash_exit_xip_fn)(void);
typedef void (*flash_range_erase_fn)(uint32_t addr, size_t count, uint32_t block_size, uint8_t block_cmd);
typedef void (*flash_range_program_fn)(uint32_t addr, const uint8_t *data, size_t count);
typedef void (*flash_flush_cache_fn)(void);

// TinyGo runs in Secure state.
__attribute__((always_inline))
static void *rom_func(uint32_t code) {
    rom_table_lookup_fn lookup =
        (rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
    return lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

typedef struct {
    flash_connect_internal_fn connect;
    flash_exit_xip_fn exit_xip;
    flash_range_erase_fn erase;
    flash_range_program_fn program;
    flash_flush_cache_fn flush;
} flash_rom;

static bool flash_rom_load(flash_rom *r) {
    r->connect = (flash_connect_internal_fn)rom_func(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    r->exit_xip = (flash_exit_xip_fn)rom_func(ROM_FUNC_FLASH_EXIT_XIP);
    r->erase = (flash_range_erase_fn)rom_func(ROM_FUNC_FLASH_RANGE_ERASE);
    r->program = (flash_range_program_fn)rom_func(ROM_FUNC_FLASH_RANGE_PROGRAM);
    r->flush = (flash_flush_cache_fn)rom_func(ROM_FUNC_FLASH_FLUSH_CACHE);
    return r->connect && r->exit_xip && r->erase && r->program && r->flush;
}

// Returns 0 on success. Interrupts are masked while XIP is down.
static int ota_flash_program(uint32_t offset, const uint8_t *data, uint32_t len) {
    flash_rom r;
    if (!flash_rom_load(&r)) return -1;
    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");
    r.connect();
    r.exit_xip();
    r.program(offset, data, len);
    r.flush();
    __asm__ volatile ("msr primask, %0" : : "r" (status));
    return 0;
}

static int ota_flash_erase_sector(uint32_t offset) {
    flash_rom r;
    if (!flash_rom_load(&r)) return -1;
    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");
    r.connect();
    r.exit_xip();
    r.erase(offset, FLASH_SECTOR_SIZE, FLASH_SECTOR_SIZE, FLASH_SECTOR_ERASE_CMD);
    r.flush();
    __asm__ volatile ("msr primask, %0" : : "r" (status));
    return 0;
}

// Watchdog CTRL.TRIGGER forces an immediate reset.
static void ota_reboot(void) {
    *(volatile uint32_t*)0x400d8000 = (1u << 31);
    while(1) { __asm__("nop"); }
}
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"

	"openenterprise/otaflash/flashwrite"
)

const (
	// XIPBase is where flash is memory mapped for reads.
	XIPBase = 0x10000000
	// Size of the Pico 2 W flash part.
	Size = 4 * 1024 * 1024
)

var (
	ErrROMLookup  = errors.New("ota: boot rom flash function missing")
	ErrProtected  = errors.New("ota: address inside running firmware")
	ErrOutOfRange = errors.New("ota: address beyond end of flash")
)

// Flash is the on-chip flash as a flashwrite.Device. Erasing or writing
// below Base is refused so an update can never overwrite the image that is
// running.
type Flash struct {
	Base uint32
}

func (f Flash) check(addr, n uint32) error {
	if addr < f.Base {
		return fmt.Errorf("%w: 0x%08x", ErrProtected, addr)
	}
	if uint64(addr)+uint64(n) > Size {
		return fmt.Errorf("%w: 0x%08x+%d", ErrOutOfRange, addr, n)
	}
	return nil
}

// EraseSector erases one 4KB sector.
func (f Flash) EraseSector(sector uint32) error {
	addr := sector * flashwrite.SectorSize
	if err := f.check(addr, flashwrite.SectorSize); err != nil {
		return err
	}
	if C.ota_flash_erase_sector(C.uint32_t(addr)) != 0 {
		return ErrROMLookup
	}
	return nil
}

// Write programs p at the raw flash offset addr.
func (f Flash) Write(addr uint32, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if err := f.check(addr, uint32(len(p))); err != nil {
		return err
	}
	if C.ota_flash_program(C.uint32_t(addr), (*C.uint8_t)(&p[0]), C.uint32_t(len(p))) != 0 {
		return ErrROMLookup
	}
	return nil
}

// Read copies flash at addr into p through the XIP window.
func (f Flash) Read(addr uint32, p []byte) error {
	if uint64(addr)+uint64(len(p)) > Size {
		return fmt.Errorf("%w: 0x%08x+%d", ErrOutOfRange, addr, len(p))
	}
	if len(p) == 0 {
		return nil
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(XIPBase+addr))), len(p))
	copy(p, src)
	return nil
}

// shutdown is called before reboot to stop the radio cleanly.
var shutdown func()

// SetShutdown registers fn to run before Reboot resets the chip.
func SetShutdown(fn func()) {
	shutdown = fn
}

// Reboot resets the chip. It does not return.
func Reboot() {
	if shutdown != nil {
		shutdown()
	}
	C.ota_reboot()
}

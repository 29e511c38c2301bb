//go:build !tinygo

package main

import (
	"fmt"
	"os"
)

// The firmware only runs on the board; the host build exists for tests and
// vet.
func main() {
	fmt.Fprintln(os.Stderr, "otaflash: firmware image, build with: tinygo build -target=pico2-w -scheduler=tasks")
	os.Exit(2)
}

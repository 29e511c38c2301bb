package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"openenterprise/otaflash/config"
	"openenterprise/otaflash/flashcrc"
)

// erasedImage reads a file as if it were programmed into erased flash:
// bytes past its end read as 0xff.
type erasedImage []byte

func (img erasedImage) Read(addr uint32, p []byte) error {
	n := 0
	if uint64(addr) < uint64(len(img)) {
		n = copy(p, img[addr:])
	}
	for i := n; i < len(p); i++ {
		p[i] = 0xff
	}
	return nil
}

// imageChecksum returns what the device's crc command reports for image
// programmed at base, reading length bytes from offset within it.
func imageChecksum(image []byte, base, offset, length uint32) string {
	sum, end, _ := flashcrc.Checksum(erasedImage(image), offset, length)
	return flashcrc.Report(base+offset, base+end, sum)
}

func newCRCCmd() *cobra.Command {
	var offset, length uint32
	cmd := &cobra.Command{
		Use:   "crc <image>",
		Short: "Checksum an image the way the device crc command does",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := loadImage(args[0])
			if err != nil {
				return err
			}
			if length == 0 {
				return fmt.Errorf("crc: --length must be positive")
			}
			fmt.Fprintln(cmd.OutOrStdout(), imageChecksum(image, cfg.FlashAddr, offset, length))
			return nil
		},
	}
	f := cmd.Flags()
	f.Uint32Var(&offset, "offset", 0, "offset into the image")
	f.Uint32Var(&length, "length", config.CRCLength, "bytes to checksum, rounded up to whole blocks")
	f.Uint32Var(&cfg.FlashAddr, "flash-addr", cfg.FlashAddr, "flash address the image is written to")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"openenterprise/otaflash/flashcrc"
	"openenterprise/otaflash/hostflash"
	"openenterprise/otaflash/otanet"
	"openenterprise/otaflash/update"
)

// simResult is what one emulated update did.
type simResult struct {
	ok       bool
	err      error
	received uint32
	sum      uint32
	end      uint32
}

// runSimulate downloads from c.Host:c.Port into the flash image at
// c.FlashFile using the same engine the device runs. When c.Image is set
// the image is served in-process first. A cancelled ctx aborts the update.
func runSimulate(ctx context.Context, c Config, progress io.Writer) (simResult, error) {
	var res simResult
	if c.Image != "" {
		image, err := loadImage(c.Image)
		if err != nil {
			return res, err
		}
		addr, stop, err := listenImage(ctx, "127.0.0.1:0", newImageServer(c.Path, image, c.Chunk, c.Rate, logger))
		if err != nil {
			return res, err
		}
		defer stop()
		host, port, _ := net.SplitHostPort(addr.String())
		p, _ := strconv.ParseUint(port, 10, 16)
		c.Host, c.Port = host, uint16(p)
	}

	fl, err := hostflash.Open(c.FlashFile, c.FlashSize)
	if err != nil {
		return res, err
	}
	defer fl.Close()
	if c.FlashAddr >= fl.Size() {
		return res, fmt.Errorf("flash address 0x%x beyond %s (%d bytes)", c.FlashAddr, c.FlashFile, fl.Size())
	}

	var (
		mu  sync.Mutex
		bar *pb.ProgressBar
	)
	onProgress := func(received, declared uint32) {
		mu.Lock()
		defer mu.Unlock()
		res.received = received
		if progress == nil {
			return
		}
		if bar == nil {
			bar = pb.New64(int64(declared)).Set(pb.Bytes, true).SetWriter(progress).Start()
		}
		bar.SetCurrent(int64(received))
	}

	ctrl, err := update.NewController(update.Config{
		Host:      c.Host,
		Port:      c.Port,
		Path:      c.Path,
		FlashAddr: c.FlashAddr,
		Timeout:   c.Timeout,
		Flash:     fl,
		Transport: otanet.NewNet(c.Timeout, logger),
		Logger:    logger,
		Progress:  onProgress,
	})
	if err != nil {
		return res, err
	}

	done := make(chan bool, 1)
	if err := ctrl.Start(func(ok bool) { done <- ok }); err != nil {
		return res, err
	}
	select {
	case res.ok = <-done:
	case <-ctx.Done():
		ctrl.Abort()
		res.ok = <-done
	}
	mu.Lock()
	if bar != nil {
		bar.Finish()
	}
	mu.Unlock()

	res.err = ctrl.LastError()
	if !res.ok || res.received == 0 {
		return res, nil
	}
	length := min(res.received, fl.Size()-c.FlashAddr)
	res.sum, res.end, err = flashcrc.Checksum(fl, c.FlashAddr, length)
	if err != nil {
		// the block-rounded tail can run off the end of the image
		res.sum, res.end, err = flashcrc.Checksum(fl, c.FlashAddr, length/flashcrc.BlockSize*flashcrc.BlockSize)
	}
	return res, err
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an update against an emulated flash image",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			var progress io.Writer
			if term.IsTerminal(int(os.Stderr.Fd())) {
				progress = os.Stderr
			}
			out := cmd.OutOrStdout()
			res, err := runSimulate(ctx, cfg, progress)
			if err != nil {
				return err
			}
			if !res.ok {
				printError(out, "Flash failed!")
				if res.err != nil {
					printDetail(out, "reason", res.err.Error())
				}
				return fmt.Errorf("update failed")
			}
			printSuccess(out, "File flashed")
			printDetail(out, "image", cfg.FlashFile)
			printDetail(out, "address", hexAddr(cfg.FlashAddr))
			printDetail(out, "received", fmt.Sprintf("%d bytes", res.received))
			if res.received > 0 {
				printDetail(out, "check", flashcrc.Report(cfg.FlashAddr, res.end, res.sum))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Host, "host", cfg.Host, "image server host")
	f.Uint16Var(&cfg.Port, "port", cfg.Port, "image server port")
	f.StringVar(&cfg.Path, "path", cfg.Path, "URL path of the image")
	f.StringVar(&cfg.Image, "image", cfg.Image, "serve this image in-process instead of using --host")
	f.IntVar(&cfg.Rate, "rate", cfg.Rate, "throttle the in-process server to this many bytes per second")
	f.IntVar(&cfg.Chunk, "chunk", cfg.Chunk, "bytes per write of the in-process server")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "connect and receive timeout")
	flashFlags(cmd)
	return cmd
}

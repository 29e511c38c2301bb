//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"io"
	"log/slog"
	"machine"
	"time"

	"openenterprise/otaflash/config"
	"openenterprise/otaflash/console"
	"openenterprise/otaflash/credentials"
	"openenterprise/otaflash/ota"
	"openenterprise/otaflash/otanet"
	"openenterprise/otaflash/update"
	"openenterprise/otaflash/version"

	"github.com/soypat/lneto/x/xnet"
)

// serialPort reads the USB serial console, feeding the watchdog while idle.
type serialPort struct{}

func (serialPort) Read(p []byte) (int, error) {
	for machine.Serial.Buffered() == 0 {
		machine.Watchdog.Update()
		time.Sleep(10 * time.Millisecond)
	}
	n := 0
	for n < len(p) && machine.Serial.Buffered() > 0 {
		b, err := machine.Serial.ReadByte()
		if err != nil {
			break
		}
		p[n] = b
		n++
	}
	return n, nil
}

func main() {
	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("\r\n\r\notaflash", version.Version, version.GitSHA, version.BuildDate, version.BuildMarker)
	println("type \"help\" and press <enter> for help...")

	history := console.NewHistory(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	logger := slog.New(history)
	// The cywnet library logs "packet dropped" at ERROR level which is normal for WiFi
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12),
	}))

	machine.Watchdog.Configure(machine.WatchdogConfig{
		TimeoutMillis: 8000,
	})
	machine.Watchdog.Start()

	flash := ota.Flash{Base: config.FlashAddr}
	w := &wifi{log: logger, netLog: netLogger}
	a := newApp(w, flash, machine.Serial, ota.Reboot, logger)
	a.history = history
	shell := console.NewShell(logger, a.commands()...)

	w.onUp = func(stack *xnet.StackAsync) {
		host, port := config.OTATarget()
		ctrl, err := update.NewController(update.Config{
			Host:      host,
			Port:      port,
			Path:      config.OTAPath(),
			FlashAddr: config.FlashAddr,
			Timeout:   config.NetworkTimeout,
			Flash:     flash,
			Transport: otanet.NewStack(stack, config.NetworkTimeout, logger),
			Logger:    logger,
		})
		if err != nil {
			logger.Error("ota:init-failed", slog.String("err", err.Error()))
			return
		}
		a.setUpdater(ctrl)
		if pw := credentials.ConsolePassword(); pw != "" {
			go telnetServer(stack, shell, console.NewGuard(pw), logger)
		}
		go mqttLoop(stack, a, logger)
	}
	go func() {
		if err := w.Connect(); err != nil {
			logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		}
	}()

	var out io.Writer = machine.Serial
	for {
		shell.Serve(serialPort{}, out, "> ")
	}
}

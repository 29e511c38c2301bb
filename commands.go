package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"openenterprise/otaflash/config"
	"openenterprise/otaflash/console"
	"openenterprise/otaflash/flashcrc"
)

// network is the Wi-Fi link as the console sees it.
type network interface {
	// Connect brings the link up, or renews the lease if it is up.
	Connect() error
	Addr() (netip.Addr, bool)
	Status() string
}

// updater starts firmware updates.
type updater interface {
	Start(done func(ok bool)) error
	Active() bool
}

// app holds what the console commands act on.
type app struct {
	net    network
	flash  flashcrc.Reader
	reboot func()
	// out receives messages produced after a command returned, such as
	// the outcome of an update.
	out io.Writer
	log *slog.Logger

	// spawn runs background work; tests run it inline.
	spawn      func(func())
	sleep      func(time.Duration)
	maxRetries int

	// history backs the log command when set.
	history *console.History

	mu  sync.Mutex
	upd updater
}

func newApp(net network, flash flashcrc.Reader, out io.Writer, reboot func(), logger *slog.Logger) *app {
	return &app{
		net:        net,
		flash:      flash,
		reboot:     reboot,
		out:        out,
		log:        logger,
		spawn:      func(f func()) { go f() },
		sleep:      time.Sleep,
		maxRetries: 30,
	}
}

// setUpdater makes flash available once the network stack exists.
func (a *app) setUpdater(u updater) {
	a.mu.Lock()
	a.upd = u
	a.mu.Unlock()
}

func (a *app) updater() updater {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.upd
}

func (a *app) commands() []console.Command {
	cmds := []console.Command{
		{Name: "ip", Help: "show current ip address", Run: a.showIP},
		{Name: "connect", Help: "connect to wifi", Run: a.connect},
		{Name: "restart", Help: "restart the device", Run: a.restart},
		{Name: "flash", Help: "perform a flash and reboot", Run: a.flashImage},
		{Name: "crc", Help: "calculate crc for flash area", Run: a.checksum},
	}
	if a.history != nil {
		cmds = append(cmds, console.Command{Name: "log", Help: "show recent log lines", Run: a.showLog})
	}
	return cmds
}

func (a *app) showLog(w io.Writer) {
	if a.history.Dump(w) == 0 {
		io.WriteString(w, "log empty\r\n")
	}
}

func (a *app) showIP(w io.Writer) {
	if addr, ok := a.net.Addr(); ok {
		fmt.Fprintf(w, "ip: %s\r\n", addr)
		return
	}
	fmt.Fprintf(w, "network status: %s\r\n", a.net.Status())
}

// connect brings Wi-Fi up in the background and reports the address once
// one is assigned, checking every config.WifiRetryInterval.
func (a *app) connect(w io.Writer) {
	io.WriteString(w, "Connecting to wifi...\r\n")
	a.spawn(func() {
		if err := a.net.Connect(); err != nil {
			a.log.Error("wifi:connect-failed", slog.String("err", err.Error()))
			fmt.Fprintf(a.out, "wifi connect failed: %v\r\n", err)
			return
		}
		for i := 0; i < a.maxRetries; i++ {
			if addr, ok := a.net.Addr(); ok {
				a.log.Info("wifi:connected", slog.String("addr", addr.String()))
				a.showIP(a.out)
				return
			}
			a.sleep(config.WifiRetryInterval)
		}
		a.showIP(a.out)
	})
}

func (a *app) restart(w io.Writer) {
	io.WriteString(w, "Restarting...\r\n\r\n")
	a.reboot()
}

func (a *app) flashImage(w io.Writer) {
	u := a.updater()
	if u == nil {
		io.WriteString(w, "Flash start failed!\r\n\r\n")
		return
	}
	if err := u.Start(a.flashDone); err != nil {
		a.log.Error("ota:start-failed", slog.String("err", err.Error()))
		io.WriteString(w, "Flash start failed!\r\n\r\n")
		return
	}
	io.WriteString(w, "Downloading and flashing...\r\n")
}

func (a *app) flashDone(ok bool) {
	if !ok {
		io.WriteString(a.out, "Flash failed!\r\n")
		return
	}
	io.WriteString(a.out, "File flashed, restarting to ensure clean rom cache...\r\n")
	a.reboot()
}

func (a *app) checksum(w io.Writer) {
	sum, end, err := flashcrc.Checksum(a.flash, config.FlashAddr, config.CRCLength)
	if err != nil {
		fmt.Fprintf(w, "crc failed: %v\r\n", err)
		return
	}
	io.WriteString(w, flashcrc.Report(config.FlashAddr, end, sum)+"\r\n")
}

// onTrigger handles a payload from the MQTT update topic.
func (a *app) onTrigger(payload []byte) bool {
	if !bytes.Equal(bytes.TrimSpace(payload), []byte("flash")) {
		return false
	}
	u := a.updater()
	if u == nil || u.Active() {
		return false
	}
	a.log.Info("mqtt:update-requested")
	a.flashImage(a.out)
	return true
}

package main

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"openenterprise/otaflash/config"
	"openenterprise/otaflash/console"
	"openenterprise/otaflash/hostflash"
)

type fakeNet struct {
	connectErr error
	addr       netip.Addr
	upAfter    int // Addr calls before the address appears
	calls      int
	connects   int
}

func (n *fakeNet) Connect() error {
	n.connects++
	return n.connectErr
}

func (n *fakeNet) Addr() (netip.Addr, bool) {
	n.calls++
	if n.calls <= n.upAfter || !n.addr.IsValid() {
		return netip.Addr{}, false
	}
	return n.addr, true
}

func (n *fakeNet) Status() string { return "connecting" }

type fakeUpdater struct {
	startErr error
	active   bool
	done     func(bool)
	starts   int
}

func (u *fakeUpdater) Start(done func(bool)) error {
	u.starts++
	if u.startErr != nil {
		return u.startErr
	}
	u.done = done
	u.active = true
	return nil
}

func (u *fakeUpdater) Active() bool { return u.active }

type testApp struct {
	*app
	out     bytes.Buffer
	reboots int
	sleeps  []time.Duration
	shell   *console.Shell
	net     *fakeNet
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	ta := &testApp{net: &fakeNet{}}
	flash := hostflash.NewMemory(config.FlashAddr + config.CRCLength)
	ta.app = newApp(ta.net, flash, &ta.out, func() { ta.reboots++ }, slog.New(slog.DiscardHandler))
	ta.app.spawn = func(f func()) { f() }
	ta.app.sleep = func(d time.Duration) { ta.sleeps = append(ta.sleeps, d) }
	ta.shell = console.NewShell(nil, ta.app.commands()...)
	return ta
}

func (ta *testApp) run(line string) string {
	var w bytes.Buffer
	ta.shell.Exec(&w, []byte(line))
	return w.String()
}

func TestIP(t *testing.T) {
	ta := newTestApp(t)
	if got := ta.run("ip"); got != "network status: connecting\r\n" {
		t.Errorf("ip before connect = %q", got)
	}
	ta.net.addr = netip.MustParseAddr("192.168.7.20")
	if got := ta.run("ip"); got != "ip: 192.168.7.20\r\n" {
		t.Errorf("ip = %q", got)
	}
}

func TestConnectPollsForAddress(t *testing.T) {
	ta := newTestApp(t)
	ta.net.addr = netip.MustParseAddr("10.1.1.5")
	ta.net.upAfter = 2

	if got := ta.run("connect"); got != "Connecting to wifi...\r\n" {
		t.Errorf("connect = %q", got)
	}
	if ta.net.connects != 1 {
		t.Errorf("connects = %d", ta.net.connects)
	}
	if len(ta.sleeps) != 2 || ta.sleeps[0] != config.WifiRetryInterval {
		t.Errorf("sleeps = %v, want 2 x %v", ta.sleeps, config.WifiRetryInterval)
	}
	if ta.out.String() != "ip: 10.1.1.5\r\n" {
		t.Errorf("async output = %q", ta.out.String())
	}
}

func TestConnectError(t *testing.T) {
	ta := newTestApp(t)
	ta.net.connectErr = errors.New("join failed")
	ta.run("connect")
	if !strings.Contains(ta.out.String(), "join failed") {
		t.Errorf("output = %q", ta.out.String())
	}
}

func TestRestart(t *testing.T) {
	ta := newTestApp(t)
	if got := ta.run("restart"); got != "Restarting...\r\n\r\n" {
		t.Errorf("restart = %q", got)
	}
	if ta.reboots != 1 {
		t.Errorf("reboots = %d", ta.reboots)
	}
}

func TestFlash(t *testing.T) {
	ta := newTestApp(t)
	if got := ta.run("flash"); got != "Flash start failed!\r\n\r\n" {
		t.Errorf("flash without network = %q", got)
	}

	u := &fakeUpdater{}
	ta.setUpdater(u)
	if got := ta.run("flash"); got != "Downloading and flashing...\r\n" {
		t.Errorf("flash = %q", got)
	}
	u.done(false)
	if ta.out.String() != "Flash failed!\r\n" || ta.reboots != 0 {
		t.Errorf("failure output = %q reboots = %d", ta.out.String(), ta.reboots)
	}

	ta.out.Reset()
	ta.run("flash")
	u.done(true)
	if ta.out.String() != "File flashed, restarting to ensure clean rom cache...\r\n" {
		t.Errorf("success output = %q", ta.out.String())
	}
	if ta.reboots != 1 {
		t.Errorf("reboots = %d, want 1", ta.reboots)
	}
}

func TestFlashStartRefused(t *testing.T) {
	ta := newTestApp(t)
	ta.setUpdater(&fakeUpdater{startErr: errors.New("busy")})
	if got := ta.run("flash"); got != "Flash start failed!\r\n\r\n" {
		t.Errorf("flash = %q", got)
	}
}

func TestCRC(t *testing.T) {
	ta := newTestApp(t)
	erased := bytes.Repeat([]byte{0xff}, config.CRCLength)
	want := fmt.Sprintf("crc of 0x100000 to 0x13ffff = 0x%x\r\n", crc32.ChecksumIEEE(erased))
	if got := ta.run("crc"); got != want {
		t.Errorf("crc = %q, want %q", got, want)
	}
}

func TestUnknownCommandIgnored(t *testing.T) {
	ta := newTestApp(t)
	if got := ta.run("format"); got != "" {
		t.Errorf("unknown command output = %q", got)
	}
}

func TestTrigger(t *testing.T) {
	ta := newTestApp(t)
	if ta.onTrigger([]byte("flash")) {
		t.Error("trigger started without an updater")
	}
	u := &fakeUpdater{}
	ta.setUpdater(u)
	if ta.onTrigger([]byte("idle")) {
		t.Error("non-flash payload started an update")
	}
	if !ta.onTrigger([]byte("flash\n")) || u.starts != 1 {
		t.Errorf("flash payload: starts = %d", u.starts)
	}
	if ta.onTrigger([]byte("flash")) || u.starts != 1 {
		t.Errorf("trigger while active: starts = %d", u.starts)
	}
}

func TestLog(t *testing.T) {
	ta := newTestApp(t)
	if got := ta.run("log"); got != "" {
		t.Errorf("log without history = %q", got)
	}

	ta.history = console.NewHistory(slog.DiscardHandler)
	ta.shell = console.NewShell(nil, ta.app.commands()...)
	if got := ta.run("log"); got != "log empty\r\n" {
		t.Errorf("empty log = %q", got)
	}
	slog.New(ta.history).Error("ota:failed", slog.Uint64("received", 1000))
	if got := ta.run("log"); got != "E ota:failed received=1000\r\n" {
		t.Errorf("log = %q", got)
	}
}

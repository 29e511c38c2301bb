//go:build tinygo

package main

import (
	"errors"
	"log/slog"
	"machine"
	"net/netip"
	"sync"
	"time"

	"openenterprise/otaflash/credentials"
	"openenterprise/otaflash/ota"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
	"github.com/soypat/lneto/x/xnet"
)

const pollTime = 5 * time.Millisecond

var requestedIP = [4]byte{192, 168, 7, 20}

var errConnecting = errors.New("wifi: connect already in progress")

// wifi owns the CYW43439 radio and its lneto stack.
type wifi struct {
	log    *slog.Logger
	netLog *slog.Logger
	// onUp runs once, the first time an address is assigned.
	onUp func(*xnet.StackAsync)

	mu         sync.Mutex
	cy         *cywnet.Stack
	addr       netip.Addr
	status     string
	connecting bool
	started    bool
}

func (w *wifi) setStatus(s string) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// Connect joins the configured network and runs DHCP. It is a no-op once
// an address has been assigned.
func (w *wifi) Connect() error {
	w.mu.Lock()
	if w.connecting {
		w.mu.Unlock()
		return errConnecting
	}
	if w.addr.IsValid() {
		w.mu.Unlock()
		return nil
	}
	w.connecting = true
	cy := w.cy
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.connecting = false
		w.mu.Unlock()
	}()

	if cy == nil {
		w.setStatus("joining")
		devcfg := cyw43439.DefaultWifiConfig()
		devcfg.Logger = w.netLog
		var err error
		cy, err = cywnet.NewConfiguredPicoWithStack(
			credentials.SSID(),
			credentials.Password(),
			devcfg,
			cywnet.StackConfig{
				Hostname:    "otaflash",
				MaxTCPPorts: 4, // two update links + console + MQTT
			},
		)
		if err != nil {
			w.setStatus("join failed")
			return err
		}
		w.mu.Lock()
		w.cy = cy
		w.mu.Unlock()
		ota.SetShutdown(func() {
			w.log.Info("wifi:shutdown")
			time.Sleep(100 * time.Millisecond) // let pending packets drain
		})
		go loopForeverStack(cy)
	}

	w.setStatus("dhcp")
	res, err := cy.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		w.setStatus("dhcp failed")
		return err
	}
	w.log.Info("dhcp:complete", slog.String("addr", res.AssignedAddr.String()))

	w.mu.Lock()
	w.addr = res.AssignedAddr
	w.status = "up"
	first := !w.started
	w.started = true
	w.mu.Unlock()
	if first && w.onUp != nil {
		w.onUp(cy.LnetoStack())
	}
	return nil
}

func (w *wifi) Addr() (netip.Addr, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addr, w.addr.IsValid()
}

func (w *wifi) Status() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == "" {
		return "idle"
	}
	return w.status
}

// loopForeverStack processes network packets in the background
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		count++
		if count >= 100 {
			machine.Watchdog.Update()
			count = 0
		}
	}
}

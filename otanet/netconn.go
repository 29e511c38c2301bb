//go:build !tinygo

package otanet

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"openenterprise/otaflash/update"
)

// Net is an update.Transport over the host network stack. Each connection
// is served by its own reader goroutine.
type Net struct {
	Timeout time.Duration
	// Resolver defaults to net.DefaultResolver.
	Resolver *net.Resolver
	Logger   *slog.Logger

	mu    sync.Mutex
	links map[update.Token]*netLink
}

type netLink struct {
	cancel context.CancelFunc
	conn   net.Conn
	closed bool
}

// NewNet returns a host transport with the given connect and lookup
// timeout.
func NewNet(timeout time.Duration, logger *slog.Logger) *Net {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Net{Timeout: timeout, Logger: logger, links: make(map[update.Token]*netLink)}
}

func (t *Net) timeout() time.Duration {
	if t.Timeout <= 0 {
		return update.DefaultTimeout
	}
	return t.Timeout
}

// Resolve implements update.Transport. Literal addresses are answered
// immediately; names are looked up in the background.
func (t *Net) Resolve(tok update.Token, host string, ev update.Events) (netip.Addr, bool, error) {
	if host == "" {
		return netip.Addr{}, false, ErrNoHost
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, false, nil
	}
	r := t.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout())
		defer cancel()
		addrs, err := r.LookupNetIP(ctx, "ip", host)
		if err == nil && len(addrs) == 0 {
			err = ErrNoAddress
		}
		if err != nil {
			ev.Resolved(tok, netip.Addr{}, err)
			return
		}
		t.Logger.Debug("net:resolved", slog.String("host", host), slog.String("addr", addrs[0].String()))
		ev.Resolved(tok, addrs[0].Unmap(), nil)
	}()
	return netip.Addr{}, true, nil
}

// Dial implements update.Transport.
func (t *Net) Dial(tok update.Token, addr netip.AddrPort, ev update.Events) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout())
	l := &netLink{cancel: cancel}
	t.mu.Lock()
	if _, ok := t.links[tok]; ok {
		t.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %d", ErrTokenInUse, tok)
	}
	t.links[tok] = l
	t.mu.Unlock()

	go func() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr.String())
		cancel()
		t.mu.Lock()
		if l.closed {
			t.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			delete(t.links, tok)
			t.mu.Unlock()
			ev.ConnError(tok, err)
			return
		}
		l.conn = conn
		t.mu.Unlock()

		ev.Connected(tok)
		t.read(tok, l, conn, ev)
	}()
	return nil
}

func (t *Net) read(tok update.Token, l *netLink, conn net.Conn, ev update.Events) {
	var buf [RxChunk]byte
	for {
		n, err := conn.Read(buf[:])
		if n > 0 {
			ev.Received(tok, buf[:n])
		}
		if err == nil {
			continue
		}
		t.mu.Lock()
		local := l.closed
		delete(t.links, tok)
		t.mu.Unlock()
		conn.Close()
		if !local {
			t.Logger.Debug("net:closed", slog.Uint64("session", uint64(tok)), slog.String("err", err.Error()))
			ev.Disconnected(tok)
		}
		return
	}
}

// Send implements update.Transport.
func (t *Net) Send(tok update.Token, p []byte) error {
	t.mu.Lock()
	l, ok := t.links[tok]
	var conn net.Conn
	if ok && !l.closed {
		conn = l.conn
	}
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: %d", ErrNotConnected, tok)
	}
	_, err := conn.Write(p)
	return err
}

// Disconnect implements update.Transport. It cancels a dial in progress.
func (t *Net) Disconnect(tok update.Token) {
	t.mu.Lock()
	l, ok := t.links[tok]
	if !ok || l.closed {
		t.mu.Unlock()
		return
	}
	l.closed = true
	delete(t.links, tok)
	conn := l.conn
	t.mu.Unlock()
	l.cancel()
	if conn != nil {
		conn.Close()
	}
}

//go:build tinygo

package otanet

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"openenterprise/otaflash/update"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	dialRetries   = 3
	lookupRetries = 3
	tcpBufSize    = 2030 // MTU - ethhdr - iphdr - tcphdr
)

// Stack is an update.Transport over an lneto stack. It keeps two
// connections so a new session can dial while the previous one is still
// closing.
type Stack struct {
	stack   *xnet.StackAsync
	timeout time.Duration
	log     *slog.Logger

	mu    sync.Mutex
	links [2]stackLink
}

type stackLink struct {
	tok    update.Token
	inUse  bool
	closed bool
	conn   tcp.Conn
	rxBuf  [tcpBufSize]byte
	txBuf  [tcpBufSize]byte
	raddr  netip.AddrPort
}

// NewStack returns a transport that dials through stack.
func NewStack(stack *xnet.StackAsync, timeout time.Duration, logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Stack{stack: stack, timeout: timeout, log: logger}
}

// Resolve implements update.Transport.
func (s *Stack) Resolve(tok update.Token, host string, ev update.Events) (netip.Addr, bool, error) {
	if host == "" {
		return netip.Addr{}, false, ErrNoHost
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, false, nil
	}
	go func() {
		rstack := s.stack.StackRetrying(5 * time.Millisecond)
		addrs, err := rstack.DoLookupIP(host, s.timeout, lookupRetries)
		if err == nil && len(addrs) == 0 {
			err = ErrNoAddress
		}
		if err != nil {
			ev.Resolved(tok, netip.Addr{}, err)
			return
		}
		ev.Resolved(tok, addrs[0], nil)
	}()
	return netip.Addr{}, true, nil
}

// Dial implements update.Transport.
func (s *Stack) Dial(tok update.Token, addr netip.AddrPort, ev update.Events) error {
	s.mu.Lock()
	var l *stackLink
	for i := range s.links {
		if !s.links[i].inUse {
			l = &s.links[i]
			break
		}
	}
	if l == nil {
		s.mu.Unlock()
		return ErrNoLink
	}
	l.tok = tok
	l.inUse = true
	l.closed = false
	l.raddr = addr
	err := l.conn.Configure(tcp.ConnConfig{
		RxBuf:             l.rxBuf[:],
		TxBuf:             l.txBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		l.inUse = false
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	go s.run(l, tok, addr, ev)
	return nil
}

func (s *Stack) run(l *stackLink, tok update.Token, addr netip.AddrPort, ev update.Events) {
	defer s.release(l)

	rstack := s.stack.StackRetrying(5 * time.Millisecond)
	lport := uint16(s.stack.Prand32()>>17) + 1024
	s.log.Debug("net:dialing", slog.String("addr", addr.String()), slog.Uint64("localport", uint64(lport)))
	err := rstack.DoDialTCP(&l.conn, lport, addr, s.timeout, dialRetries)
	if s.isClosed(l) {
		return
	}
	if err != nil {
		ev.ConnError(tok, err)
		return
	}
	ev.Connected(tok)

	var buf [RxChunk]byte
	for {
		if s.isClosed(l) {
			return
		}
		state := l.conn.State()
		if state.IsClosed() || state.IsClosing() || !state.RxDataOpen() {
			break
		}
		n, err := l.conn.Read(buf[:])
		if n > 0 {
			ev.Received(tok, buf[:n])
			continue
		}
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !s.isClosed(l) {
		ev.Disconnected(tok)
	}
}

func (s *Stack) isClosed(l *stackLink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.closed
}

// release closes the connection and frees the link for reuse.
func (s *Stack) release(l *stackLink) {
	l.conn.Close()
	for i := 0; i < 50 && !l.conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	l.conn.Abort()
	s.stack.DiscardResolveHardwareAddress6(l.raddr.Addr())

	s.mu.Lock()
	l.inUse = false
	l.closed = true
	l.tok = 0
	s.mu.Unlock()
}

func (s *Stack) find(tok update.Token) *stackLink {
	for i := range s.links {
		if s.links[i].inUse && s.links[i].tok == tok {
			return &s.links[i]
		}
	}
	return nil
}

// Send implements update.Transport.
func (s *Stack) Send(tok update.Token, p []byte) error {
	s.mu.Lock()
	l := s.find(tok)
	if l == nil || l.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.mu.Unlock()
	l.conn.SetDeadline(time.Now().Add(s.timeout))
	if _, err := l.conn.Write(p); err != nil {
		return err
	}
	return l.conn.Flush()
}

// Disconnect implements update.Transport. The reader goroutine notices and
// releases the link without reporting Disconnected.
func (s *Stack) Disconnect(tok update.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.find(tok); l != nil {
		l.closed = true
	}
}

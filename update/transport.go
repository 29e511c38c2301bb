package update

import (
	"net/netip"
	"time"
)

// Token identifies the connection of one update session. Every
// notification a Transport delivers carries the Token it was given, so a
// late notification for a finished session can be told apart from one for
// the live session. Zero is never issued.
type Token uint32

// Transport is the network side of an update. Implementations deliver
// results asynchronously through the Events passed to Resolve and Dial,
// from any goroutine, and may also call them synchronously.
type Transport interface {
	// Resolve looks up host. When the answer is known immediately (cached or
	// a literal address) it returns it with pending false; otherwise it
	// returns pending true and reports through ev.Resolved later.
	Resolve(tok Token, host string, ev Events) (addr netip.Addr, pending bool, err error)
	// Dial opens a TCP connection and reports ev.Connected or ev.ConnError.
	// Data arrives through ev.Received; the end of the stream or a remote
	// close is reported through ev.Disconnected.
	Dial(tok Token, addr netip.AddrPort, ev Events) error
	Send(tok Token, p []byte) error
	// Disconnect closes the connection for tok. It must tolerate tokens
	// that are already closed.
	Disconnect(tok Token)
}

// Events receives transport notifications. Controller implements it.
type Events interface {
	Resolved(tok Token, addr netip.Addr, err error)
	Connected(tok Token)
	// Received delivers a chunk; data is only valid during the call.
	Received(tok Token, data []byte)
	Disconnected(tok Token)
	ConnError(tok Token, err error)
}

// Clock schedules the watchdog.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled call that can be cancelled.
type Timer interface {
	Stop() bool
}

// SystemClock is a Clock backed by time.AfterFunc.
type SystemClock struct{}

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

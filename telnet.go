//go:build tinygo

package main

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"openenterprise/otaflash/console"
	"openenterprise/otaflash/version"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	telnetPort    = uint16(23)
	telnetBufSize = 1024
	authTimeout   = 10 * time.Second
)

var (
	telnetRxBuf [telnetBufSize]byte
	telnetTxBuf [telnetBufSize]byte
)

// Telnet protocol bytes for echo control
var (
	telnetWillEcho = []byte{0xFF, 0xFB, 0x01} // IAC WILL ECHO - server handles echo (client stops)
	telnetWontEcho = []byte{0xFF, 0xFC, 0x01} // IAC WONT ECHO - server stops echo (client resumes)
)

// telnetConn adapts a tcp.Conn to the blocking io.ReadWriter the shell
// expects.
type telnetConn struct {
	conn *tcp.Conn
}

func (t telnetConn) Read(p []byte) (int, error) {
	for {
		st := t.conn.State()
		if st.IsClosed() || st.IsClosing() || !st.RxDataOpen() {
			return 0, io.EOF
		}
		n, err := t.conn.Read(p)
		if n > 0 {
			return n, nil
		}
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (t telnetConn) Write(p []byte) (int, error) {
	n, err := t.conn.Write(p)
	t.conn.Flush()
	return n, err
}

// telnetServer serves the command shell on port 23 to one client at a
// time, after a password check.
func telnetServer(stack *xnet.StackAsync, shell *console.Shell, guard *console.Guard, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:panic-recovered")
		}
	}()

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             telnetRxBuf[:],
		TxBuf:             telnetTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		logger.Error("console:configure-failed", slog.String("err", err.Error()))
		return
	}
	logger.Info("console:listening", slog.String("addr", netip.AddrPortFrom(stack.Addr(), telnetPort).String()))

	for {
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		if locked, remaining := guard.Locked(); locked {
			logger.Info("console:lockout", slog.Int("failures", guard.Failures()), slog.Duration("remaining", remaining))
			time.Sleep(time.Second)
			continue
		}

		if err := stack.ListenTCP(&conn, telnetPort); err != nil {
			logger.Error("console:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}
		for wait := 0; conn.State().IsPreestablished() && wait < 6000; wait++ {
			time.Sleep(10 * time.Millisecond)
		}
		if !conn.State().IsSynchronized() {
			continue
		}
		logger.Info("console:connected")

		tc := telnetConn{conn: &conn}
		if !authenticate(tc, guard) {
			logger.Info("console:auth-failed", slog.Int("failures", guard.Failures()))
			closeTelnet(&conn)
			continue
		}

		io.WriteString(tc, "otaflash "+version.Version+" ("+version.BuildMarker+")\r\ntype \"help\" for commands\r\n> ")
		shell.Serve(tc, tc, "> ")
		closeTelnet(&conn)
		logger.Info("console:disconnected")
	}
}

// authenticate reads one password line with echo suppressed.
func authenticate(tc telnetConn, guard *console.Guard) bool {
	tc.Write(telnetWillEcho)
	io.WriteString(tc, "Password: ")
	defer func() {
		tc.Write(telnetWontEcho)
		io.WriteString(tc, "\r\n")
	}()

	var line console.Line
	var buf [64]byte
	deadline := time.Now().Add(authTimeout)
	for time.Now().Before(deadline) {
		st := tc.conn.State()
		if st.IsClosed() || st.IsClosing() || !st.RxDataOpen() {
			break
		}
		n, _ := tc.conn.Read(buf[:])
		if n == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		for _, b := range buf[:n] {
			if pw, done := line.Feed(b); done {
				return guard.Check(pw)
			}
		}
	}
	guard.Fail()
	return false
}

func closeTelnet(conn *tcp.Conn) { closeTCP(conn, 30) }

// closeTCP closes conn, waits up to tries*100ms for the close handshake
// and then aborts whatever is left.
func closeTCP(conn *tcp.Conn, tries int) {
	conn.Close()
	for i := 0; i < tries && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()
}

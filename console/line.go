// Package console is the command line shared by the serial port and the
// telnet listener: a byte-at-a-time line editor, a command table and the
// password lockout used by the network side.
package console

// MaxLine is the longest command accepted, excluding the terminator.
const MaxLine = 126

const (
	iac       = 0xff
	backspace = 0x08
	del       = 0x7f
)

// Line assembles command lines from a byte stream. It accepts CR, LF or
// CRLF as the terminator, honours backspace and DEL, drops telnet IAC
// sequences and ignores other control bytes.
type Line struct {
	buf      [MaxLine]byte
	n        int
	skipIAC  int
	lastCR   bool
	overflow bool
}

// Feed consumes b. It returns a completed line, which aliases internal
// storage and is valid until the next Feed, and reports whether one ended
// at b. Lines longer than MaxLine are discarded and reported through
// Overflowed.
func (l *Line) Feed(b byte) (line []byte, done bool) {
	if l.skipIAC > 0 {
		l.skipIAC--
		return nil, false
	}
	wasCR := l.lastCR
	l.lastCR = b == '\r'
	switch {
	case b == iac:
		// Command plus option byte.
		l.skipIAC = 2
	case b == '\n' && wasCR:
		// Second half of CRLF.
	case b == '\r' || b == '\n':
		line = l.buf[:l.n]
		l.n = 0
		if l.overflow {
			l.overflow = false
			return nil, false
		}
		return line, true
	case b == backspace || b == del:
		if l.n > 0 {
			l.n--
		}
	case b >= 32 && b < 127:
		if l.n == len(l.buf) {
			l.overflow = true
			return nil, false
		}
		l.buf[l.n] = b
		l.n++
	}
	return nil, false
}

// Overflowed reports whether the line being typed has exceeded MaxLine and
// will be dropped.
func (l *Line) Overflowed() bool { return l.overflow }

// Reset discards any partial line.
func (l *Line) Reset() {
	*l = Line{}
}

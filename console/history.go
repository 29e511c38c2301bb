package console

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
)

const (
	// HistoryLines is how many log lines the console keeps.
	HistoryLines = 32
	historyWidth = 96
)

type historyRing struct {
	mu    sync.Mutex
	lines [HistoryLines][historyWidth]byte
	lens  [HistoryLines]uint8
	next  int
	count int
}

// History is a slog.Handler that passes records to another handler and
// keeps a compact copy of the last HistoryLines records at Info and above
// for the log command.
type History struct {
	inner slog.Handler
	ring  *historyRing
	attrs []slog.Attr
	group string
}

func NewHistory(inner slog.Handler) *History {
	return &History{inner: inner, ring: new(historyRing)}
}

func (h *History) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo || h.inner.Enabled(ctx, level)
}

func (h *History) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.inner.Enabled(ctx, r.Level) {
		err = h.inner.Handle(ctx, r)
	}
	if r.Level >= slog.LevelInfo {
		h.record(r)
	}
	return err
}

func (h *History) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &History{
		inner: h.inner.WithAttrs(attrs),
		ring:  h.ring,
		attrs: append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...),
		group: h.group,
	}
}

func (h *History) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &History{inner: h.inner.WithGroup(name), ring: h.ring, attrs: h.attrs, group: group}
}

// record formats r as "L group:msg k=v ..." truncated to historyWidth.
func (h *History) record(r slog.Record) {
	var scratch [2 * historyWidth]byte
	b := append(scratch[:0], levelLetter(r.Level), ' ')
	if h.group != "" {
		b = append(b, h.group...)
		b = append(b, ':')
	}
	b = append(b, r.Message...)
	add := func(a slog.Attr) bool {
		if len(b) >= historyWidth {
			return false
		}
		b = append(b, ' ')
		b = append(b, a.Key...)
		b = append(b, '=')
		b = appendValue(b, a.Value)
		return true
	}
	for _, a := range h.attrs {
		if !add(a) {
			break
		}
	}
	r.Attrs(add)

	ring := h.ring
	ring.mu.Lock()
	n := copy(ring.lines[ring.next][:], b)
	ring.lens[ring.next] = uint8(n)
	ring.next = (ring.next + 1) % HistoryLines
	ring.count = min(ring.count+1, HistoryLines)
	ring.mu.Unlock()
}

// Dump writes the kept lines to w, oldest first, and returns how many.
func (h *History) Dump(w io.Writer) int {
	ring := h.ring
	ring.mu.Lock()
	defer ring.mu.Unlock()
	start := (ring.next - ring.count + HistoryLines) % HistoryLines
	for i := 0; i < ring.count; i++ {
		j := (start + i) % HistoryLines
		w.Write(ring.lines[j][:ring.lens[j]])
		io.WriteString(w, "\r\n")
	}
	return ring.count
}

func levelLetter(l slog.Level) byte {
	switch {
	case l >= slog.LevelError:
		return 'E'
	case l >= slog.LevelWarn:
		return 'W'
	case l >= slog.LevelInfo:
		return 'I'
	}
	return 'D'
}

func appendValue(b []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return append(b, v.String()...)
	case slog.KindInt64:
		return strconv.AppendInt(b, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(b, v.Uint64(), 10)
	case slog.KindBool:
		return strconv.AppendBool(b, v.Bool())
	case slog.KindDuration:
		return append(b, v.Duration().String()...)
	}
	return append(b, v.String()...)
}

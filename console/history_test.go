package console

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestHistoryRecordsInfoAndAbove(t *testing.T) {
	var serial bytes.Buffer
	h := NewHistory(slog.NewTextHandler(&serial, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := slog.New(h)

	logger.Debug("ota:stale-event", slog.Uint64("session", 1))
	logger.Info("ota:start", slog.Uint64("session", 2), slog.String("host", "192.168.7.5"))
	logger.With(slog.Int("port", 80)).Warn("ota:abort", slog.Duration("after", 3*time.Second))
	logger.WithGroup("net").Error("dial", slog.Bool("retry", false))

	var out bytes.Buffer
	if n := h.Dump(&out); n != 3 {
		t.Fatalf("Dump = %d lines, want 3", n)
	}
	want := "I ota:start session=2 host=192.168.7.5\r\n" +
		"W ota:abort port=80 after=3s\r\n" +
		"E net:dial retry=false\r\n"
	if out.String() != want {
		t.Errorf("Dump =\n%q\nwant\n%q", out.String(), want)
	}
	if !strings.Contains(serial.String(), "ota:stale-event") {
		t.Error("debug record not passed to the inner handler")
	}
}

func TestHistoryKeepsNewest(t *testing.T) {
	h := NewHistory(slog.DiscardHandler)
	logger := slog.New(h)
	for i := 0; i < HistoryLines+8; i++ {
		logger.Info(fmt.Sprintf("line-%d", i))
	}
	var out bytes.Buffer
	if n := h.Dump(&out); n != HistoryLines {
		t.Fatalf("Dump = %d lines, want %d", n, HistoryLines)
	}
	lines := strings.Split(strings.TrimSuffix(out.String(), "\r\n"), "\r\n")
	if lines[0] != "I line-8" {
		t.Errorf("oldest = %q, want I line-8", lines[0])
	}
	if last := lines[len(lines)-1]; last != fmt.Sprintf("I line-%d", HistoryLines+7) {
		t.Errorf("newest = %q", last)
	}
}

func TestHistoryTruncates(t *testing.T) {
	h := NewHistory(slog.DiscardHandler)
	slog.New(h).Info(strings.Repeat("x", 200))
	var out bytes.Buffer
	h.Dump(&out)
	if got := len(strings.TrimSuffix(out.String(), "\r\n")); got != historyWidth {
		t.Errorf("line length = %d, want %d", got, historyWidth)
	}
}

package update

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"openenterprise/otaflash/flashwrite"
	"openenterprise/otaflash/hostflash"
	"openenterprise/otaflash/otahttp"
)

const (
	testFlashAddr = 0x10000
	testFlashSize = 0x20000
)

var testServer = netip.MustParseAddr("192.168.7.5")

type fakeTimer struct {
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

// fakeClock never fires on its own; tests fire timers explicitly.
type fakeClock struct {
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() int {
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fireLatest runs the most recently armed timer that is still pending.
func (c *fakeClock) fireLatest(t *testing.T) {
	t.Helper()
	for i := len(c.timers) - 1; i >= 0; i-- {
		tm := c.timers[i]
		if !tm.stopped && !tm.fired {
			tm.fired = true
			tm.f()
			return
		}
	}
	t.Fatal("no pending timer")
}

type fakeTransport struct {
	pending    bool
	resolveErr error
	dialErr    error
	sendErr    error
	// onResolve runs inside Resolve before it returns.
	onResolve func()

	resolves    []Token
	dials       []netip.AddrPort
	dialTokens  []Token
	sent        [][]byte
	disconnects []Token
}

func (tr *fakeTransport) Resolve(tok Token, host string, ev Events) (netip.Addr, bool, error) {
	tr.resolves = append(tr.resolves, tok)
	if tr.onResolve != nil {
		tr.onResolve()
	}
	if tr.resolveErr != nil {
		return netip.Addr{}, false, tr.resolveErr
	}
	if tr.pending {
		return netip.Addr{}, true, nil
	}
	return testServer, false, nil
}

func (tr *fakeTransport) Dial(tok Token, addr netip.AddrPort, ev Events) error {
	tr.dials = append(tr.dials, addr)
	tr.dialTokens = append(tr.dialTokens, tok)
	return tr.dialErr
}

func (tr *fakeTransport) Send(tok Token, p []byte) error {
	tr.sent = append(tr.sent, append([]byte(nil), p...))
	return tr.sendErr
}

func (tr *fakeTransport) Disconnect(tok Token) {
	tr.disconnects = append(tr.disconnects, tok)
}

// outcome records completion callbacks.
type outcome struct {
	calls []bool
}

func (o *outcome) done(ok bool) { o.calls = append(o.calls, ok) }

type harness struct {
	c     *Controller
	tr    *fakeTransport
	clock *fakeClock
	flash *hostflash.Flash
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tr:    &fakeTransport{},
		clock: &fakeClock{},
		flash: hostflash.NewMemory(testFlashSize),
	}
	c, err := NewController(Config{
		Host:      "192.168.7.5",
		Path:      "/file.bin",
		FlashAddr: testFlashAddr,
		Flash:     h.flash,
		Transport: h.tr,
		Clock:     h.clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.c = c
	return h
}

// connect starts a session and drives it to AwaitingFirstChunk.
func (h *harness) connect(t *testing.T, o *outcome) Token {
	t.Helper()
	if err := h.c.Start(o.done); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(h.tr.dialTokens) == 0 {
		t.Fatal("no dial")
	}
	tok := h.tr.dialTokens[len(h.tr.dialTokens)-1]
	h.c.Connected(tok)
	if got := h.c.State(); got != AwaitingFirstChunk {
		t.Fatalf("state = %v, want %v", got, AwaitingFirstChunk)
	}
	return tok
}

func image(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func response(contentLength int, body []byte) []byte {
	head := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n", contentLength)
	return append([]byte(head), body...)
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from State
		ev   event
		to   State
		ok   bool
	}{
		{Idle, evStart, ResolvingName, true},
		{Idle, evChunk, Idle, false},
		{ResolvingName, evResolved, Connecting, true},
		{ResolvingName, evResolveFailed, Failed, true},
		{ResolvingName, evTimeout, ResolvingName, false},
		{ResolvingName, evAbort, Failed, true},
		{Connecting, evConnected, AwaitingFirstChunk, true},
		{Connecting, evTimeout, Failed, true},
		{Connecting, evDisconnect, Failed, true},
		{Connecting, evHead, Connecting, false},
		{AwaitingFirstChunk, evHead, ReceivingBody, true},
		{AwaitingFirstChunk, evFail, Failed, true},
		{AwaitingFirstChunk, evComplete, AwaitingFirstChunk, false},
		{ReceivingBody, evChunk, ReceivingBody, true},
		{ReceivingBody, evComplete, Succeeded, true},
		{ReceivingBody, evNetError, Failed, true},
		{Succeeded, evTeardown, TornDown, true},
		{Succeeded, evDisconnect, Succeeded, false},
		{Failed, evTeardown, TornDown, true},
		{Failed, evFail, Failed, false},
		{TornDown, evTeardown, TornDown, false},
		{TornDown, evDisconnect, TornDown, false},
	}
	for _, tc := range tests {
		got, ok := transition(tc.from, tc.ev)
		if got != tc.to || ok != tc.ok {
			t.Errorf("transition(%v, %d) = %v, %v, want %v, %v", tc.from, tc.ev, got, ok, tc.to, tc.ok)
		}
	}
}

func TestNewControllerRequiresFlashAndTransport(t *testing.T) {
	if _, err := NewController(Config{Transport: &fakeTransport{}}); !errors.Is(err, ErrConfig) {
		t.Errorf("missing flash err = %v, want ErrConfig", err)
	}
	if _, err := NewController(Config{Flash: hostflash.NewMemory(flashwrite.SectorSize)}); !errors.Is(err, ErrConfig) {
		t.Errorf("missing transport err = %v, want ErrConfig", err)
	}
}

func TestStartRequiresCallback(t *testing.T) {
	h := newHarness(t)
	if err := h.c.Start(nil); !errors.Is(err, ErrNoCallback) {
		t.Errorf("err = %v, want ErrNoCallback", err)
	}
	if h.c.Active() {
		t.Error("session started without a callback")
	}
}

func TestSuccessfulUpdate(t *testing.T) {
	h := newHarness(t)
	var o outcome
	tok := h.connect(t, &o)

	if len(h.tr.dials) != 1 || h.tr.dials[0] != netip.AddrPortFrom(testServer, 80) {
		t.Fatalf("dials = %v", h.tr.dials)
	}
	if len(h.tr.sent) != 1 || !bytes.Equal(h.tr.sent[0], otahttp.BuildRequest("192.168.7.5", "/file.bin")) {
		t.Fatalf("sent = %q", h.tr.sent)
	}

	img := image(1000)
	h.c.Received(tok, response(len(img), img[:300]))
	if got := h.c.State(); got != ReceivingBody {
		t.Fatalf("state = %v, want %v", got, ReceivingBody)
	}
	h.c.Received(tok, img[300:701])
	h.c.Received(tok, img[701:])

	if len(o.calls) != 1 || !o.calls[0] {
		t.Fatalf("callbacks = %v, want [true]", o.calls)
	}
	if h.c.Active() {
		t.Error("session still active after success")
	}
	if err := h.c.LastError(); err != nil {
		t.Errorf("LastError = %v, want nil", err)
	}
	if len(h.tr.disconnects) != 1 || h.tr.disconnects[0] != tok {
		t.Errorf("disconnects = %v, want [%d]", h.tr.disconnects, tok)
	}
	if h.clock.pending() != 0 {
		t.Errorf("%d timers still pending", h.clock.pending())
	}

	got := make([]byte, len(img))
	if err := h.flash.Read(testFlashAddr, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, img) {
		t.Error("flash contents differ from image")
	}
	if n := h.flash.EraseCount(testFlashAddr / flashwrite.SectorSize); n != 1 {
		t.Errorf("sector erased %d times, want 1", n)
	}

	// The server closing after the image is complete changes nothing.
	h.c.Disconnected(tok)
	if len(o.calls) != 1 {
		t.Errorf("late disconnect produced callback: %v", o.calls)
	}
	if len(h.tr.disconnects) != 1 {
		t.Errorf("late disconnect closed again: %v", h.tr.disconnects)
	}
}

func TestOddLengthImageIsPadded(t *testing.T) {
	h := newHarness(t)
	var o outcome
	tok := h.connect(t, &o)

	img := image(1001)
	h.c.Received(tok, response(len(img), img[:501]))
	h.c.Received(tok, img[501:])

	if len(o.calls) != 1 || !o.calls[0] {
		t.Fatalf("callbacks = %v, want [true]", o.calls)
	}
	got := make([]byte, 1004)
	if err := h.flash.Read(testFlashAddr, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:1001], img) {
		t.Error("flash contents differ from image")
	}
	if !bytes.Equal(got[1001:], []byte{0xff, 0xff, 0xff}) {
		t.Errorf("padding = %x, want ffffff", got[1001:])
	}
}

func TestEmptyImageSucceeds(t *testing.T) {
	h := newHarness(t)
	var o outcome
	tok := h.connect(t, &o)
	h.c.Received(tok, response(0, nil))
	if len(o.calls) != 1 || !o.calls[0] {
		t.Fatalf("callbacks = %v, want [true]", o.calls)
	}
	if n := h.flash.EraseCount(testFlashAddr / flashwrite.SectorSize); n != 0 {
		t.Errorf("empty image erased %d sectors", n)
	}
}

func TestNotFoundFailsWithoutWriting(t *testing.T) {
	h := newHarness(t)
	var o outcome
	tok := h.connect(t, &o)

	h.c.Received(tok, []byte("HTTP/1.1 404 Not Found\r\nContent-Length: 9\r\n\r\nnot found"))

	if len(o.calls) != 1 || o.calls[0] {
		t.Fatalf("callbacks = %v, want [false]", o.calls)
	}
	err := h.c.LastError()
	if !errors.Is(err, ErrMalformedResponse) || !errors.Is(err, otahttp.ErrStatus) {
		t.Errorf("LastError = %v, want ErrMalformedResponse wrapping ErrStatus", err)
	}
	if n := h.flash.EraseCount(testFlashAddr / flashwrite.SectorSize); n != 0 {
		t.Errorf("failed response erased %d sectors", n)
	}
	if len(h.tr.disconnects) != 1 {
		t.Errorf("disconnects = %v, want one", h.tr.disconnects)
	}
}

func TestStaleDisconnectIgnored(t *testing.T) {
	h := newHarness(t)
	var first, second outcome
	tok1 := h.connect(t, &first)
	h.c.Received(tok1, response(8, image(8)))
	if len(first.calls) != 1 || !first.calls[0] {
		t.Fatalf("first callbacks = %v", first.calls)
	}

	if err := h.c.Start(second.done); err != nil {
		t.Fatal(err)
	}
	tok2 := h.tr.dialTokens[len(h.tr.dialTokens)-1]
	if tok2 == tok1 {
		t.Fatalf("token %d reused", tok1)
	}

	h.c.Disconnected(tok1)
	if !h.c.Active() || h.c.State() != Connecting {
		t.Fatalf("stale disconnect disturbed session 2: active=%v state=%v", h.c.Active(), h.c.State())
	}
	if len(second.calls) != 0 {
		t.Fatalf("second callbacks = %v, want none", second.calls)
	}

	h.c.Disconnected(tok2)
	if len(second.calls) != 1 || second.calls[0] {
		t.Errorf("second callbacks = %v, want [false]", second.calls)
	}
	if !errors.Is(h.c.LastError(), ErrConnect) {
		t.Errorf("LastError = %v, want ErrConnect", h.c.LastError())
	}
	if len(first.calls) != 1 {
		t.Errorf("first callback ran again: %v", first.calls)
	}
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t)
	var o outcome
	if err := h.c.Start(o.done); err != nil {
		t.Fatal(err)
	}
	if h.c.State() != Connecting {
		t.Fatalf("state = %v", h.c.State())
	}
	h.clock.fireLatest(t)

	if len(o.calls) != 1 || o.calls[0] {
		t.Fatalf("callbacks = %v, want [false]", o.calls)
	}
	if !errors.Is(h.c.LastError(), ErrTimeout) {
		t.Errorf("LastError = %v, want ErrTimeout", h.c.LastError())
	}
	if len(h.tr.disconnects) != 1 {
		t.Errorf("pending dial not cancelled: %v", h.tr.disconnects)
	}
}

func TestReceiveTimeout(t *testing.T) {
	h := newHarness(t)
	var o outcome
	tok := h.connect(t, &o)
	h.c.Received(tok, response(100, image(40)))
	h.clock.fireLatest(t)

	if len(o.calls) != 1 || o.calls[0] {
		t.Fatalf("callbacks = %v, want [false]", o.calls)
	}
	if !errors.Is(h.c.LastError(), ErrTimeout) {
		t.Errorf("LastError = %v, want ErrTimeout", h.c.LastError())
	}
}

func TestReplacedTimerIgnored(t *testing.T) {
	h := newHarness(t)
	var o outcome
	if err := h.c.Start(o.done); err != nil {
		t.Fatal(err)
	}
	old := h.clock.timers[len(h.clock.timers)-1]
	h.c.Connected(h.tr.dialTokens[0])

	// The connect timer fires after Connected replaced it.
	old.f()
	if !h.c.Active() || len(o.calls) != 0 {
		t.Fatalf("replaced timer ended session: active=%v calls=%v", h.c.Active(), o.calls)
	}

	h.clock.fireLatest(t)
	if len(o.calls) != 1 || o.calls[0] {
		t.Errorf("callbacks = %v, want [false]", o.calls)
	}
}

func TestTimerAfterCompletionIgnored(t *testing.T) {
	h := newHarness(t)
	var o outcome
	tok := h.connect(t, &o)
	armed := h.clock.timers[len(h.clock.timers)-1]
	h.c.Received(tok, response(4, image(4)))
	armed.f()
	if len(o.calls) != 1 || !o.calls[0] {
		t.Errorf("callbacks = %v, want [true]", o.calls)
	}
	if h.c.LastError() != nil {
		t.Errorf("LastError = %v", h.c.LastError())
	}
}

func TestAsyncResolveFailure(t *testing.T) {
	h := newHarness(t)
	h.tr.pending = true
	var o outcome
	if err := h.c.Start(o.done); err != nil {
		t.Fatal(err)
	}
	if h.c.State() != ResolvingName {
		t.Fatalf("state = %v, want %v", h.c.State(), ResolvingName)
	}
	h.c.Resolved(h.tr.resolves[0], netip.Addr{}, errors.New("no such host"))

	if len(o.calls) != 1 || o.calls[0] {
		t.Fatalf("callbacks = %v, want [false]", o.calls)
	}
	if !errors.Is(h.c.LastError(), ErrResolve) {
		t.Errorf("LastError = %v, want ErrResolve", h.c.LastError())
	}
	if len(h.tr.dials) != 0 {
		t.Errorf("dialled after failed lookup: %v", h.tr.dials)
	}
	if len(h.tr.disconnects) != 0 {
		t.Errorf("disconnect without a connection: %v", h.tr.disconnects)
	}
}

func TestAsyncResolveSuccess(t *testing.T) {
	h := newHarness(t)
	h.tr.pending = true
	var o outcome
	if err := h.c.Start(o.done); err != nil {
		t.Fatal(err)
	}
	h.c.Resolved(h.tr.resolves[0], testServer, nil)
	if h.c.State() != Connecting || len(h.tr.dials) != 1 {
		t.Errorf("state = %v dials = %v", h.c.State(), h.tr.dials)
	}
}

func TestSyncResolveError(t *testing.T) {
	h := newHarness(t)
	h.tr.resolveErr = errors.New("bad hostname")
	var o outcome
	err := h.c.Start(o.done)
	if !errors.Is(err, ErrResolve) {
		t.Fatalf("Start err = %v, want ErrResolve", err)
	}
	if len(o.calls) != 0 {
		t.Errorf("callback ran: %v", o.calls)
	}
	if h.c.Active() {
		t.Error("session left active")
	}

	h.tr.resolveErr = nil
	if err := h.c.Start(o.done); err != nil {
		t.Errorf("restart after resolve error: %v", err)
	}
}

func TestBusy(t *testing.T) {
	h := newHarness(t)
	var o outcome
	h.connect(t, &o)
	if err := h.c.Start(o.done); !errors.Is(err, ErrBusy) {
		t.Errorf("second Start err = %v, want ErrBusy", err)
	}
	if h.c.State() != AwaitingFirstChunk {
		t.Errorf("state = %v", h.c.State())
	}
}

func TestRestartFromCallback(t *testing.T) {
	h := newHarness(t)
	var restartErr error
	var restarted outcome
	done := func(ok bool) {
		restartErr = h.c.Start(restarted.done)
	}
	if err := h.c.Start(done); err != nil {
		t.Fatal(err)
	}
	h.clock.fireLatest(t)

	if restartErr != nil {
		t.Fatalf("Start from callback: %v", restartErr)
	}
	if !h.c.Active() || h.c.State() != Connecting {
		t.Errorf("restarted session: active=%v state=%v", h.c.Active(), h.c.State())
	}
	if len(h.tr.dials) != 2 {
		t.Errorf("dials = %d, want 2", len(h.tr.dials))
	}
}

func TestAbort(t *testing.T) {
	h := newHarness(t)
	var o outcome
	tok := h.connect(t, &o)
	h.c.Received(tok, response(100, image(10)))

	if !h.c.Abort() {
		t.Fatal("Abort returned false for a live session")
	}
	if h.c.Abort() {
		t.Error("second Abort returned true")
	}
	if len(o.calls) != 1 || o.calls[0] {
		t.Errorf("callbacks = %v, want [false]", o.calls)
	}
	if !errors.Is(h.c.LastError(), ErrAborted) {
		t.Errorf("LastError = %v, want ErrAborted", h.c.LastError())
	}
	if len(h.tr.disconnects) != 1 {
		t.Errorf("disconnects = %v", h.tr.disconnects)
	}

	h.c.Received(tok, image(10))
	if len(o.calls) != 1 {
		t.Errorf("data after abort produced callback: %v", o.calls)
	}
}

func TestAbortWhileResolving(t *testing.T) {
	h := newHarness(t)
	h.tr.pending = true
	var o outcome
	if err := h.c.Start(o.done); err != nil {
		t.Fatal(err)
	}
	if !h.c.Abort() {
		t.Fatal("Abort returned false")
	}
	h.c.Resolved(h.tr.resolves[0], testServer, nil)
	if len(h.tr.dials) != 0 {
		t.Errorf("dialled after abort: %v", h.tr.dials)
	}
	if len(o.calls) != 1 || o.calls[0] {
		t.Errorf("callbacks = %v, want [false]", o.calls)
	}
}

func TestOverrun(t *testing.T) {
	h := newHarness(t)
	var o outcome
	tok := h.connect(t, &o)
	h.c.Received(tok, response(10, image(12)))

	if len(o.calls) != 1 || o.calls[0] {
		t.Fatalf("callbacks = %v, want [false]", o.calls)
	}
	if !errors.Is(h.c.LastError(), ErrOverrun) {
		t.Errorf("LastError = %v, want ErrOverrun", h.c.LastError())
	}
	if n := h.flash.EraseCount(testFlashAddr / flashwrite.SectorSize); n != 0 {
		t.Errorf("overrun chunk was written")
	}
}

func TestConnError(t *testing.T) {
	h := newHarness(t)
	var o outcome
	if err := h.c.Start(o.done); err != nil {
		t.Fatal(err)
	}
	h.c.ConnError(h.tr.dialTokens[0], errors.New("connection refused"))

	if len(o.calls) != 1 || o.calls[0] {
		t.Fatalf("callbacks = %v, want [false]", o.calls)
	}
	if !errors.Is(h.c.LastError(), ErrConnect) {
		t.Errorf("LastError = %v, want ErrConnect", h.c.LastError())
	}
	if len(h.tr.disconnects) != 0 {
		t.Errorf("errored connection closed again: %v", h.tr.disconnects)
	}
}

func TestDialError(t *testing.T) {
	h := newHarness(t)
	h.tr.dialErr = errors.New("no ports")
	var o outcome
	if err := h.c.Start(o.done); err != nil {
		t.Fatal(err)
	}
	if len(o.calls) != 1 || o.calls[0] {
		t.Errorf("callbacks = %v, want [false]", o.calls)
	}
	if h.c.Active() {
		t.Error("session left active")
	}
}

func TestSendError(t *testing.T) {
	h := newHarness(t)
	h.tr.sendErr = errors.New("tx full")
	var o outcome
	if err := h.c.Start(o.done); err != nil {
		t.Fatal(err)
	}
	h.c.Connected(h.tr.dialTokens[0])
	if len(o.calls) != 1 || o.calls[0] {
		t.Errorf("callbacks = %v, want [false]", o.calls)
	}
}

func TestPrematureEnd(t *testing.T) {
	h := newHarness(t)
	var o outcome
	tok := h.connect(t, &o)
	h.c.Received(tok, response(1000, image(600)))
	h.c.Disconnected(tok)

	if len(o.calls) != 1 || o.calls[0] {
		t.Fatalf("callbacks = %v, want [false]", o.calls)
	}
	if !errors.Is(h.c.LastError(), ErrPrematureEnd) {
		t.Errorf("LastError = %v, want ErrPrematureEnd", h.c.LastError())
	}
	if len(h.tr.disconnects) != 0 {
		t.Errorf("closed connection closed again: %v", h.tr.disconnects)
	}
}

func TestProgress(t *testing.T) {
	type tick struct{ received, declared uint32 }
	var ticks []tick
	tr := &fakeTransport{}
	c, err := NewController(Config{
		Host:      "ota.local",
		Path:      "/fw.bin",
		FlashAddr: testFlashAddr,
		Flash:     hostflash.NewMemory(testFlashSize),
		Transport: tr,
		Clock:     &fakeClock{},
		Progress:  func(r, d uint32) { ticks = append(ticks, tick{r, d}) },
	})
	if err != nil {
		t.Fatal(err)
	}
	var o outcome
	if err := c.Start(o.done); err != nil {
		t.Fatal(err)
	}
	tok := tr.dialTokens[0]
	c.Connected(tok)
	img := image(64)
	c.Received(tok, response(len(img), img[:20]))
	c.Received(tok, img[20:])

	want := []tick{{20, 64}, {64, 64}}
	if len(ticks) != len(want) {
		t.Fatalf("ticks = %v, want %v", ticks, want)
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Errorf("tick %d = %v, want %v", i, ticks[i], want[i])
		}
	}
}

func TestAbortInsideFailingResolve(t *testing.T) {
	h := newHarness(t)
	h.tr.resolveErr = errors.New("lookup failed")
	h.tr.onResolve = func() { h.c.Abort() }
	var o outcome
	if err := h.c.Start(o.done); err != nil {
		t.Errorf("Start err = %v, want nil once done has reported", err)
	}
	if len(o.calls) != 1 || o.calls[0] {
		t.Errorf("callbacks = %v, want [false]", o.calls)
	}
	if !errors.Is(h.c.LastError(), ErrAborted) {
		t.Errorf("LastError = %v, want ErrAborted", h.c.LastError())
	}
	if h.c.Active() {
		t.Error("session left active")
	}
}

// failingFlash is a hostflash that fails erases or writes on demand.
type failingFlash struct {
	*hostflash.Flash
	eraseErr error
	writeErr error
}

func (f *failingFlash) EraseSector(sector uint32) error {
	if f.eraseErr != nil {
		return f.eraseErr
	}
	return f.Flash.EraseSector(sector)
}

func (f *failingFlash) Write(addr uint32, p []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	return f.Flash.Write(addr, p)
}

func TestFlashFailure(t *testing.T) {
	tests := []struct {
		name  string
		flash *failingFlash
		want  error
	}{
		{"erase", &failingFlash{eraseErr: errors.New("erase timeout")}, flashwrite.ErrEraseFailed},
		{"write", &failingFlash{writeErr: errors.New("program timeout")}, flashwrite.ErrWriteFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.flash.Flash = hostflash.NewMemory(testFlashSize)
			h := newHarness(t)
			c, err := NewController(Config{
				Host:      "192.168.7.5",
				Path:      "/file.bin",
				FlashAddr: testFlashAddr,
				Flash:     tc.flash,
				Transport: h.tr,
				Clock:     h.clock,
			})
			if err != nil {
				t.Fatal(err)
			}
			h.c = c
			var o outcome
			tok := h.connect(t, &o)

			img := image(600)
			h.c.Received(tok, response(len(img), img[:200]))

			if len(o.calls) != 1 || o.calls[0] {
				t.Fatalf("callbacks = %v, want [false]", o.calls)
			}
			if !errors.Is(h.c.LastError(), ErrFlash) || !errors.Is(h.c.LastError(), tc.want) {
				t.Errorf("LastError = %v, want ErrFlash wrapping %v", h.c.LastError(), tc.want)
			}
			if len(h.tr.disconnects) != 1 || h.tr.disconnects[0] != tok {
				t.Errorf("disconnects = %v, want [%d]", h.tr.disconnects, tok)
			}
			if h.clock.pending() != 0 {
				t.Errorf("%d timers still pending", h.clock.pending())
			}
			if h.c.Active() {
				t.Error("session left active")
			}

			// the rest of the body arrives after teardown
			h.c.Received(tok, img[200:])
			if len(o.calls) != 1 {
				t.Errorf("callbacks after teardown = %v", o.calls)
			}
		})
	}
}

func TestDisconnectWhileResolvingIgnored(t *testing.T) {
	h := newHarness(t)
	var logs bytes.Buffer
	h.c.log = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.tr.pending = true
	var o outcome
	if err := h.c.Start(o.done); err != nil {
		t.Fatal(err)
	}
	tok := h.tr.resolves[0]

	h.c.Disconnected(tok)
	h.c.ConnError(tok, errors.New("reset"))
	if len(o.calls) != 0 {
		t.Fatalf("callbacks = %v, want none", o.calls)
	}
	if got := h.c.State(); got != ResolvingName {
		t.Errorf("state = %v, want %v", got, ResolvingName)
	}
	for _, msg := range []string{"ota:disconnected", "ota:connection-error"} {
		if strings.Contains(logs.String(), msg) {
			t.Errorf("logged %s for an event with no effect", msg)
		}
	}

	h.c.Resolved(tok, testServer, nil)
	if len(h.tr.dials) != 1 {
		t.Fatalf("dials = %v, want one", h.tr.dials)
	}
	h.c.Connected(tok)
	h.c.Received(tok, response(0, nil))
	if len(o.calls) != 1 || !o.calls[0] {
		t.Errorf("callbacks = %v, want [true]", o.calls)
	}
	if len(h.tr.disconnects) != 1 {
		t.Errorf("disconnects = %v, want one", h.tr.disconnects)
	}
}

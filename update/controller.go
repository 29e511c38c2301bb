// Package update downloads a firmware image over HTTP and writes it to raw
// flash, one session at a time.
//
// A Controller owns at most one live session. Transport and timer
// notifications carry the session's Token and are ignored once that session
// has been torn down, so a disconnect that races a timeout, or arrives after
// a new session has started, cannot touch the wrong session. The active
// session is cleared before the completion callback runs, so the callback
// may call Start again.
package update

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"openenterprise/otaflash/flashwrite"
	"openenterprise/otaflash/otahttp"
)

// DefaultTimeout bounds the connect and every receive wait.
const DefaultTimeout = 10 * time.Second

var (
	ErrBusy              = errors.New("ota: update already in progress")
	ErrNoCallback        = errors.New("ota: nil completion callback")
	ErrConfig            = errors.New("ota: flash and transport are required")
	ErrResolve           = errors.New("ota: name resolution failed")
	ErrConnect           = errors.New("ota: connection error")
	ErrMalformedResponse = errors.New("ota: malformed response")
	ErrFlash             = errors.New("ota: flash write failed")
	ErrPrematureEnd      = errors.New("ota: connection closed before image complete")
	ErrOverrun           = errors.New("ota: received more than Content-Length")
	ErrTimeout           = errors.New("ota: network timeout")
	ErrAborted           = errors.New("ota: aborted")
)

// Config describes where the image comes from and where it goes.
type Config struct {
	Host      string
	Port      uint16
	Path      string
	FlashAddr uint32
	// Timeout bounds the connect and each receive wait. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	Flash     flashwrite.Device
	Transport Transport
	// Clock defaults to SystemClock.
	Clock  Clock
	Logger *slog.Logger
	// Progress, if set, is called after every written chunk.
	Progress func(received, declared uint32)
}

type session struct {
	tok       Token
	state     State
	connected bool
	received  uint32
	declared  uint32
	result    Result
	err       error
	done      func(ok bool)
	writer    flashwrite.Writer
}

// Controller runs update sessions. It implements Events for its Transport.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	log     *slog.Logger
	request []byte
	active  *session
	lastTok Token
	lastErr error
	wd      watchdog
}

// NewController returns a Controller for cfg.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Flash == nil || cfg.Transport == nil {
		return nil, ErrConfig
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Port == 0 {
		cfg.Port = 80
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Controller{
		cfg:     cfg,
		log:     logger,
		request: otahttp.BuildRequest(cfg.Host, cfg.Path),
	}
	c.wd.clock = cfg.Clock
	return c, nil
}

// Start begins a session that downloads the image and writes it to flash.
// done is called exactly once with the outcome, after the session's
// resources are released. Start fails without calling done if a session is
// already live or the host cannot be resolved at all. If the session ends
// while Resolve is still running, done reports it and Start returns nil.
func (c *Controller) Start(done func(ok bool)) error {
	if done == nil {
		return ErrNoCallback
	}
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	c.lastTok++
	if c.lastTok == 0 {
		c.lastTok = 1
	}
	s := &session{tok: c.lastTok, done: done}
	s.writer.Init(c.cfg.Flash, c.cfg.FlashAddr)
	c.active = s
	c.advance(s, evStart)
	c.mu.Unlock()

	c.log.Info("ota:start",
		slog.Uint64("session", uint64(s.tok)),
		slog.String("host", c.cfg.Host),
		slog.String("path", c.cfg.Path),
		slog.String("flash", hex32(c.cfg.FlashAddr)),
	)

	addr, pending, err := c.cfg.Transport.Resolve(s.tok, c.cfg.Host, c)
	if err != nil {
		c.mu.Lock()
		live := c.active == s
		if live {
			c.active = nil
			s.state = TornDown
		}
		c.mu.Unlock()
		if !live {
			// ended while Resolve ran; done has been called
			c.stale("resolve-error", s.tok)
			return nil
		}
		c.log.Error("ota:dns-error", slog.String("host", c.cfg.Host), slog.String("err", err.Error()))
		return fmt.Errorf("%w: %s: %w", ErrResolve, c.cfg.Host, err)
	}
	if !pending {
		c.Resolved(s.tok, addr, nil)
	}
	return nil
}

// Abort tears down the live session, reporting failure. It returns false
// when there was nothing to abort.
func (c *Controller) Abort() bool {
	c.mu.Lock()
	s := c.active
	if s == nil {
		c.mu.Unlock()
		return false
	}
	c.log.Warn("ota:abort", slog.Uint64("session", uint64(s.tok)))
	td := c.end(s, evAbort, ErrAborted)
	c.mu.Unlock()
	td.run()
	return true
}

// Active reports whether a session is live.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// State returns the state of the live session, or Idle.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Idle
	}
	return c.active.state
}

// LastError returns why the most recent session failed, or nil if it
// succeeded. It is diagnostic only.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Resolved implements Events.
func (c *Controller) Resolved(tok Token, addr netip.Addr, err error) {
	c.mu.Lock()
	s := c.lookup(tok)
	if s == nil || s.state != ResolvingName {
		c.mu.Unlock()
		c.stale("resolved", tok)
		return
	}
	if err != nil || !addr.IsValid() {
		if err == nil {
			err = errors.New("no address")
		}
		c.log.Error("ota:dns-failed", slog.String("host", c.cfg.Host), slog.String("err", err.Error()))
		td := c.end(s, evResolveFailed, fmt.Errorf("%w: %s: %w", ErrResolve, c.cfg.Host, err))
		c.mu.Unlock()
		td.run()
		return
	}
	c.advance(s, evResolved)
	s.connected = true
	c.arm(s)
	c.mu.Unlock()

	raddr := netip.AddrPortFrom(addr, c.cfg.Port)
	c.log.Info("ota:connecting", slog.String("addr", raddr.String()))
	if err := c.cfg.Transport.Dial(tok, raddr, c); err != nil {
		c.ConnError(tok, err)
	}
}

// Connected implements Events. It sends the request and waits for the
// response.
func (c *Controller) Connected(tok Token) {
	c.mu.Lock()
	s := c.lookup(tok)
	if s == nil || s.state != Connecting {
		c.mu.Unlock()
		c.stale("connected", tok)
		return
	}
	c.advance(s, evConnected)
	c.arm(s)
	c.mu.Unlock()

	c.log.Info("ota:connected", slog.Uint64("session", uint64(tok)))
	if err := c.cfg.Transport.Send(tok, c.request); err != nil {
		c.ConnError(tok, err)
	}
}

// Received implements Events. The first chunk must hold the whole response
// head; everything after it is image data.
func (c *Controller) Received(tok Token, data []byte) {
	c.mu.Lock()
	s := c.lookup(tok)
	if s == nil || (s.state != AwaitingFirstChunk && s.state != ReceivingBody) {
		c.mu.Unlock()
		c.stale("received", tok)
		return
	}
	c.wd.disarm()

	body := data
	if s.state == AwaitingFirstChunk {
		head, err := otahttp.ParseHead(data)
		if err != nil {
			c.log.Error("ota:bad-response", slog.String("err", err.Error()))
			td := c.end(s, evFail, fmt.Errorf("%w: %w", ErrMalformedResponse, err))
			c.mu.Unlock()
			td.run()
			return
		}
		s.declared = head.ContentLength
		body = data[head.BodyOffset:]
		c.advance(s, evHead)
		c.log.Info("ota:downloading", slog.Uint64("content_length", uint64(s.declared)))
	}

	if uint64(s.received)+uint64(len(body)) > uint64(s.declared) {
		td := c.end(s, evFail, fmt.Errorf("%w: %d > %d", ErrOverrun,
			uint64(s.received)+uint64(len(body)), s.declared))
		c.mu.Unlock()
		td.run()
		return
	}
	s.received += uint32(len(body))
	if err := s.writer.Write(body); err != nil {
		c.log.Error("ota:write-failed", slog.String("err", err.Error()))
		td := c.end(s, evFail, fmt.Errorf("%w: %w", ErrFlash, err))
		c.mu.Unlock()
		td.run()
		return
	}
	received, declared := s.received, s.declared
	progress := c.cfg.Progress

	if received == declared {
		if err := s.writer.Flush(); err != nil {
			c.log.Error("ota:write-failed", slog.String("err", err.Error()))
			td := c.end(s, evFail, fmt.Errorf("%w: %w", ErrFlash, err))
			c.mu.Unlock()
			td.run()
			return
		}
		td := c.end(s, evComplete, nil)
		c.mu.Unlock()
		if progress != nil {
			progress(received, declared)
		}
		td.run()
		return
	}
	c.advance(s, evChunk)
	c.arm(s)
	c.mu.Unlock()
	if progress != nil {
		progress(received, declared)
	}
}

// Disconnected implements Events. A disconnect for the live session before
// the image is complete fails it; any other disconnect is a no-op.
func (c *Controller) Disconnected(tok Token) {
	c.mu.Lock()
	s := c.lookup(tok)
	if s == nil {
		c.mu.Unlock()
		c.stale("disconnected", tok)
		return
	}
	if _, ok := transition(s.state, evDisconnect); !ok {
		c.mu.Unlock()
		c.stale("disconnected", tok)
		return
	}
	s.connected = false
	err := ErrConnect
	if s.state == AwaitingFirstChunk || s.state == ReceivingBody {
		err = fmt.Errorf("%w: %d of %d bytes", ErrPrematureEnd, s.received, s.declared)
	}
	c.log.Warn("ota:disconnected", slog.String("state", s.state.String()))
	td := c.end(s, evDisconnect, err)
	c.mu.Unlock()
	td.run()
}

// ConnError implements Events. The connection is treated as gone.
func (c *Controller) ConnError(tok Token, err error) {
	c.mu.Lock()
	s := c.lookup(tok)
	if s == nil {
		c.mu.Unlock()
		c.stale("conn-error", tok)
		return
	}
	if _, ok := transition(s.state, evNetError); !ok {
		c.mu.Unlock()
		c.stale("conn-error", tok)
		return
	}
	s.connected = false
	c.log.Error("ota:connection-error", slog.String("err", err.Error()))
	td := c.end(s, evNetError, fmt.Errorf("%w: %w", ErrConnect, err))
	c.mu.Unlock()
	td.run()
}

// expire is the watchdog callback.
func (c *Controller) expire(tok Token, gen uint64) {
	c.mu.Lock()
	s := c.lookup(tok)
	if s == nil || !s.state.timed() || !c.wd.current(gen) {
		c.mu.Unlock()
		return
	}
	if s.state == Connecting {
		c.log.Error("ota:connect-timeout", slog.Duration("timeout", c.cfg.Timeout))
	} else {
		c.log.Error("ota:recv-timeout",
			slog.Duration("timeout", c.cfg.Timeout),
			slog.Uint64("received", uint64(s.received)),
		)
	}
	td := c.end(s, evTimeout, ErrTimeout)
	c.mu.Unlock()
	td.run()
}

// lookup returns the live session if it owns tok.
func (c *Controller) lookup(tok Token) *session {
	if c.active == nil || c.active.tok != tok {
		return nil
	}
	return c.active
}

func (c *Controller) arm(s *session) {
	tok := s.tok
	c.wd.arm(c.cfg.Timeout, func(gen uint64) { c.expire(tok, gen) })
}

// advance applies ev to s. It reports false, leaving s unchanged, when ev
// is not valid in the current state.
func (c *Controller) advance(s *session, ev event) bool {
	next, ok := transition(s.state, ev)
	if !ok {
		c.log.Warn("ota:invalid-transition",
			slog.String("state", s.state.String()),
			slog.Int("event", int(ev)),
		)
		return false
	}
	c.log.Debug("ota:state",
		slog.Uint64("session", uint64(s.tok)),
		slog.String("from", s.state.String()),
		slog.String("to", next.String()),
	)
	s.state = next
	return true
}

// teardown is the part of ending a session that runs after c.mu is
// released: closing the connection and calling back.
type teardown struct {
	tr         Transport
	tok        Token
	disconnect bool
	done       func(ok bool)
	ok         bool
}

func (td teardown) run() {
	if td.disconnect {
		td.tr.Disconnect(td.tok)
	}
	if td.done != nil {
		td.done(td.ok)
	}
}

// end finishes s with ev and detaches it from c. Must be called with c.mu
// held; the returned teardown must be run after unlocking. Ending a session
// that is no longer live returns a no-op teardown.
func (c *Controller) end(s *session, ev event, err error) teardown {
	if c.active != s || !c.advance(s, ev) {
		return teardown{}
	}
	c.wd.disarm()
	if s.state == Succeeded {
		s.result = Success
		c.lastErr = nil
		c.log.Info("ota:complete",
			slog.Uint64("bytes", uint64(s.received)),
			slog.String("end", hex32(s.writer.Cursor())),
		)
	} else {
		s.result = Failure
		s.err = err
		c.lastErr = err
		c.log.Error("ota:failed",
			slog.Uint64("received", uint64(s.received)),
			slog.Uint64("declared", uint64(s.declared)),
			slog.String("err", errString(err)),
		)
	}
	c.advance(s, evTeardown)
	c.active = nil

	td := teardown{
		tr:         c.cfg.Transport,
		tok:        s.tok,
		disconnect: s.connected,
		done:       s.done,
		ok:         s.result == Success,
	}
	s.connected = false
	s.done = nil
	return td
}

func (c *Controller) stale(what string, tok Token) {
	c.log.Debug("ota:stale-event", slog.String("event", what), slog.Uint64("session", uint64(tok)))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func hex32(v uint32) string {
	return "0x" + strconv.FormatUint(uint64(v), 16)
}

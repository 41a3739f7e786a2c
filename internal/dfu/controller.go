package dfu

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/nuimo-dfu/internal/ble"
)

// Listener receives events from the active session only.
//
// Listener methods are called with the controller's lock held, which
// guarantees that no event from a replaced session is delivered after Start
// or Cancel returns. Implementations must not call back into the Controller.
type Listener interface {
	UpdateStateChanged(state State)
	UpdateProgressChanged(p Progress)
	UpdateFailed(err error)
}

// ControllerOptions configures retry behavior.
type ControllerOptions struct {
	MaxRetries      int           // disconnect retries per update; 0 retries forever
	RetryBackoff    time.Duration // delay before the first retry; 0 retries immediately
	RetryBackoffMax time.Duration // cap for the doubling backoff
}

// DefaultControllerOptions returns sensible defaults.
func DefaultControllerOptions() ControllerOptions {
	return ControllerOptions{
		MaxRetries:      0,
		RetryBackoff:    250 * time.Millisecond,
		RetryBackoffMax: 5 * time.Second,
	}
}

// session is one update: one target, one image, any number of flash
// attempts. Fields after ctx are guarded by Controller.mu.
type session struct {
	target ble.Device
	ctx    context.Context
	cancel context.CancelFunc

	image   string
	temp    bool // image was downloaded and must be removed
	attempt int  // bumped on every retry; stale attempts are ignored
	retries int
	flash   FlashSession
}

// Controller owns at most one update session. Starting a new one replaces
// the previous one.
type Controller struct {
	transport FlashTransport
	fetcher   Fetcher
	opts      ControllerOptions

	mu       sync.Mutex
	listener Listener
	session  *session
}

// NewController creates a Controller.
func NewController(transport FlashTransport, fetcher Fetcher, opts ControllerOptions) *Controller {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoffMax < opts.RetryBackoff {
		opts.RetryBackoffMax = opts.RetryBackoff
	}
	return &Controller{transport: transport, fetcher: fetcher, opts: opts}
}

// SetListener registers the receiver of session events.
func (c *Controller) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// Start begins updating target from src and returns immediately. Any
// session already in progress is aborted first.
func (c *Controller) Start(target ble.Device, src Source) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{target: target, ctx: ctx, cancel: cancel}

	c.mu.Lock()
	prev := c.session
	c.session = s
	c.mu.Unlock()

	if prev != nil {
		slog.Info("[DFU] replacing running update", "target", prev.target.ID)
		c.teardown(prev)
	}
	slog.Info("[DFU] update started", "target", target.String(), "source", src.String())
	go c.run(s, src)
}

// Cancel aborts the session in progress, if any.
func (c *Controller) Cancel() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return
	}
	slog.Info("[DFU] update cancelled", "target", s.target.ID)
	c.teardown(s)
}

// Active reports whether a session is in progress.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// teardown releases a session that has already been detached from c.
func (c *Controller) teardown(s *session) {
	c.mu.Lock()
	flash, image, temp := s.flash, s.image, s.temp
	s.flash, s.temp = nil, false
	c.mu.Unlock()

	s.cancel()
	if flash != nil {
		if err := flash.Abort(); err != nil {
			slog.Warn("[DFU] abort flash", "error", err)
		}
	}
	if temp {
		removeImage(image)
	}
}

// current reports whether s/attempt is still the live attempt (caller must
// hold mu).
func (c *Controller) current(s *session, attempt int) bool {
	return c.session == s && s.attempt == attempt
}

// endLocked detaches s after a terminal outcome (caller must hold mu).
func (c *Controller) endLocked(s *session) {
	c.session = nil
	s.cancel()
	s.flash = nil
	if s.temp {
		s.temp = false
		removeImage(s.image)
	}
}

func (c *Controller) run(s *session, src Source) {
	image, temp := src.localPath(), false
	if !src.IsLocal() {
		path, err := c.fetcher.Fetch(s.ctx, src.url)
		if err != nil {
			c.mu.Lock()
			defer c.mu.Unlock()
			if !c.current(s, 0) {
				return
			}
			slog.Error("[DFU] firmware download failed", "url", src.String(), "error", err)
			c.endLocked(s)
			c.notifyFailed(&DownloadError{URL: src.String(), Err: err})
			return
		}
		image, temp = path, true
	}

	c.mu.Lock()
	if !c.current(s, 0) {
		c.mu.Unlock()
		if temp {
			removeImage(image)
		}
		return
	}
	s.image, s.temp = image, temp
	c.mu.Unlock()

	c.beginFlash(s, 0, image)
}

func (c *Controller) beginFlash(s *session, attempt int, image string) {
	ev := SessionEvents{
		OnState:    func(st State) { c.handleState(s, attempt, st) },
		OnProgress: func(p Progress) { c.handleProgress(s, attempt, p) },
		OnError:    func(err *TransportError) { c.handleError(s, attempt, err) },
	}
	flash, err := c.transport.BeginFlash(s.ctx, s.target, image, ev)

	c.mu.Lock()
	if !c.current(s, attempt) {
		c.mu.Unlock()
		if flash != nil {
			_ = flash.Abort()
		}
		return
	}
	defer c.mu.Unlock()
	if err != nil {
		slog.Error("[DFU] flash refused", "target", s.target.ID, "error", err)
		c.endLocked(s)
		c.notifyFailed(&StartError{Err: err})
		return
	}
	s.flash = flash
}

func (c *Controller) handleState(s *session, attempt int, st State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(s, attempt) {
		return
	}
	slog.Debug("[DFU] state changed", "state", st.String(), "attempt", attempt)
	if st.Terminal() {
		slog.Info("[DFU] update finished", "state", st.String(), "retries", s.retries)
		c.endLocked(s)
	}
	if c.listener != nil {
		c.listener.UpdateStateChanged(st)
	}
}

func (c *Controller) handleProgress(s *session, attempt int, p Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(s, attempt) {
		return
	}
	if c.listener != nil {
		c.listener.UpdateProgressChanged(p)
	}
}

func (c *Controller) handleError(s *session, attempt int, terr *TransportError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(s, attempt) {
		return
	}

	if terr.Kind == ErrorDisconnected && (c.opts.MaxRetries == 0 || s.retries < c.opts.MaxRetries) {
		s.retries++
		s.attempt++
		prev := s.flash
		s.flash = nil
		delay := backoffDelay(s.retries-1, c.opts.RetryBackoff, c.opts.RetryBackoffMax)
		slog.Warn("[DFU] device disconnected, restarting flash", "target", s.target.ID, "retry", s.retries, "delay", delay)
		go c.retry(s, s.attempt, prev, delay)
		return
	}

	slog.Error("[DFU] flash failed", "target", s.target.ID, "code", terr.Code, "error", terr.Message)
	retries := s.retries
	c.endLocked(s)
	c.notifyFailed(&FlashError{Code: terr.Code, Reason: terr.Message, Retries: retries})
}

// retry aborts the failed attempt and begins the next one with the same
// image. The image is not downloaded again.
func (c *Controller) retry(s *session, attempt int, prev FlashSession, delay time.Duration) {
	if prev != nil {
		_ = prev.Abort()
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			return
		}
	}

	c.mu.Lock()
	ok := c.current(s, attempt)
	image := s.image
	c.mu.Unlock()
	if !ok {
		return
	}
	c.beginFlash(s, attempt, image)
}

// notifyFailed delivers err to the listener (caller must hold mu).
func (c *Controller) notifyFailed(err error) {
	if c.listener != nil {
		c.listener.UpdateFailed(err)
	}
}

// backoffDelay returns the delay before retry n (0-based): base doubled n
// times, capped at max.
func backoffDelay(n int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if n > 30 {
		n = 30
	}
	delay := base << uint(n)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

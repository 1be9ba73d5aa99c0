package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected = errors.New("connection not established")
	ErrMissingURL   = errors.New("endpoint url is not configured")
	ErrClosed       = errors.New("connection manager closed")
)

// ScheduleFunc runs f after d and returns a stop function.
type ScheduleFunc func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type Options struct {
	Name   string
	Logger *slog.Logger
	Dialer Dialer
	// ResolveURL is called once; the result is cached for the manager lifetime.
	ResolveURL func(ctx context.Context) (string, error)
	Header     func() http.Header
	Limits     Limits
	BackOff    backoff.BackOff

	DialTimeout time.Duration
	Keepalive   time.Duration
	// KeepaliveFrame builds the text frame sent on every keepalive tick.
	KeepaliveFrame func() []byte

	// OnOpen runs on the event loop before the status becomes Connected.
	OnOpen    func(t Transport) error
	OnMessage func(messageType int, data []byte)
	OnStatus  func(prev, next State)
	OnError   func(err error)
	// OnRetry observes each scheduled reconnect.
	OnRetry func(attempt int, delay time.Duration)

	Schedule ScheduleFunc
}

type loopEvent struct {
	Event
	gen       uint64
	transport Transport
	err       error
	waiter    chan error
	ack       chan struct{}
}

// Manager executes Transition against a real transport. A single goroutine
// owns the state, the retry timer and the keepalive ticker.
type Manager struct {
	opts   Options
	logger *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	events    chan loopEvent
	closeOnce sync.Once

	mu        sync.RWMutex
	state     State
	transport Transport
	url       string

	// loop-owned
	gen       uint64
	stopRetry func() bool
	ticker    *time.Ticker
	waiters   []chan error
}

func NewManager(parent context.Context, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer(opts.DialTimeout)
	}
	if opts.BackOff == nil {
		opts.BackOff = backoff.NewConstantBackOff(time.Second)
	}
	if opts.Schedule == nil {
		opts.Schedule = afterFunc
	}
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "conn"), slog.String("channel", opts.Name)),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan loopEvent, 64),
	}
	m.wg.Add(1)
	go m.loop()
	return m
}

// Connect starts a connection cycle. It is a no-op while Connecting or Connected.
func (m *Manager) Connect() {
	m.post(loopEvent{Event: Event{Kind: EventConnect}})
}

// ConnectWait connects and blocks until the channel is Connected, ends in
// Error or Disconnected, or ctx is done.
func (m *Manager) ConnectWait(ctx context.Context) error {
	waiter := make(chan error, 1)
	m.post(loopEvent{Event: Event{Kind: EventConnect}, waiter: waiter})
	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrClosed
	}
}

// Disconnect closes the socket with a normal closure and suppresses reconnects.
func (m *Manager) Disconnect() {
	m.post(loopEvent{Event: Event{Kind: EventDisconnect}})
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Status() Status {
	return m.State().Status
}

// Send writes a text frame. It reports false when the channel is not
// Connected or the write fails.
func (m *Manager) Send(data []byte) bool {
	return m.write(websocket.TextMessage, data) == nil
}

func (m *Manager) SendBinary(data []byte) bool {
	return m.write(websocket.BinaryMessage, data) == nil
}

func (m *Manager) write(messageType int, data []byte) error {
	m.mu.RLock()
	t := m.transport
	connected := m.state.Status == StatusConnected
	m.mu.RUnlock()
	if !connected || t == nil {
		return ErrNotConnected
	}
	if err := t.WriteMessage(messageType, data); err != nil {
		m.logger.Debug("write failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Close disconnects and stops the event loop.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		ack := make(chan struct{})
		select {
		case m.events <- loopEvent{Event: Event{Kind: EventDisconnect}, ack: ack}:
			select {
			case <-ack:
			case <-m.ctx.Done():
			}
		case <-m.ctx.Done():
		}
		m.cancel()
		m.wg.Wait()
	})
}

func (m *Manager) post(ev loopEvent) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
		if ev.waiter != nil {
			ev.waiter <- ErrClosed
		}
		if ev.transport != nil {
			_ = ev.transport.Close(CloseNormal, "shutdown")
		}
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	defer m.stopTimers()
	for {
		var tick <-chan time.Time
		if m.ticker != nil {
			tick = m.ticker.C
		}
		select {
		case <-m.ctx.Done():
			m.resolveWaiters(ErrClosed)
			m.mu.Lock()
			t := m.transport
			m.transport = nil
			m.state = State{Status: StatusDisconnected, Manual: true}
			m.mu.Unlock()
			if t != nil {
				_ = t.Close(CloseNormal, "shutdown")
			}
			return
		case <-tick:
			m.keepalive()
		case ev := <-m.events:
			m.handle(ev)
			if ev.ack != nil {
				close(ev.ack)
			}
		}
	}
}

func (m *Manager) handle(ev loopEvent) {
	switch ev.Kind {
	case EventOpened, EventDialFailed, EventClosed, EventRetry:
		if ev.gen != m.gen {
			if ev.transport != nil {
				_ = ev.transport.Close(CloseNormal, "stale")
			}
			return
		}
	}
	if ev.waiter != nil {
		m.waiters = append(m.waiters, ev.waiter)
	}

	prev := m.State()
	next, effects := Transition(prev, ev.Event, m.opts.Limits)

	if ev.Kind == EventOpened && next.Status == StatusConnected {
		m.mu.Lock()
		m.transport = ev.transport
		m.mu.Unlock()
		if m.opts.OnOpen != nil {
			if err := m.opts.OnOpen(ev.transport); err != nil {
				m.logger.Warn("open hook failed", slog.String("error", err.Error()))
				m.reportError(err)
			}
		}
		m.wg.Add(1)
		go m.readLoop(m.gen, ev.transport)
	}
	if ev.Kind == EventClosed || ev.Kind == EventDialFailed {
		m.mu.Lock()
		m.transport = nil
		m.mu.Unlock()
		if ev.err != nil {
			m.reportError(ev.err)
		}
	}

	m.setState(prev, next)
	for _, eff := range effects {
		m.apply(eff, next, ev)
	}

	// A pending ConnectWait on an already-connected channel resolves at once.
	if ev.Kind == EventConnect && prev.Status == StatusConnected {
		m.resolveWaiters(nil)
	}
}

func (m *Manager) apply(eff Effect, s State, ev loopEvent) {
	switch eff {
	case EffectDial:
		m.gen++
		m.wg.Add(1)
		go m.dial(m.gen)
	case EffectScheduleRetry:
		delay := m.opts.BackOff.NextBackOff()
		if delay == backoff.Stop {
			m.setState(s, State{Status: StatusError, Attempts: s.Attempts, Opened: s.Opened})
			return
		}
		gen := m.gen
		if m.opts.OnRetry != nil {
			m.opts.OnRetry(s.Attempts, delay)
		}
		m.logger.Info("reconnect scheduled",
			slog.Int("attempt", s.Attempts),
			slog.Duration("delay", delay),
			slog.Int("code", ev.Code),
		)
		m.stopRetry = m.opts.Schedule(delay, func() {
			m.post(loopEvent{Event: Event{Kind: EventRetry}, gen: gen})
		})
	case EffectCancelRetry:
		if m.stopRetry != nil {
			m.stopRetry()
			m.stopRetry = nil
		}
	case EffectResetBackoff:
		m.opts.BackOff.Reset()
	case EffectStartKeepalive:
		if m.ticker != nil {
			m.ticker.Stop()
		}
		if m.opts.Keepalive > 0 && m.opts.KeepaliveFrame != nil {
			m.ticker = time.NewTicker(m.opts.Keepalive)
		}
	case EffectStopKeepalive:
		if m.ticker != nil {
			m.ticker.Stop()
			m.ticker = nil
		}
	case EffectCloseTransport:
		// Invalidate events from the socket being closed.
		m.gen++
		m.mu.Lock()
		t := m.transport
		m.transport = nil
		m.mu.Unlock()
		if ev.transport != nil && ev.transport != t {
			_ = ev.transport.Close(CloseNormal, "Manual disconnect")
		}
		if t != nil {
			_ = t.Close(CloseNormal, "Manual disconnect")
		}
	}
}

func (m *Manager) setState(prev, next State) {
	m.mu.Lock()
	m.state = next
	m.mu.Unlock()
	if prev.Status == next.Status && prev.Attempts == next.Attempts {
		return
	}
	if prev.Status != next.Status {
		m.logger.Debug("status changed",
			slog.String("from", prev.Status.String()),
			slog.String("to", next.Status.String()),
		)
	}
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(prev, next)
	}
	switch next.Status {
	case StatusConnected:
		m.resolveWaiters(nil)
	case StatusError:
		m.resolveWaiters(fmt.Errorf("%s: connection failed", m.opts.Name))
	case StatusDisconnected:
		if next.Manual || next.Attempts == 0 {
			m.resolveWaiters(ErrNotConnected)
		}
	}
}

func (m *Manager) resolveWaiters(err error) {
	for _, w := range m.waiters {
		w <- err
	}
	m.waiters = nil
}

func (m *Manager) reportError(err error) {
	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}
}

func (m *Manager) keepalive() {
	frame := m.opts.KeepaliveFrame()
	if frame == nil {
		return
	}
	if !m.Send(frame) {
		m.logger.Debug("keepalive skipped")
	}
}

func (m *Manager) stopTimers() {
	if m.stopRetry != nil {
		m.stopRetry()
	}
	if m.ticker != nil {
		m.ticker.Stop()
	}
}

func (m *Manager) resolveURL() (string, error) {
	m.mu.RLock()
	url := m.url
	m.mu.RUnlock()
	if url != "" {
		return url, nil
	}
	if m.opts.ResolveURL == nil {
		return "", ErrMissingURL
	}
	resolved, err := m.opts.ResolveURL(m.ctx)
	if err != nil {
		return "", err
	}
	if resolved == "" {
		return "", ErrMissingURL
	}
	m.mu.Lock()
	m.url = resolved
	m.mu.Unlock()
	return resolved, nil
}

func (m *Manager) dial(gen uint64) {
	defer m.wg.Done()
	url, err := m.resolveURL()
	if err != nil {
		m.post(loopEvent{Event: Event{Kind: EventDialFailed, Code: CodeUnresolved}, gen: gen, err: err})
		return
	}
	ctx := m.ctx
	if m.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(m.ctx, m.opts.DialTimeout)
		defer cancel()
	}
	var header http.Header
	if m.opts.Header != nil {
		header = m.opts.Header()
	}
	t, err := m.opts.Dialer.Dial(ctx, url, header)
	if err != nil {
		m.post(loopEvent{Event: Event{Kind: EventDialFailed, Code: DialCode(err)}, gen: gen, err: err})
		return
	}
	m.post(loopEvent{Event: Event{Kind: EventOpened}, gen: gen, transport: t})
}

func (m *Manager) readLoop(gen uint64, t Transport) {
	defer m.wg.Done()
	for {
		messageType, data, err := t.ReadMessage()
		if err != nil {
			code := CloseCode(err)
			var evErr error
			if code != CloseNormal {
				evErr = fmt.Errorf("%s: socket closed: %w", m.opts.Name, err)
			}
			m.post(loopEvent{Event: Event{Kind: EventClosed, Code: code}, gen: gen, err: evErr})
			return
		}
		if m.opts.OnMessage != nil {
			m.opts.OnMessage(messageType, data)
		}
	}
}

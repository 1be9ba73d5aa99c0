package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-link/internal/config"
	"github.com/loqalabs/loqa-link/internal/conn"
	"github.com/loqalabs/loqa-link/internal/protocol"
)

// IntentHandler executes one intent. It is called on its own goroutine and
// owns replying.
type IntentHandler interface {
	HandleIntent(ctx context.Context, intent protocol.RelayResponse)
}

type IntentHandlerFunc func(ctx context.Context, intent protocol.RelayResponse)

func (f IntentHandlerFunc) HandleIntent(ctx context.Context, intent protocol.RelayResponse) {
	f(ctx, intent)
}

type Options struct {
	URL              string
	Keepalive        time.Duration
	BaseDelay        time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
	// MaxConcurrentIntents bounds intents executing at once.
	MaxConcurrentIntents int

	Dialer   conn.Dialer
	Schedule conn.ScheduleFunc
}

// OptionsFromConfig maps the relay and tools sections onto channel options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		URL:                  cfg.Relay.URL,
		Keepalive:            time.Duration(cfg.Relay.KeepaliveMS) * time.Millisecond,
		BaseDelay:            time.Duration(cfg.Relay.BaseDelayMS) * time.Millisecond,
		MaxAttempts:          cfg.Relay.MaxAttempts,
		HandshakeTimeout:     time.Duration(cfg.Relay.HandshakeTimeoutMS) * time.Millisecond,
		MaxConcurrentIntents: cfg.Tools.Concurrency,
	}
}

// Channel is the persistent control socket between the device and the relay.
type Channel struct {
	log *slog.Logger
	mgr *conn.Manager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    chan struct{}

	mu        sync.RWMutex
	deviceID  string
	authToken string
	intents   IntentHandler

	handlersMu sync.RWMutex
	nextID     int
	onMessage  map[int]func(protocol.RelayResponse)
	onStatus   map[int]func(conn.Status)
	onError    map[int]func(error)

	meter         metric.Meter
	reconnects    metric.Int64Counter
	statusChanges metric.Int64Counter
}

func NewChannel(parent context.Context, opts Options, log *slog.Logger) *Channel {
	ctx, cancel := context.WithCancel(parent)
	if opts.MaxConcurrentIntents <= 0 {
		opts.MaxConcurrentIntents = 1
	}
	c := &Channel{
		log:       log.With(slog.String("component", "relay")),
		ctx:       ctx,
		cancel:    cancel,
		sem:       make(chan struct{}, opts.MaxConcurrentIntents),
		onMessage: make(map[int]func(protocol.RelayResponse)),
		onStatus:  make(map[int]func(conn.Status)),
		onError:   make(map[int]func(error)),
		meter:     otel.Meter("github.com/loqalabs/loqa-link/relay"),
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	url := opts.URL
	c.mgr = conn.NewManager(ctx, conn.Options{
		Name:   "relay",
		Logger: log,
		Dialer: opts.Dialer,
		ResolveURL: func(context.Context) (string, error) {
			return url, nil
		},
		Limits: conn.Limits{
			MaxAttempts:     opts.MaxAttempts,
			Terminal:        conn.CodeSet(conn.CloseNormal),
			RetryBeforeOpen: true,
		},
		BackOff:        conn.ExponentialBackOff(opts.BaseDelay),
		DialTimeout:    opts.HandshakeTimeout,
		Keepalive:      opts.Keepalive,
		KeepaliveFrame: c.pingFrame,
		OnOpen:         c.handshake,
		OnMessage:      c.handleFrame,
		OnStatus:       c.handleStatus,
		OnError:        c.handleError,
		OnRetry: func(attempt int, delay time.Duration) {
			if c.reconnects != nil {
				c.reconnects.Add(c.ctx, 1)
			}
		},
		Schedule: opts.Schedule,
	})
	return c
}

func (c *Channel) initMetrics() error {
	var err error
	c.reconnects, err = c.meter.Int64Counter("loqa_link.relay.reconnects",
		metric.WithDescription("Scheduled relay reconnect attempts"))
	if err != nil {
		return err
	}
	c.statusChanges, err = c.meter.Int64Counter("loqa_link.relay.status_changes",
		metric.WithDescription("Relay status transitions"))
	return err
}

// SetAuth stores credentials used by the next handshake.
func (c *Channel) SetAuth(deviceID, authToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceID = deviceID
	c.authToken = authToken
}

// Connect opens the relay socket. Empty arguments keep previously stored
// credentials; without both credentials nothing happens.
func (c *Channel) Connect(deviceID, authToken string) {
	c.mu.Lock()
	if deviceID != "" {
		c.deviceID = deviceID
	}
	if authToken != "" {
		c.authToken = authToken
	}
	ready := c.deviceID != "" && c.authToken != ""
	c.mu.Unlock()
	if !ready {
		c.log.Debug("connect skipped: missing credentials")
		return
	}
	c.mgr.Connect()
}

// Disconnect closes with a normal closure and stops reconnecting.
func (c *Channel) Disconnect() {
	c.mgr.Disconnect()
}

// Close disconnects, waits for running intents and releases resources.
func (c *Channel) Close() {
	c.mgr.Close()
	c.cancel()
	c.wg.Wait()
}

func (c *Channel) SetIntentHandler(h IntentHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intents = h
}

func (c *Channel) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

func (c *Channel) Status() conn.Status {
	return c.mgr.Status()
}

func (c *Channel) State() conn.State {
	return c.mgr.State()
}

func (c *Channel) IsConnected() bool {
	return c.mgr.Status() == conn.StatusConnected
}

// SendMessage marshals v and writes it. It reports false when the channel is
// not connected or the write fails.
func (c *Channel) SendMessage(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("failed to encode relay message", slog.String("error", err.Error()))
		return false
	}
	return c.mgr.Send(data)
}

// SendAction sends {action, id, ...extra}. An empty id defaults to the
// current time in milliseconds.
func (c *Channel) SendAction(action, id string, extra map[string]any) bool {
	if id == "" {
		id = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	return c.SendMessage(protocol.RelayMessage{Action: action, ID: id, Extra: extra})
}

func (c *Channel) OnMessage(fn func(protocol.RelayResponse)) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	id := c.nextID
	c.nextID++
	c.onMessage[id] = fn
	return func() {
		c.handlersMu.Lock()
		delete(c.onMessage, id)
		c.handlersMu.Unlock()
	}
}

func (c *Channel) OnStatusChange(fn func(conn.Status)) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	id := c.nextID
	c.nextID++
	c.onStatus[id] = fn
	return func() {
		c.handlersMu.Lock()
		delete(c.onStatus, id)
		c.handlersMu.Unlock()
	}
}

func (c *Channel) OnError(fn func(error)) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	id := c.nextID
	c.nextID++
	c.onError[id] = fn
	return func() {
		c.handlersMu.Lock()
		delete(c.onError, id)
		c.handlersMu.Unlock()
	}
}

func (c *Channel) credentials() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID, c.authToken
}

func (c *Channel) handshake(t conn.Transport) error {
	deviceID, token := c.credentials()
	data, err := json.Marshal(protocol.Handshake{DeviceID: deviceID, AuthToken: token})
	if err != nil {
		return err
	}
	return t.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) pingFrame() []byte {
	deviceID, _ := c.credentials()
	data, _ := json.Marshal(protocol.Ping{Action: protocol.ActionPing, DeviceID: deviceID})
	return data
}

func (c *Channel) handleFrame(messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		return
	}
	var frame protocol.RelayResponse
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.Debug("dropping malformed relay frame", slog.String("error", err.Error()))
		return
	}

	if frame.IsIntent() {
		deviceID := c.DeviceID()
		if frame.TargetID != "" && frame.TargetID != deviceID {
			c.log.Debug("ignoring intent for another device",
				slog.String("target_id", frame.TargetID),
				slog.String("request_id", frame.RequestID),
			)
			return
		}
		c.dispatchIntent(frame)
		return
	}

	c.handlersMu.RLock()
	handlers := make([]func(protocol.RelayResponse), 0, len(c.onMessage))
	for _, fn := range c.onMessage {
		handlers = append(handlers, fn)
	}
	c.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(frame)
	}
}

func (c *Channel) dispatchIntent(frame protocol.RelayResponse) {
	c.mu.RLock()
	handler := c.intents
	c.mu.RUnlock()
	if handler == nil {
		c.log.Warn("intent received without handler", slog.String("request_id", frame.RequestID))
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case c.sem <- struct{}{}:
		case <-c.ctx.Done():
			return
		}
		defer func() { <-c.sem }()
		handler.HandleIntent(c.ctx, frame)
	}()
}

func (c *Channel) handleStatus(prev, next conn.State) {
	if prev.Status == next.Status {
		return
	}
	if c.statusChanges != nil {
		c.statusChanges.Add(c.ctx, 1, metric.WithAttributes(attribute.String("status", next.Status.String())))
	}
	c.log.Info("relay status", slog.String("status", next.Status.String()), slog.Int("attempts", next.Attempts))

	c.handlersMu.RLock()
	handlers := make([]func(conn.Status), 0, len(c.onStatus))
	for _, fn := range c.onStatus {
		handlers = append(handlers, fn)
	}
	c.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(next.Status)
	}
}

func (c *Channel) handleError(err error) {
	c.log.Warn("relay error", slog.String("error", err.Error()))
	c.handlersMu.RLock()
	handlers := make([]func(error), 0, len(c.onError))
	for _, fn := range c.onError {
		handlers = append(handlers, fn)
	}
	c.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(err)
	}
}

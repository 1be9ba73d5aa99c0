// Package conntest provides in-memory transports for exercising code built on
// the conn package without a network.
package conntest

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-link/internal/conn"
)

type Frame struct {
	Type int
	Data []byte
}

// Transport is a fake socket. Frames pushed with Deliver are returned by
// ReadMessage; everything written is recorded.
type Transport struct {
	in     chan Frame
	closed chan struct{}

	mu        sync.Mutex
	written   []Frame
	closeCode int
	reason    string
	once      sync.Once
}

func NewTransport() *Transport {
	return &Transport{
		in:     make(chan Frame, 64),
		closed: make(chan struct{}),
	}
}

// Deliver queues an inbound frame.
func (t *Transport) Deliver(messageType int, data []byte) {
	select {
	case t.in <- Frame{Type: messageType, Data: data}:
	case <-t.closed:
	}
}

func (t *Transport) DeliverText(s string) {
	t.Deliver(websocket.TextMessage, []byte(s))
}

// ServerClose simulates the peer closing the socket with code.
func (t *Transport) ServerClose(code int) {
	t.finish(code, "server close")
}

func (t *Transport) ReadMessage() (int, []byte, error) {
	select {
	case f := <-t.in:
		return f.Type, f.Data, nil
	case <-t.closed:
		t.mu.Lock()
		code := t.closeCode
		t.mu.Unlock()
		if code == conn.CloseAbnormal {
			return 0, nil, errors.New("unexpected EOF")
		}
		return 0, nil, &websocket.CloseError{Code: code}
	}
}

func (t *Transport) WriteMessage(messageType int, data []byte) error {
	select {
	case <-t.closed:
		return websocket.ErrCloseSent
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := append([]byte(nil), data...)
	t.written = append(t.written, Frame{Type: messageType, Data: cp})
	return nil
}

func (t *Transport) Close(code int, reason string) error {
	t.finish(code, reason)
	return nil
}

func (t *Transport) finish(code int, reason string) {
	t.once.Do(func() {
		t.mu.Lock()
		t.closeCode = code
		t.reason = reason
		t.mu.Unlock()
		close(t.closed)
	})
}

// Written returns a copy of every frame written so far.
func (t *Transport) Written() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Frame(nil), t.written...)
}

func (t *Transport) Closed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *Transport) CloseCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode
}

// Dialer hands out transports in order. When Next is nil it returns Err, or
// a fresh Transport when Err is nil as well.
type Dialer struct {
	mu    sync.Mutex
	dials int
	urls  []string
	made  []*Transport

	Err error
	// Next overrides the result of every dial.
	Next func(ctx context.Context, attempt int) (conn.Transport, error)
}

func (d *Dialer) Dial(ctx context.Context, url string, _ http.Header) (conn.Transport, error) {
	d.mu.Lock()
	d.dials++
	attempt := d.dials
	d.urls = append(d.urls, url)
	next := d.Next
	err := d.Err
	d.mu.Unlock()

	if next != nil {
		return next(ctx, attempt)
	}
	if err != nil {
		return nil, err
	}
	t := NewTransport()
	d.mu.Lock()
	d.made = append(d.made, t)
	d.mu.Unlock()
	return t, nil
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Last returns the most recent transport created by the default path.
func (d *Dialer) Last() *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.made) == 0 {
		return nil
	}
	return d.made[len(d.made)-1]
}

// Scheduler records reconnect delays. Callbacks fire immediately on a new
// goroutine unless Hold is set, in which case Fire releases them.
type Scheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	held   []func()
	Hold   bool
}

func (s *Scheduler) Schedule(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	hold := s.Hold
	if hold {
		s.held = append(s.held, f)
	}
	s.mu.Unlock()
	if !hold {
		go f()
	}
	return func() bool { return true }
}

// Fire runs every held callback.
func (s *Scheduler) Fire() {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	for _, f := range held {
		go f()
	}
}

func (s *Scheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

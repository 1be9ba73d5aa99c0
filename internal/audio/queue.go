package audio

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type QueueHooks struct {
	// OnStart runs before each segment begins playing.
	OnStart func()
	// OnDrained runs when the last queued segment has finished.
	OnDrained func()
}

// Queue plays segments strictly in arrival order. A single drain goroutine
// owns the player, so two segments never overlap.
type Queue struct {
	player Player
	hooks  QueueHooks
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending [][]byte
	busy    bool
	closed  bool

	segments metric.Int64Counter
}

func NewQueue(player Player, hooks QueueHooks, log *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		player: player,
		hooks:  hooks,
		log:    log.With(slog.String("component", "playback")),
		ctx:    ctx,
		cancel: cancel,
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-link/audio").Int64Counter("loqa_link.audio.segments",
		metric.WithDescription("Synthesized audio segments played"))
	if err != nil {
		q.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		q.segments = counter
	}
	return q
}

// Enqueue appends a segment and starts the drain loop if it is idle.
func (q *Queue) Enqueue(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, pcm)
	if q.busy {
		return
	}
	q.busy = true
	q.wg.Add(1)
	go q.drain()
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.closed {
			q.busy = false
			closed := q.closed
			q.mu.Unlock()
			if !closed && q.hooks.OnDrained != nil {
				q.hooks.OnDrained()
			}
			return
		}
		seg := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if q.hooks.OnStart != nil {
			q.hooks.OnStart()
		}
		if err := q.player.Play(q.ctx, seg); err != nil {
			q.log.Warn("segment playback failed", slog.String("error", err.Error()))
		}
		if q.segments != nil {
			q.segments.Add(q.ctx, 1)
		}
	}
}

// Clear drops segments that have not started. A segment already playing
// finishes normally. It returns the number of dropped segments.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	q.pending = nil
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Playing reports whether the drain loop is running.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// Close drops pending segments, interrupts playback and waits for the
// drain loop to exit. The player itself is left open.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}

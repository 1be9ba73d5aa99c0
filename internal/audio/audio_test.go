package audio

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFloatToPCM16ClampsAndScales(t *testing.T) {
	pcm := FloatToPCM16([]float32{0, 1, -1, 2, -2, 0.5})
	got := make([]int16, len(pcm)/2)
	for i := range got {
		got[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	require.Equal(t, []int16{0, 32767, -32768, 32767, -32768, 16383}, got)
}

func TestPCM16ToFloat(t *testing.T) {
	f := PCM16ToFloat(FloatToPCM16([]float32{-1, 0}))
	require.Equal(t, []float32{-1, 0}, f)
	require.Len(t, PCM16ToFloat([]byte{1, 2, 3}), 1)
}

func TestLevelAndDuration(t *testing.T) {
	require.Zero(t, Level(nil))
	require.Zero(t, Level(make([]byte, 64)))
	require.InDelta(t, 100, Level(FloatToPCM16([]float32{-1, -1, -1})), 0.01)
	require.Equal(t, time.Second, Duration(make([]byte, 32000), 16000))
}

// recordingPlayer tracks overlap and order.
type recordingPlayer struct {
	delay   time.Duration
	active  atomic.Int32
	overlap atomic.Bool
	mu      sync.Mutex
	played  []byte
}

func (p *recordingPlayer) Play(_ context.Context, pcm []byte) error {
	if p.active.Add(1) > 1 {
		p.overlap.Store(true)
	}
	time.Sleep(p.delay)
	p.mu.Lock()
	p.played = append(p.played, pcm[0])
	p.mu.Unlock()
	p.active.Add(-1)
	return nil
}

func (p *recordingPlayer) Close() error { return nil }

func (p *recordingPlayer) order() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.played...)
}

func TestQueuePlaysFIFOWithoutOverlap(t *testing.T) {
	player := &recordingPlayer{delay: 5 * time.Millisecond}
	drained := make(chan struct{}, 4)
	var starts atomic.Int32
	q := NewQueue(player, QueueHooks{
		OnStart:   func() { starts.Add(1) },
		OnDrained: func() { drained <- struct{}{} },
	}, discard())
	defer q.Close()

	for i := byte(1); i <= 5; i++ {
		q.Enqueue([]byte{i, 0})
	}
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}
	require.Equal(t, []byte{1, 2, 3, 4, 5}, player.order())
	require.False(t, player.overlap.Load())
	require.EqualValues(t, 5, starts.Load())
	require.False(t, q.Playing())
}

func TestQueueConcurrentEnqueueNeverOverlaps(t *testing.T) {
	player := &recordingPlayer{delay: time.Millisecond}
	q := NewQueue(player, QueueHooks{}, discard())

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				q.Enqueue([]byte{byte(i), 0})
			}
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return len(player.order()) == 40 }, 2*time.Second, 5*time.Millisecond)
	q.Close()
	require.False(t, player.overlap.Load())
}

type blockingPlayer struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	played  int
}

func (p *blockingPlayer) Play(context.Context, []byte) error {
	p.started <- struct{}{}
	<-p.release
	p.mu.Lock()
	p.played++
	p.mu.Unlock()
	return nil
}

func (p *blockingPlayer) Close() error { return nil }

func TestQueueClearLetsCurrentSegmentFinish(t *testing.T) {
	player := &blockingPlayer{started: make(chan struct{}, 1), release: make(chan struct{})}
	drained := make(chan struct{}, 1)
	q := NewQueue(player, QueueHooks{OnDrained: func() { drained <- struct{}{} }}, discard())
	defer q.Close()

	q.Enqueue([]byte{1, 0})
	q.Enqueue([]byte{2, 0})
	q.Enqueue([]byte{3, 0})
	<-player.started
	require.Equal(t, 2, q.Clear())
	close(player.release)
	<-drained

	player.mu.Lock()
	defer player.mu.Unlock()
	require.Equal(t, 1, player.played)
}

func TestQueueIgnoresEmptySegments(t *testing.T) {
	q := NewQueue(&recordingPlayer{}, QueueHooks{}, discard())
	defer q.Close()
	q.Enqueue(nil)
	require.False(t, q.Playing())
	require.Zero(t, q.Len())
}

func TestWavPlayerWritesReadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	p, err := NewWavPlayer(path, 16000)
	require.NoError(t, err)
	require.NoError(t, p.Play(context.Background(), FloatToPCM16([]float32{0.1, -0.1, 0.2, -0.2})))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	require.EqualValues(t, 16000, dec.SampleRate)
	require.EqualValues(t, 1, dec.NumChans)
}

func TestNewPlayerModes(t *testing.T) {
	p, err := NewPlayer("null", "", "", 16000)
	require.NoError(t, err)
	require.IsType(t, NullPlayer{}, p)
	_, err = NewPlayer("speaker", "", "", 16000)
	require.Error(t, err)
	_, err = NewPlayer("exec", "", "", 16000)
	require.Error(t, err)
}

func TestNullPlayerPacing(t *testing.T) {
	p := NullPlayer{Paced: true, SampleRate: 16000}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Play(ctx, make([]byte, 32000)), context.Canceled)
}

func TestExecCaptureArgs(t *testing.T) {
	c := &ExecCapture{Command: "arecord -q --device={device} -f S16_LE"}
	args, err := c.args()
	require.NoError(t, err)
	require.Equal(t, []string{"arecord", "-q", "-f", "S16_LE"}, args)

	c.Device = "plughw:0"
	args, err = c.args()
	require.NoError(t, err)
	require.Equal(t, []string{"arecord", "-q", "--device=plughw:0", "-f", "S16_LE"}, args)

	c = &ExecCapture{Command: "arecord -q", Device: "hw:1"}
	args, err = c.args()
	require.NoError(t, err)
	require.Equal(t, []string{"arecord", "-q", "-D", "hw:1"}, args)
}

func TestExecCaptureFrames(t *testing.T) {
	c := &ExecCapture{Command: "head -c 20 /dev/zero", FrameSamples: 4, Log: discard()}
	rec, err := c.Start(context.Background())
	require.NoError(t, err)
	var total int
	for f := range rec.Frames() {
		total += len(f)
	}
	require.NoError(t, rec.Close())
	require.Equal(t, 20, total)
}

func TestExecCaptureUnavailable(t *testing.T) {
	c := &ExecCapture{Command: "/nonexistent/recorder"}
	_, err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrCaptureUnavailable)
}

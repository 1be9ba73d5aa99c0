package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

var ErrCaptureUnavailable = errors.New("audio capture unavailable")

// Capture produces microphone frames.
type Capture interface {
	Start(ctx context.Context) (Recording, error)
}

// Recording is one open microphone. Frames is closed when capture ends.
type Recording interface {
	Frames() <-chan []byte
	Close() error
}

// ExecCapture reads raw PCM16 from a recorder process such as arecord.
// A "{device}" argument is replaced by Device; otherwise a non-empty Device
// is passed as "-D <device>".
type ExecCapture struct {
	Command      string
	Device       string
	FrameSamples int
	Log          *slog.Logger
}

// SetDevice selects the input device for the next Start. An empty device
// keeps the configured one.
func (c *ExecCapture) SetDevice(device string) {
	if device != "" {
		c.Device = device
	}
}

func (c *ExecCapture) args() ([]string, error) {
	args, err := shellwords.Parse(c.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command is empty")
	}
	replaced := false
	out := args[:0]
	for _, a := range args {
		if strings.Contains(a, "{device}") {
			replaced = true
			if c.Device == "" {
				continue
			}
			a = strings.ReplaceAll(a, "{device}", c.Device)
		}
		out = append(out, a)
	}
	if !replaced && c.Device != "" {
		out = append(out, "-D", c.Device)
	}
	return out, nil
}

func (c *ExecCapture) Start(ctx context.Context) (Recording, error) {
	args, err := c.args()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	frameSamples := c.FrameSamples
	if frameSamples <= 0 {
		frameSamples = 4096
	}
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	r := &execRecording{
		cmd:    cmd,
		cancel: cancel,
		frames: make(chan []byte, 8),
		done:   make(chan struct{}),
		log:    log.With(slog.String("component", "capture")),
	}
	go r.read(stdout, frameSamples*2)
	return r, nil
}

type execRecording struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	log    *slog.Logger
}

func (r *execRecording) Frames() <-chan []byte { return r.frames }

func (r *execRecording) read(src io.Reader, frameBytes int) {
	defer close(r.done)
	defer close(r.frames)
	for {
		buf := make([]byte, frameBytes)
		n, err := io.ReadFull(src, buf)
		if n > 0 && n%2 == 0 {
			r.frames <- buf[:n]
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				r.log.Debug("capture read ended", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// Close stops the recorder and waits for the reader to finish.
func (r *execRecording) Close() error {
	var err error
	r.once.Do(func() {
		r.cancel()
		// Unblock a reader stuck on a full channel.
		go func() {
			for range r.frames {
			}
		}()
		<-r.done
		err = r.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
	})
	return err
}

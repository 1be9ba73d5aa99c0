package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// Player plays one PCM16 segment and returns once playback has completed.
type Player interface {
	Play(ctx context.Context, pcm []byte) error
	Close() error
}

// ExecPlayer pipes each segment into a fresh player process (aplay by
// default) and waits for it to exit.
type ExecPlayer struct {
	args []string
}

func NewExecPlayer(command string) (*ExecPlayer, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("playback command is empty")
	}
	return &ExecPlayer{args: args}, nil
}

func (p *ExecPlayer) Play(ctx context.Context, pcm []byte) error {
	cmd := exec.CommandContext(ctx, p.args[0], p.args[1:]...)
	cmd.Stdin = bytes.NewReader(pcm)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback command failed: %w: %s", err, stderr.String())
	}
	return nil
}

func (p *ExecPlayer) Close() error { return nil }

// WavPlayer appends every segment to a single WAV file. The header is
// finalized on Close.
type WavPlayer struct {
	mu         sync.Mutex
	file       *os.File
	enc        *wav.Encoder
	sampleRate int
}

func NewWavPlayer(path string, sampleRate int) (*WavPlayer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	return &WavPlayer{
		file:       f,
		enc:        wav.NewEncoder(f, sampleRate, 16, 1, 1),
		sampleRate: sampleRate,
	}, nil
}

func (p *WavPlayer) Play(_ context.Context, pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enc == nil {
		return errors.New("wav player closed")
	}
	if err := p.enc.Write(IntBuffer(pcm, p.sampleRate)); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

func (p *WavPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enc == nil {
		return nil
	}
	err := p.enc.Close()
	p.enc = nil
	if cerr := p.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// NullPlayer discards audio. With Paced set it waits for the segment's
// play time so status timing matches a real device.
type NullPlayer struct {
	Paced      bool
	SampleRate int
}

func (p NullPlayer) Play(ctx context.Context, pcm []byte) error {
	if !p.Paced {
		return nil
	}
	t := time.NewTimer(Duration(pcm, p.SampleRate))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (NullPlayer) Close() error { return nil }

// NewPlayer builds the backend named by mode: exec, wav or null.
func NewPlayer(mode, command, wavPath string, sampleRate int) (Player, error) {
	switch mode {
	case "", "exec":
		return NewExecPlayer(command)
	case "wav":
		return NewWavPlayer(wavPath, sampleRate)
	case "null":
		return NullPlayer{Paced: true, SampleRate: sampleRate}, nil
	default:
		return nil, fmt.Errorf("unknown playback mode %q", mode)
	}
}

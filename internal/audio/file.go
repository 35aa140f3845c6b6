package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/ewonic/internal/config"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
)

// Capture produces frames until it returns io.EOF.
type Capture interface {
	ReadFrame(ctx context.Context) ([]byte, error)
}

// FrameDuration is the playback time of one frame of 16-bit mono PCM.
func FrameDuration(cfg config.AudioConfig) time.Duration {
	if cfg.SampleRate <= 0 || cfg.FrameBytes <= 0 {
		return 0
	}
	return time.Duration(cfg.FrameBytes) * time.Second / time.Duration(cfg.SampleRate*2)
}

// pacer spaces reads interval apart. A zero interval does not wait.
type pacer struct {
	interval time.Duration
	next     time.Time
}

func (p *pacer) wait(ctx context.Context) error {
	if p.interval <= 0 {
		return ctx.Err()
	}

	now := time.Now()
	if p.next.IsZero() {
		p.next = now
	}
	if d := p.next.Sub(now); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	p.next = p.next.Add(p.interval)
	return nil
}

// FileCapture reads raw PCM from a reader in fixed-size frames. The last
// frame may be short.
type FileCapture struct {
	r          io.Reader
	closer     io.Closer
	frameBytes int
	pace       pacer
}

var _ Capture = (*FileCapture)(nil)

func NewFileCapture(r io.Reader, frameBytes int, interval time.Duration) *FileCapture {
	c := &FileCapture{r: r, frameBytes: frameBytes, pace: pacer{interval: interval}}
	if closer, ok := r.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// OpenFileCapture reads path at real time for cfg.
func OpenFileCapture(path string, cfg config.AudioConfig) (*FileCapture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	return NewFileCapture(f, cfg.FrameBytes, FrameDuration(cfg)), nil
}

func (c *FileCapture) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := c.pace.wait(ctx); err != nil {
		return nil, err
	}

	frame := make([]byte, c.frameBytes)
	n, err := io.ReadFull(c.r, frame)
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return frame[:n], nil
	case err != nil:
		return nil, err
	}
	return frame, nil
}

func (c *FileCapture) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// FilePlayer appends every received frame to a writer.
type FilePlayer struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	written int64
}

var _ Player = (*FilePlayer)(nil)

func NewFilePlayer(w io.Writer) *FilePlayer {
	p := &FilePlayer{w: w}
	if closer, ok := w.(io.Closer); ok {
		p.closer = closer
	}
	return p
}

// CreateFilePlayer truncates path and writes frames to it.
func CreateFilePlayer(path string) (*FilePlayer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create playback file: %w", err)
	}
	return NewFilePlayer(f), nil
}

func (p *FilePlayer) Play(_ transport.PeerID, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.w.Write(frame)
	p.written += int64(n)
	return err
}

// Written returns the number of bytes played so far.
func (p *FilePlayer) Written() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

func (p *FilePlayer) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

// Pump sends every frame from capture to peerID until capture is
// exhausted or ctx is done. onFrame, if set, sees the size of each frame.
// It returns the number of frames sent.
func (m *Multiplexer) Pump(ctx context.Context, capture Capture, peerID transport.PeerID, onFrame func(n int)) (int, error) {
	if capture == nil {
		return 0, ErrNoCapture
	}

	frames := 0
	for {
		frame, err := capture.ReadFrame(ctx)
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		if len(frame) == 0 {
			continue
		}

		m.SendAudioFrame(frame, peerID)
		frames++
		if onFrame != nil {
			onFrame(len(frame))
		}
	}
}

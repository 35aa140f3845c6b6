package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/opus"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

// Opus pages decode to 20ms of 48kHz 16-bit mono PCM.
const (
	OpusSampleRate    = 48000
	OpusFrameDuration = 20 * time.Millisecond
	opusFrameBytes    = OpusSampleRate / 50 * 2
)

var opusTags = []byte("OpusTags")

// OpusCapture decodes an Ogg/Opus stream into PCM frames.
type OpusCapture struct {
	ogg     *oggreader.OggReader
	decoder opus.Decoder
	closer  io.Closer
	pace    pacer

	Channels uint8
}

var _ Capture = (*OpusCapture)(nil)

// NewOpusCapture reads the Ogg header from r. interval paces ReadFrame;
// use OpusFrameDuration for real time or zero to read as fast as possible.
func NewOpusCapture(r io.Reader, interval time.Duration) (*OpusCapture, error) {
	ogg, header, err := oggreader.NewWith(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read ogg header: %w", err)
	}

	c := &OpusCapture{
		ogg:      ogg,
		decoder:  opus.NewDecoder(),
		pace:     pacer{interval: interval},
		Channels: header.Channels,
	}
	if closer, ok := r.(io.Closer); ok {
		c.closer = closer
	}
	return c, nil
}

func OpenOpusCapture(path string) (*OpusCapture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	c, err := NewOpusCapture(f, OpusFrameDuration)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return c, nil
}

func (c *OpusCapture) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		page, _, err := c.ogg.ParseNextPage()
		if err != nil {
			return nil, err
		}
		if bytes.HasPrefix(page, opusTags) {
			continue
		}

		if err := c.pace.wait(ctx); err != nil {
			return nil, err
		}
		out := make([]byte, opusFrameBytes)
		if _, _, err := c.decoder.Decode(page, out); err != nil {
			return nil, fmt.Errorf("%w: opus: %w", ErrBadFrame, err)
		}
		return out, nil
	}
}

func (c *OpusCapture) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

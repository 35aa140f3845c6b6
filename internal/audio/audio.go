// Package audio carries PCM frames over the session's text channel.
//
// A frame travels as "AUDIO:" followed by the standard base64 encoding of
// its bytes. Any message without the tag is ordinary text.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rudransh-shrivastava/ewonic/internal/logger"
	"github.com/rudransh-shrivastava/ewonic/internal/orchestrator"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
	"github.com/sirupsen/logrus"
)

const Tag = "AUDIO:"

var (
	ErrNotAudio  = errors.New("message is not an audio frame")
	ErrBadFrame  = errors.New("malformed audio frame")
	ErrNoCapture = errors.New("no capture source")
)

// EncodeFrame returns the wire text for frame.
func EncodeFrame(frame []byte) string {
	return Tag + base64.StdEncoding.EncodeToString(frame)
}

// DecodeFrame reverses EncodeFrame.
func DecodeFrame(text string) ([]byte, error) {
	payload, ok := strings.CutPrefix(text, Tag)
	if !ok {
		return nil, ErrNotAudio
	}
	frame, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadFrame, err)
	}
	return frame, nil
}

func IsFrame(text string) bool {
	return strings.HasPrefix(text, Tag)
}

// Sender is the part of the orchestrator the multiplexer sends through.
type Sender interface {
	SendMessage(text string, peerID transport.PeerID)
}

// Player consumes received frames.
type Player interface {
	Play(peerID transport.PeerID, frame []byte) error
}

type Multiplexer struct {
	sender Sender
	player Player
	log    *logrus.Entry

	sent     atomic.Uint64
	received atomic.Uint64
}

// NewMultiplexer sends through sender and plays received frames on player.
// player may be nil, in which case received frames are dropped.
func NewMultiplexer(sender Sender, player Player, log *logrus.Logger) *Multiplexer {
	if log == nil {
		log = logger.NewLogger()
	}
	return &Multiplexer{
		sender: sender,
		player: player,
		log:    log.WithField("component", "audio"),
	}
}

// SendAudioFrame sends frame to peerID, or to every connected peer when
// peerID is empty. Empty frames are not sent.
func (m *Multiplexer) SendAudioFrame(frame []byte, peerID transport.PeerID) {
	if len(frame) == 0 {
		return
	}
	m.sender.SendMessage(EncodeFrame(frame), peerID)
	m.sent.Add(1)
}

// HandleMessage plays tagged frames and reports whether text was one.
// Malformed frames are logged and dropped but still count as handled.
func (m *Multiplexer) HandleMessage(peerID transport.PeerID, text string) bool {
	if !IsFrame(text) {
		return false
	}

	frame, err := DecodeFrame(text)
	if err != nil {
		m.log.Warnf("Dropping frame from %s: %v", peerID, err)
		return true
	}
	m.received.Add(1)

	if m.player == nil {
		return true
	}
	if err := m.player.Play(peerID, frame); err != nil {
		m.log.Warnf("Failed to play frame from %s: %v", peerID, err)
	}
	return true
}

// Wrap returns cb with the demultiplexer in front of OnMessage.
func (m *Multiplexer) Wrap(cb orchestrator.Callbacks) orchestrator.Callbacks {
	next := cb.OnMessage
	cb.OnMessage = func(peerID transport.PeerID, text string) {
		if m.HandleMessage(peerID, text) {
			return
		}
		if next != nil {
			next(peerID, text)
		}
	}
	return cb
}

// Stats returns the number of frames sent and received.
func (m *Multiplexer) Stats() (sent, received uint64) {
	return m.sent.Load(), m.received.Load()
}

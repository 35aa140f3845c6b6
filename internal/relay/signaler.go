package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rudransh-shrivastava/ewonic/internal/radio"
	"github.com/rudransh-shrivastava/ewonic/internal/signaling"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
)

// Signaler carries signaling envelopes over the relay. It implements
// transport.Signaler and transport.Discoverer.
type Signaler struct {
	relay *Relay

	sendMu    sync.Mutex
	signals   chan transport.Signal
	closed    chan struct{}
	closeOnce sync.Once
}

var (
	_ transport.Signaler   = (*Signaler)(nil)
	_ transport.Discoverer = (*Signaler)(nil)
)

func NewSignaler(r *Relay) *Signaler {
	return &Signaler{
		relay:   r,
		signals: make(chan transport.Signal, 64),
		closed:  make(chan struct{}),
	}
}

// Start serves the signaling characteristic so peers can write to us.
func (s *Signaler) Start() error {
	return s.relay.Serve(s.handleInbound)
}

func (s *Signaler) Discover(ctx context.Context, onFound func(transport.DiscoveredPeer), onLost func(transport.PeerID)) error {
	return s.relay.Discover(ctx, onFound, onLost)
}

func (s *Signaler) StopDiscovery() error {
	return s.relay.StopDiscovery()
}

// SendSignal writes msg to peerID through a central channel, falling back
// to a notification when the peer only reached us as a central. Sends are
// serialized so a peer sees messages in the order they were produced.
// Errors wrap transport.ErrConnectionSetup when the peer does not serve
// the signaling characteristic, and transport.ErrSendFailed otherwise.
func (s *Signaler) SendSignal(ctx context.Context, peerID transport.PeerID, msg signaling.Message) error {
	addr, ok := s.relay.Lookup(peerID)
	if !ok {
		return fmt.Errorf("%w: no relay address for %s", transport.ErrSendFailed, peerID)
	}

	text, err := signaling.Encode(signaling.Envelope{
		From:    string(s.relay.LocalID()),
		To:      string(peerID),
		Message: msg,
	})
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ch, err := s.relay.channel(ctx, addr)
	if err == nil {
		if err = ch.Send(ctx, text); err == nil {
			return nil
		}
		_ = s.relay.Close(addr)
	}

	if replyErr := s.relay.Reply(addr, text); replyErr == nil {
		return nil
	}
	// A peer without the signaling service is a setup failure, not a lost write.
	if errors.Is(err, transport.ErrConnectionSetup) {
		return fmt.Errorf("%s to %s: %w", msg.Kind, peerID, err)
	}
	return fmt.Errorf("%w: %s to %s: %w", transport.ErrSendFailed, msg.Kind, peerID, err)
}

func (s *Signaler) RecvSignal() <-chan transport.Signal {
	return s.signals
}

func (s *Signaler) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *Signaler) handleInbound(from radio.Address, text string) {
	log := s.relay.log.WithField("from", from)

	env, err := signaling.Decode(text)
	if err != nil {
		if errors.Is(err, signaling.ErrMalformedMessage) {
			log.Warnf("Dropping signaling message: %v", err)
		}
		return
	}

	local := s.relay.LocalID()
	if env.IsEcho(string(local)) {
		log.Debug("Dropping echoed signaling message")
		return
	}
	if env.To != "" && env.To != string(local) {
		log.Debugf("Dropping signaling message addressed to %s", env.To)
		return
	}

	peerID := transport.PeerID(env.From)
	if peerID == "" {
		known, ok := s.relay.PeerAt(from)
		if !ok {
			log.Warnf("Dropping %s from unknown sender", env.Kind)
			return
		}
		peerID = known
	}
	s.relay.remember(peerID, from)

	select {
	case s.signals <- transport.Signal{PeerID: peerID, Message: env.Message}:
	case <-s.closed:
	}
}

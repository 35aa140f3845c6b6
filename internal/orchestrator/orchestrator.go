// Package orchestrator owns the single active session: it selects a
// transport, folds its events into one per-peer state table and reports
// them through a callback set.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	pion "github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/ewonic/internal/config"
	"github.com/rudransh-shrivastava/ewonic/internal/identity"
	"github.com/rudransh-shrivastava/ewonic/internal/logger"
	"github.com/rudransh-shrivastava/ewonic/internal/radio"
	"github.com/rudransh-shrivastava/ewonic/internal/relay"
	"github.com/rudransh-shrivastava/ewonic/internal/store"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
	"github.com/rudransh-shrivastava/ewonic/internal/transport/native"
	"github.com/rudransh-shrivastava/ewonic/internal/transport/webrtc"
	"github.com/sirupsen/logrus"
)

var (
	ErrInitialization = errors.New("initialization failed")
	ErrNoSession      = errors.New("no active session")
	ErrSelfConnect    = errors.New("cannot connect to self")
	ErrDiscovery      = transport.ErrDiscovery
)

// Callbacks is the caller's view of a session. Any field may be nil.
// Callbacks run on the session's event goroutine.
type Callbacks struct {
	OnMessage      func(peerID transport.PeerID, text string)
	OnConnected    func(peerID transport.PeerID)
	OnDisconnected func(peerID transport.PeerID, reason string)
	OnPeerFound    func(peer transport.DiscoveredPeer)
	OnPeerLost     func(peerID transport.PeerID)
}

type Options struct {
	Config *config.Config

	// Identity and Registry produce the local PeerID. Registry may be nil.
	Identity identity.Provider
	Registry identity.Registry

	// Sightings, when set, records every discovered peer.
	Sightings store.SightingRecorder

	// Radio backs the relay + WebRTC session.
	Radio radio.Radio
	// WebRTCAPI overrides the pion API used for peer connections.
	WebRTCAPI *pion.API

	// Framework backs the native session.
	Framework native.Framework

	Logger *logrus.Logger
}

type Orchestrator struct {
	opts   Options
	logger *logrus.Logger
	log    *logrus.Entry

	initMu  sync.Mutex
	localID transport.PeerID

	// sessionMu serializes StartSession and StopSession.
	sessionMu sync.Mutex

	mu      sync.Mutex
	session *session
}

type session struct {
	platform  config.Platform
	transport transport.Transport
	relay     *relay.Relay
	signaler  *relay.Signaler
	callbacks Callbacks
	cancel    context.CancelFunc

	peers  map[transport.PeerID]transport.DiscoveredPeer
	states map[transport.PeerID]ConnectionState
}

func New(opts Options) *Orchestrator {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}
	return &Orchestrator{
		opts:   opts,
		logger: log,
		log:    log.WithField("component", "orchestrator"),
	}
}

// Initialize derives the local PeerID once per process.
func (o *Orchestrator) Initialize(ctx context.Context) (transport.PeerID, error) {
	o.initMu.Lock()
	defer o.initMu.Unlock()

	if o.localID != "" {
		return o.localID, nil
	}

	id, err := identity.New(ctx, o.opts.Identity, o.opts.Registry)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInitialization, err)
	}
	o.localID = id
	o.log.Infof("Local peer id is %s", id)
	return id, nil
}

// LocalID returns the id from Initialize, or "" before it.
func (o *Orchestrator) LocalID() transport.PeerID {
	o.initMu.Lock()
	defer o.initMu.Unlock()
	return o.localID
}

// Active reports whether a session is running.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session != nil
}

// StartSession selects the configured transport, registers callbacks and
// starts discovery. Starting while a session is active is a no-op.
func (o *Orchestrator) StartSession(ctx context.Context, callbacks Callbacks) error {
	o.sessionMu.Lock()
	defer o.sessionMu.Unlock()

	if o.Active() {
		o.log.Info("Session already active")
		return nil
	}

	localID, err := o.Initialize(ctx)
	if err != nil {
		return err
	}

	s, err := o.newSession(localID, callbacks)
	if err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	o.mu.Lock()
	o.session = s
	o.mu.Unlock()

	go o.run(sctx, s)

	if err := s.transport.Start(sctx); err != nil {
		o.detach(s)
		if closeErr := o.teardown(s); closeErr != nil {
			o.log.Debugf("Teardown after failed start: %v", closeErr)
		}
		if errors.Is(err, transport.ErrDiscovery) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	o.log.Infof("Session started on %s", s.platform)
	return nil
}

func (o *Orchestrator) newSession(localID transport.PeerID, callbacks Callbacks) (*session, error) {
	cfg := o.opts.Config
	s := &session{
		platform:  cfg.Platform,
		callbacks: callbacks,
		peers:     make(map[transport.PeerID]transport.DiscoveredPeer),
		states:    make(map[transport.PeerID]ConnectionState),
	}

	switch cfg.Platform {
	case config.PlatformNative:
		if o.opts.Framework == nil {
			return nil, fmt.Errorf("%w: native framework unavailable", ErrInitialization)
		}
		s.transport = native.New(native.Options{
			Framework:   o.opts.Framework,
			DisplayName: string(localID),
			Info:        map[string]string{"id": string(localID)},
			Logger:      o.logger,
		})

	case config.PlatformWebRTC, "":
		if o.opts.Radio == nil {
			return nil, fmt.Errorf("%w: radio unavailable", ErrInitialization)
		}
		s.relay = relay.New(relay.Options{
			Radio:              o.opts.Radio,
			LocalID:            localID,
			ServiceUUID:        cfg.Relay.ServiceUUID,
			CharacteristicUUID: cfg.Relay.CharacteristicUUID,
			NamePrefix:         cfg.Relay.NamePrefix,
			Logger:             o.logger,
		})
		s.signaler = relay.NewSignaler(s.relay)
		if err := s.signaler.Start(); err != nil {
			return nil, fmt.Errorf("%w: serving signaling characteristic: %w", ErrInitialization, err)
		}

		s.transport = webrtc.New(webrtc.Options{
			LocalID:    localID,
			Signaler:   s.signaler,
			Discoverer: s.signaler,
			Config:     webrtc.ICEConfig(cfg.WebRTC.STUNServers...),
			Label:      cfg.WebRTC.DataChannelLabel,
			API:        o.opts.WebRTCAPI,
			Logger:     o.logger,
		})

	default:
		return nil, fmt.Errorf("%w: unknown platform %q", ErrInitialization, cfg.Platform)
	}
	return s, nil
}

// StopSession tears down every connection, stops discovery and drops the
// callbacks. It is safe to call when idle and from inside a callback.
func (o *Orchestrator) StopSession() error {
	o.sessionMu.Lock()
	defer o.sessionMu.Unlock()

	o.mu.Lock()
	s := o.session
	o.mu.Unlock()
	if s == nil {
		return nil
	}

	o.detach(s)
	err := o.teardown(s)
	o.log.Info("Session stopped")
	return err
}

// detach makes s unreachable so in-flight events are dropped.
func (o *Orchestrator) detach(s *session) {
	o.mu.Lock()
	if o.session == s {
		o.session = nil
	}
	o.mu.Unlock()
	s.cancel()
}

func (o *Orchestrator) teardown(s *session) error {
	var errs []error
	if err := s.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.signaler != nil {
		if err := s.signaler.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.relay.CloseAll(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ConnectToDevice asks the active transport to connect to peerID.
func (o *Orchestrator) ConnectToDevice(ctx context.Context, peerID transport.PeerID) error {
	if peerID == o.LocalID() {
		return ErrSelfConnect
	}

	o.mu.Lock()
	s := o.session
	if s == nil {
		o.mu.Unlock()
		return ErrNoSession
	}
	if _, tracked := s.states[peerID]; !tracked {
		s.states[peerID] = StateInviting
	}
	o.mu.Unlock()

	o.log.Infof("Connecting to %s", peerID)
	if err := s.transport.Connect(ctx, peerID); err != nil {
		o.mu.Lock()
		if o.session == s && s.states[peerID] == StateInviting {
			delete(s.states, peerID)
		}
		o.mu.Unlock()
		return err
	}
	return nil
}

// SendMessage sends text to peerID, or to every connected peer when
// peerID is empty. Without a session it does nothing.
func (o *Orchestrator) SendMessage(text string, peerID transport.PeerID) {
	o.mu.Lock()
	s := o.session
	o.mu.Unlock()
	if s == nil {
		return
	}

	if peerID == "" {
		s.transport.Broadcast(text)
		return
	}
	s.transport.Send(peerID, text)
}

func (o *Orchestrator) DisconnectPeer(peerID transport.PeerID) {
	o.mu.Lock()
	s := o.session
	if s == nil {
		o.mu.Unlock()
		return
	}
	if _, tracked := s.states[peerID]; tracked {
		s.states[peerID] = StateDisconnecting
	}
	o.mu.Unlock()

	s.transport.Disconnect(peerID)
}

func (o *Orchestrator) DisconnectAll() {
	o.mu.Lock()
	s := o.session
	if s == nil {
		o.mu.Unlock()
		return
	}
	for id := range s.states {
		s.states[id] = StateDisconnecting
	}
	o.mu.Unlock()

	s.transport.DisconnectAll()
}

// ConnectionState reports StateIdle for unknown peers and when idle.
func (o *Orchestrator) ConnectionState(peerID transport.PeerID) ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return StateIdle
	}
	return o.session.states[peerID]
}

// Connected lists peers in the connected state, sorted.
func (o *Orchestrator) Connected() []transport.PeerID {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}

	var out []transport.PeerID
	for id, st := range o.session.states {
		if st == StateConnected {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Peers lists discovered peers sorted by id.
func (o *Orchestrator) Peers() []transport.DiscoveredPeer {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}

	out := make([]transport.DiscoveredPeer, 0, len(o.session.peers))
	for _, p := range o.session.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Package relay turns scan-and-GATT radio primitives into a per-peer text
// pipe used to carry WebRTC signaling.
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rudransh-shrivastava/ewonic/internal/logger"
	"github.com/rudransh-shrivastava/ewonic/internal/radio"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
	"github.com/sirupsen/logrus"
)

// Shared by every peer; never negotiated.
const (
	ServiceUUID        = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	CharacteristicUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	NamePrefix         = "EWONIC:"
)

var (
	ErrServiceNotFound        = errors.New("signaling service not found")
	ErrCharacteristicNotFound = errors.New("signaling characteristic not found")
)

type Options struct {
	Radio   radio.Radio
	LocalID transport.PeerID

	ServiceUUID        string
	CharacteristicUUID string
	NamePrefix         string

	Logger *logrus.Logger
}

type Relay struct {
	radio   radio.Radio
	localID transport.PeerID
	service string
	char    string
	prefix  string
	log     *logrus.Entry

	mu        sync.Mutex
	scanning  bool
	channels  map[radio.Address]*Channel
	addresses map[transport.PeerID]radio.Address
	peers     map[radio.Address]transport.PeerID
	onMessage func(from radio.Address, text string)
}

func New(opts Options) *Relay {
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	r := &Relay{
		radio:     opts.Radio,
		localID:   opts.LocalID,
		service:   opts.ServiceUUID,
		char:      opts.CharacteristicUUID,
		prefix:    opts.NamePrefix,
		log:       log.WithField("component", "relay"),
		channels:  make(map[radio.Address]*Channel),
		addresses: make(map[transport.PeerID]radio.Address),
		peers:     make(map[radio.Address]transport.PeerID),
	}
	if r.service == "" {
		r.service = ServiceUUID
	}
	if r.char == "" {
		r.char = CharacteristicUUID
	}
	if r.prefix == "" {
		r.prefix = NamePrefix
	}
	return r
}

// AdvertisedName is the name a device advertises so others can learn its id.
func AdvertisedName(prefix string, id transport.PeerID) string {
	return prefix + string(id)
}

// ParseAdvertisedName extracts the peer id from name. Names without the
// prefix, with an empty id, or carrying local are rejected.
func ParseAdvertisedName(prefix, name string, local transport.PeerID) (transport.PeerID, bool) {
	suffix, ok := strings.CutPrefix(name, prefix)
	if !ok || suffix == "" {
		return "", false
	}
	id := transport.PeerID(suffix)
	if id == local {
		return "", false
	}
	return id, true
}

func (r *Relay) LocalID() transport.PeerID {
	return r.localID
}

// Advertise starts advertising the local id.
func (r *Relay) Advertise() error {
	return r.radio.StartAdvertising(r.service, AdvertisedName(r.prefix, r.localID))
}

func (r *Relay) StopAdvertising() error {
	return r.radio.StopAdvertising()
}

// Discover scans for the application service. A scan already running is
// stopped and started again.
func (r *Relay) Discover(ctx context.Context, onFound func(transport.DiscoveredPeer), onLost func(transport.PeerID)) error {
	r.mu.Lock()
	restart := r.scanning
	r.mu.Unlock()

	if restart {
		r.log.Debug("Discovery already running, restarting scan")
		if err := r.radio.StopScan(); err != nil {
			r.log.Warnf("Failed to stop scan: %v", err)
		}
	}

	found := func(ad radio.Advertisement) {
		id, ok := ParseAdvertisedName(r.prefix, ad.Name, r.localID)
		if !ok {
			return
		}
		r.remember(id, ad.Address)
		onFound(transport.DiscoveredPeer{
			ID:          id,
			DisplayName: string(id),
			Handle:      string(ad.Address),
			Metadata:    map[string]string{"name": ad.Name},
		})
	}

	lost := func(addr radio.Address) {
		r.mu.Lock()
		id, ok := r.peers[addr]
		r.mu.Unlock()
		if ok {
			onLost(id)
		}
	}

	if err := r.radio.StartScan(r.service, found, lost); err != nil {
		r.mu.Lock()
		r.scanning = false
		r.mu.Unlock()
		return fmt.Errorf("%w: %w", transport.ErrDiscovery, err)
	}

	r.mu.Lock()
	r.scanning = true
	r.mu.Unlock()
	r.log.Infof("Scanning for %s", r.service)
	return nil
}

func (r *Relay) StopDiscovery() error {
	r.mu.Lock()
	scanning := r.scanning
	r.scanning = false
	r.mu.Unlock()

	if !scanning {
		return nil
	}
	return r.radio.StopScan()
}

func (r *Relay) remember(id transport.PeerID, addr radio.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addresses[id] = addr
	r.peers[addr] = id
}

// Lookup returns the radio address last seen for id.
func (r *Relay) Lookup(id transport.PeerID) (radio.Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.addresses[id]
	return addr, ok
}

// PeerAt returns the peer id last seen at addr.
func (r *Relay) PeerAt(addr radio.Address) (transport.PeerID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.peers[addr]
	return id, ok
}

// ConnectAndOpenChannel connects to handle and checks it serves the
// signaling characteristic. On failure the connection is already closed.
func (r *Relay) ConnectAndOpenChannel(ctx context.Context, handle radio.Address) (*Channel, error) {
	dev, err := r.radio.Connect(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", transport.ErrConnectionSetup, handle, err)
	}

	services, err := dev.DiscoverServices(ctx)
	if err != nil {
		_ = dev.Disconnect()
		return nil, fmt.Errorf("%w: discover services on %s: %w", transport.ErrConnectionSetup, handle, err)
	}

	serviceFound, charFound := radio.HasCharacteristic(services, r.service, r.char)
	if !serviceFound {
		_ = dev.Disconnect()
		return nil, fmt.Errorf("%w: %w", transport.ErrConnectionSetup, ErrServiceNotFound)
	}
	if !charFound {
		_ = dev.Disconnect()
		return nil, fmt.Errorf("%w: %w", transport.ErrConnectionSetup, ErrCharacteristicNotFound)
	}

	ch := &Channel{relay: r, dev: dev}

	r.mu.Lock()
	old := r.channels[handle]
	r.channels[handle] = ch
	r.mu.Unlock()

	if old != nil {
		_ = old.dev.Disconnect()
	}

	dev.OnDisconnect(func() {
		r.mu.Lock()
		if r.channels[handle] == ch {
			delete(r.channels, handle)
		}
		r.mu.Unlock()
		r.log.Debugf("Relay link to %s dropped", handle)
	})

	return ch, nil
}

// channel returns the cached channel to handle, opening and subscribing a
// new one when needed.
func (r *Relay) channel(ctx context.Context, handle radio.Address) (*Channel, error) {
	r.mu.Lock()
	ch := r.channels[handle]
	r.mu.Unlock()
	if ch != nil {
		return ch, nil
	}

	ch, err := r.ConnectAndOpenChannel(ctx, handle)
	if err != nil {
		return nil, err
	}
	if err := ch.Subscribe(func(text string) { r.deliver(handle, text) }); err != nil {
		r.log.Warnf("Failed to subscribe to %s: %v", handle, err)
	}
	return ch, nil
}

// Close disconnects the channel to handle. Unknown handles are ignored.
func (r *Relay) Close(handle radio.Address) error {
	r.mu.Lock()
	ch := r.channels[handle]
	delete(r.channels, handle)
	r.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.dev.Disconnect()
}

// CloseAll drops every channel and stops scanning.
func (r *Relay) CloseAll() error {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[radio.Address]*Channel)
	r.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.dev.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.StopDiscovery(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Serve exposes the signaling characteristic. Writes from centrals and
// notifications on channels we opened are both delivered to onMessage.
func (r *Relay) Serve(onMessage func(from radio.Address, text string)) error {
	r.mu.Lock()
	r.onMessage = onMessage
	r.mu.Unlock()

	err := r.radio.ServeCharacteristic(r.service, r.char, func(from radio.Address, data []byte) {
		text, err := decodePayload(data)
		if err != nil {
			r.log.Errorf("Dropping undecodable write from %s: %v", from, err)
			return
		}
		r.deliver(from, text)
	})
	if err != nil {
		return fmt.Errorf("failed to serve characteristic: %w", err)
	}
	return nil
}

// Reply notifies a central that wrote to us.
func (r *Relay) Reply(to radio.Address, text string) error {
	return r.radio.Notify(to, r.service, r.char, encodePayload(text))
}

func (r *Relay) deliver(from radio.Address, text string) {
	r.mu.Lock()
	fn := r.onMessage
	r.mu.Unlock()
	if fn != nil {
		fn(from, text)
	}
}

// Channel is an open link to one remote peripheral.
type Channel struct {
	relay *Relay
	dev   radio.Device
}

func (c *Channel) Address() radio.Address {
	return c.dev.Address()
}

func (c *Channel) Send(ctx context.Context, text string) error {
	return c.dev.Write(ctx, c.relay.service, c.relay.char, encodePayload(text))
}

// Subscribe delivers one message per notification. Payloads that are not
// base64 encoded UTF-8 are logged and skipped.
func (c *Channel) Subscribe(onMessage func(text string)) error {
	addr := c.dev.Address()
	return c.dev.Subscribe(c.relay.service, c.relay.char, func(data []byte) {
		text, err := decodePayload(data)
		if err != nil {
			c.relay.log.Errorf("Dropping undecodable notification from %s: %v", addr, err)
			return
		}
		onMessage(text)
	})
}

func (c *Channel) Close() error {
	return c.relay.Close(c.dev.Address())
}

func encodePayload(text string) []byte {
	return []byte(base64.StdEncoding.EncodeToString([]byte(text)))
}

func decodePayload(data []byte) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return "", fmt.Errorf("invalid base64: %w", err)
	}
	if !utf8.Valid(raw) {
		return "", errors.New("invalid utf-8")
	}
	return string(raw), nil
}

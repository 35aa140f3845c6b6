// Package ether is an in-process radio medium. Every Radio created from the
// same Medium can see and connect to the others.
package ether

import (
	"context"
	"sort"
	"sync"

	"github.com/rudransh-shrivastava/ewonic/internal/radio"
)

const queueSize = 1024

type charKey struct {
	service string
	char    string
}

type scanState struct {
	service string
	onFound func(radio.Advertisement)
	onLost  func(radio.Address)
}

type advertState struct {
	service string
	name    string
}

type pending struct {
	to *Radio
	fn func()
}

// Medium connects radios. All radio state is guarded by mu; callbacks are
// posted to each radio's own queue after mu is released.
type Medium struct {
	mu     sync.Mutex
	radios map[radio.Address]*Radio
}

func NewMedium() *Medium {
	return &Medium{radios: make(map[radio.Address]*Radio)}
}

// NewRadio attaches a powered radio at addr. An existing radio at addr is
// replaced.
func (m *Medium) NewRadio(addr radio.Address) *Radio {
	r := &Radio{
		medium:    m,
		addr:      addr,
		queue:     make(chan func(), queueSize),
		done:      make(chan struct{}),
		powered:   true,
		permitted: true,
		served:    make(map[charKey]func(radio.Address, []byte)),
		outbound:  make(map[*device]struct{}),
		inbound:   make(map[*device]struct{}),
	}
	go r.run()

	m.mu.Lock()
	old := m.radios[addr]
	m.radios[addr] = r
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return r
}

func (m *Medium) flush(calls []pending) {
	for _, p := range calls {
		p.to.post(p.fn)
	}
}

// Radio is one endpoint on a Medium. It implements radio.Radio.
type Radio struct {
	medium    *Medium
	addr      radio.Address
	queue     chan func()
	done      chan struct{}
	closeOnce sync.Once

	powered   bool
	permitted bool
	scan      *scanState
	adv       *advertState
	served    map[charKey]func(radio.Address, []byte)
	outbound  map[*device]struct{}
	inbound   map[*device]struct{}
}

var _ radio.Radio = (*Radio)(nil)

func (r *Radio) run() {
	for {
		select {
		case fn := <-r.queue:
			fn()
		case <-r.done:
			return
		}
	}
}

func (r *Radio) post(fn func()) {
	select {
	case r.queue <- fn:
	case <-r.done:
	}
}

func (r *Radio) Address() radio.Address {
	return r.addr
}

// SetPowered switches the radio. Powering off stops scanning and
// advertising and drops every connection.
func (r *Radio) SetPowered(on bool) {
	m := r.medium
	m.mu.Lock()
	r.powered = on
	var calls []pending
	if !on {
		calls = r.shutdownLocked()
	}
	m.mu.Unlock()
	m.flush(calls)
}

// SetPermitted simulates the user granting or revoking radio permission.
func (r *Radio) SetPermitted(ok bool) {
	r.medium.mu.Lock()
	r.permitted = ok
	r.medium.mu.Unlock()
}

func (r *Radio) shutdownLocked() []pending {
	r.scan = nil
	calls := r.stopAdvertisingLocked()
	for d := range r.outbound {
		calls = append(calls, d.dropLocked()...)
	}
	for d := range r.inbound {
		calls = append(calls, d.dropLocked()...)
	}
	return calls
}

func (r *Radio) checkLocked() error {
	if !r.powered {
		return radio.ErrPoweredOff
	}
	if !r.permitted {
		return radio.ErrPermissionDenied
	}
	return nil
}

func (r *Radio) StartScan(serviceUUID string, onFound func(radio.Advertisement), onLost func(radio.Address)) error {
	m := r.medium
	m.mu.Lock()
	if err := r.checkLocked(); err != nil {
		m.mu.Unlock()
		return err
	}

	r.scan = &scanState{service: serviceUUID, onFound: onFound, onLost: onLost}

	var calls []pending
	for _, other := range m.sortedRadiosLocked() {
		if other == r || other.adv == nil || other.adv.service != serviceUUID {
			continue
		}
		ad := other.advertisementLocked()
		calls = append(calls, pending{to: r, fn: func() { onFound(ad) }})
	}
	m.mu.Unlock()
	m.flush(calls)
	return nil
}

func (r *Radio) StopScan() error {
	r.medium.mu.Lock()
	r.scan = nil
	r.medium.mu.Unlock()
	return nil
}

func (r *Radio) StartAdvertising(serviceUUID, name string) error {
	m := r.medium
	m.mu.Lock()
	if err := r.checkLocked(); err != nil {
		m.mu.Unlock()
		return err
	}

	r.adv = &advertState{service: serviceUUID, name: name}
	ad := r.advertisementLocked()

	var calls []pending
	for _, other := range m.sortedRadiosLocked() {
		if other == r || other.scan == nil || other.scan.service != serviceUUID {
			continue
		}
		onFound := other.scan.onFound
		calls = append(calls, pending{to: other, fn: func() { onFound(ad) }})
	}
	m.mu.Unlock()
	m.flush(calls)
	return nil
}

func (r *Radio) StopAdvertising() error {
	m := r.medium
	m.mu.Lock()
	calls := r.stopAdvertisingLocked()
	m.mu.Unlock()
	m.flush(calls)
	return nil
}

func (r *Radio) stopAdvertisingLocked() []pending {
	if r.adv == nil {
		return nil
	}
	service := r.adv.service
	r.adv = nil

	var calls []pending
	for _, other := range r.medium.radios {
		if other == r || other.scan == nil || other.scan.service != service {
			continue
		}
		onLost := other.scan.onLost
		addr := r.addr
		calls = append(calls, pending{to: other, fn: func() { onLost(addr) }})
	}
	return calls
}

func (r *Radio) advertisementLocked() radio.Advertisement {
	return radio.Advertisement{
		Address:  r.addr,
		Name:     r.adv.name,
		Services: []string{r.adv.service},
	}
}

func (m *Medium) sortedRadiosLocked() []*Radio {
	out := make([]*Radio, 0, len(m.radios))
	for _, r := range m.radios {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

func (r *Radio) Connect(ctx context.Context, addr radio.Address) (radio.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := r.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	if !r.powered {
		return nil, radio.ErrPoweredOff
	}
	target, ok := m.radios[addr]
	if !ok || !target.powered || target == r {
		return nil, radio.ErrUnknownAddress
	}

	d := &device{
		central:    r,
		peripheral: target,
		connected:  true,
		subs:       make(map[charKey]func([]byte)),
	}
	r.outbound[d] = struct{}{}
	target.inbound[d] = struct{}{}
	return d, nil
}

func (r *Radio) ServeCharacteristic(serviceUUID, charUUID string, onWrite func(from radio.Address, data []byte)) error {
	m := r.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	if !r.powered {
		return radio.ErrPoweredOff
	}
	r.served[charKey{serviceUUID, charUUID}] = onWrite
	return nil
}

func (r *Radio) Notify(to radio.Address, serviceUUID, charUUID string, data []byte) error {
	m := r.medium
	m.mu.Lock()

	key := charKey{serviceUUID, charUUID}
	for d := range r.inbound {
		if d.central.addr != to || !d.connected {
			continue
		}
		fn := d.subs[key]
		if fn == nil {
			continue
		}
		payload := append([]byte(nil), data...)
		central := d.central
		m.mu.Unlock()
		central.post(func() { fn(payload) })
		return nil
	}
	m.mu.Unlock()
	return radio.ErrNotConnected
}

// Close powers the radio off and detaches it from the medium.
func (r *Radio) Close() error {
	m := r.medium
	m.mu.Lock()
	r.powered = false
	calls := r.shutdownLocked()
	if m.radios[r.addr] == r {
		delete(m.radios, r.addr)
	}
	m.mu.Unlock()
	m.flush(calls)

	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

type device struct {
	central      *Radio
	peripheral   *Radio
	connected    bool
	subs         map[charKey]func([]byte)
	onDisconnect []func()
}

func (d *device) Address() radio.Address {
	return d.peripheral.addr
}

func (d *device) DiscoverServices(ctx context.Context) ([]radio.Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := d.central.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	if !d.connected {
		return nil, radio.ErrNotConnected
	}

	byService := make(map[string][]string)
	for k := range d.peripheral.served {
		byService[k.service] = append(byService[k.service], k.char)
	}

	services := make([]radio.Service, 0, len(byService))
	for uuid, chars := range byService {
		sort.Strings(chars)
		services = append(services, radio.Service{UUID: uuid, Characteristics: chars})
	}
	sort.Slice(services, func(i, j int) bool { return services[i].UUID < services[j].UUID })
	return services, nil
}

func (d *device) Write(ctx context.Context, serviceUUID, charUUID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := d.central.medium
	m.mu.Lock()
	if !d.connected {
		m.mu.Unlock()
		return radio.ErrNotConnected
	}
	onWrite := d.peripheral.served[charKey{serviceUUID, charUUID}]
	if onWrite == nil {
		m.mu.Unlock()
		return radio.ErrNoCharacteristic
	}
	from := d.central.addr
	peripheral := d.peripheral
	m.mu.Unlock()

	payload := append([]byte(nil), data...)
	peripheral.post(func() { onWrite(from, payload) })
	return nil
}

func (d *device) Subscribe(serviceUUID, charUUID string, onNotify func([]byte)) error {
	m := d.central.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	if !d.connected {
		return radio.ErrNotConnected
	}
	key := charKey{serviceUUID, charUUID}
	if d.peripheral.served[key] == nil {
		return radio.ErrNoCharacteristic
	}
	d.subs[key] = onNotify
	return nil
}

func (d *device) OnDisconnect(fn func()) {
	m := d.central.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	d.onDisconnect = append(d.onDisconnect, fn)
}

// Disconnect is idempotent. Disconnect handlers do not fire for a local
// disconnect.
func (d *device) Disconnect() error {
	m := d.central.medium
	m.mu.Lock()
	defer m.mu.Unlock()

	if !d.connected {
		return nil
	}
	d.connected = false
	delete(d.central.outbound, d)
	delete(d.peripheral.inbound, d)
	return nil
}

// dropLocked tears the link down from the medium side and reports it to
// the central.
func (d *device) dropLocked() []pending {
	if !d.connected {
		return nil
	}
	d.connected = false
	delete(d.central.outbound, d)
	delete(d.peripheral.inbound, d)

	calls := make([]pending, 0, len(d.onDisconnect))
	for _, fn := range d.onDisconnect {
		calls = append(calls, pending{to: d.central, fn: fn})
	}
	return calls
}

package air

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/ewonic/internal/logger"
	"github.com/rudransh-shrivastava/ewonic/internal/radio"
	"github.com/sirupsen/logrus"
)

var ErrHubClosed = errors.New("air hub connection closed")

const callbackQueue = 1024

type charKey struct {
	service string
	char    string
}

type scanHandlers struct {
	onFound func(radio.Advertisement)
	onLost  func(radio.Address)
}

// Radio is a radio.Radio whose calls run on an air hub.
type Radio struct {
	addr radio.Address
	conn *websocket.Conn
	log  *logrus.Entry

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *Frame
	scan    *scanHandlers
	served  map[charKey]func(radio.Address, []byte)
	devices map[uint64]*remoteDevice

	callbacks chan func()
	done      chan struct{}
	closeOnce sync.Once
}

var _ radio.Radio = (*Radio)(nil)

// Dial connects to the hub at url and claims addr on its medium.
func Dial(ctx context.Context, url string, addr radio.Address, log *logrus.Logger) (*Radio, error) {
	if log == nil {
		log = logger.NewLogger()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial air hub: %w", err)
	}

	r := &Radio{
		addr:      addr,
		conn:      conn,
		log:       log.WithField("component", "air"),
		pending:   make(map[uint64]chan *Frame),
		served:    make(map[charKey]func(radio.Address, []byte)),
		devices:   make(map[uint64]*remoteDevice),
		callbacks: make(chan func(), callbackQueue),
		done:      make(chan struct{}),
	}
	go r.readLoop()
	go r.callbackLoop()

	if _, err := r.call(ctx, &Frame{Op: OpHello, Addr: addr}); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("air hub rejected %s: %w", addr, err)
	}
	r.log.Infof("Joined air hub as %s", addr)
	return r, nil
}

func (r *Radio) Address() radio.Address {
	return r.addr
}

// Close leaves the hub. The hub powers the radio off for other clients.
func (r *Radio) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.conn.Close()
	})
	return err
}

func (r *Radio) call(ctx context.Context, f *Frame) (*Frame, error) {
	ch := make(chan *Frame, 1)

	r.mu.Lock()
	r.nextID++
	f.ID = r.nextID
	r.pending[f.ID] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, f.ID)
		r.mu.Unlock()
	}()

	r.writeMu.Lock()
	err := r.conn.WriteMessage(websocket.BinaryMessage, f.Marshal())
	r.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHubClosed, err)
	}

	select {
	case reply := <-ch:
		if err := decodeErr(reply.Err); err != nil {
			return nil, err
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrHubClosed
	}
}

func (r *Radio) post(fn func()) {
	select {
	case r.callbacks <- fn:
	case <-r.done:
	}
}

func (r *Radio) callbackLoop() {
	for {
		select {
		case fn := <-r.callbacks:
			fn()
		case <-r.done:
			return
		}
	}
}

func (r *Radio) readLoop() {
	defer r.Close()

	for {
		f, err := readFrame(r.conn)
		if err != nil {
			if errors.Is(err, ErrBadFrame) {
				r.log.Warnf("Dropping frame from hub: %v", err)
				continue
			}
			r.log.Debugf("Air hub connection ended: %v", err)
			return
		}
		r.dispatch(f)
	}
}

func (r *Radio) dispatch(f *Frame) {
	var calls []func()

	r.mu.Lock()
	switch f.Op {
	case OpResult:
		if ch, ok := r.pending[f.ID]; ok {
			ch <- f
		}

	case OpFound:
		if r.scan != nil {
			fn := r.scan.onFound
			ad := radio.Advertisement{Address: f.Addr, Name: f.Name}
			for _, s := range f.Services {
				ad.Services = append(ad.Services, s.UUID)
			}
			calls = append(calls, func() { fn(ad) })
		}

	case OpLost:
		if r.scan != nil {
			fn, addr := r.scan.onLost, f.Addr
			calls = append(calls, func() { fn(addr) })
		}

	case OpWritten:
		if fn := r.served[charKey{f.Service, f.Char}]; fn != nil {
			from, data := f.Addr, f.Data
			calls = append(calls, func() { fn(from, data) })
		}

	case OpNotified:
		if d := r.devices[f.Device]; d != nil {
			calls = append(calls, d.notified(f)...)
		}

	case OpDropped:
		if d := r.devices[f.Device]; d != nil {
			delete(r.devices, f.Device)
			calls = append(calls, d.dropped()...)
		}

	default:
		r.log.Warnf("Unexpected %s from hub", f.Op)
	}
	r.mu.Unlock()

	for _, fn := range calls {
		r.post(fn)
	}
}

func (r *Radio) StartScan(serviceUUID string, onFound func(radio.Advertisement), onLost func(radio.Address)) error {
	r.mu.Lock()
	r.scan = &scanHandlers{onFound: onFound, onLost: onLost}
	r.mu.Unlock()

	if _, err := r.call(context.Background(), &Frame{Op: OpStartScan, Service: serviceUUID}); err != nil {
		r.mu.Lock()
		r.scan = nil
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Radio) StopScan() error {
	r.mu.Lock()
	r.scan = nil
	r.mu.Unlock()

	_, err := r.call(context.Background(), &Frame{Op: OpStopScan})
	return err
}

func (r *Radio) StartAdvertising(serviceUUID, name string) error {
	_, err := r.call(context.Background(), &Frame{Op: OpStartAdvertising, Service: serviceUUID, Name: name})
	return err
}

func (r *Radio) StopAdvertising() error {
	_, err := r.call(context.Background(), &Frame{Op: OpStopAdvertising})
	return err
}

func (r *Radio) Connect(ctx context.Context, addr radio.Address) (radio.Device, error) {
	reply, err := r.call(ctx, &Frame{Op: OpConnect, Addr: addr})
	if err != nil {
		return nil, err
	}

	d := &remoteDevice{
		radio: r,
		id:    reply.Device,
		addr:  addr,
		subs:  make(map[charKey]func([]byte)),
	}
	r.mu.Lock()
	r.devices[d.id] = d
	r.mu.Unlock()
	return d, nil
}

func (r *Radio) ServeCharacteristic(serviceUUID, charUUID string, onWrite func(from radio.Address, data []byte)) error {
	key := charKey{serviceUUID, charUUID}
	r.mu.Lock()
	r.served[key] = onWrite
	r.mu.Unlock()

	_, err := r.call(context.Background(), &Frame{Op: OpServe, Service: serviceUUID, Char: charUUID})
	return err
}

func (r *Radio) Notify(to radio.Address, serviceUUID, charUUID string, data []byte) error {
	_, err := r.call(context.Background(), &Frame{Op: OpNotify, Addr: to, Service: serviceUUID, Char: charUUID, Data: data})
	return err
}

// remoteDevice is a central connection held by the hub on our behalf.
type remoteDevice struct {
	radio *Radio
	id    uint64
	addr  radio.Address

	mu           sync.Mutex
	subs         map[charKey]func([]byte)
	onDisconnect []func()
	closed       bool
}

func (d *remoteDevice) Address() radio.Address {
	return d.addr
}

func (d *remoteDevice) DiscoverServices(ctx context.Context) ([]radio.Service, error) {
	reply, err := d.radio.call(ctx, &Frame{Op: OpDiscoverServices, Device: d.id})
	if err != nil {
		return nil, err
	}
	return reply.Services, nil
}

func (d *remoteDevice) Write(ctx context.Context, serviceUUID, charUUID string, data []byte) error {
	_, err := d.radio.call(ctx, &Frame{Op: OpWrite, Device: d.id, Service: serviceUUID, Char: charUUID, Data: data})
	return err
}

func (d *remoteDevice) Subscribe(serviceUUID, charUUID string, onNotify func([]byte)) error {
	d.mu.Lock()
	d.subs[charKey{serviceUUID, charUUID}] = onNotify
	d.mu.Unlock()

	_, err := d.radio.call(context.Background(), &Frame{Op: OpSubscribe, Device: d.id, Service: serviceUUID, Char: charUUID})
	return err
}

func (d *remoteDevice) OnDisconnect(fn func()) {
	d.mu.Lock()
	d.onDisconnect = append(d.onDisconnect, fn)
	d.mu.Unlock()
}

// Disconnect is idempotent and does not run OnDisconnect handlers.
func (d *remoteDevice) Disconnect() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.radio.mu.Lock()
	delete(d.radio.devices, d.id)
	d.radio.mu.Unlock()

	_, err := d.radio.call(context.Background(), &Frame{Op: OpDisconnect, Device: d.id})
	return err
}

// notified and dropped return the callbacks to run for a hub event.
func (d *remoteDevice) notified(f *Frame) []func() {
	d.mu.Lock()
	fn := d.subs[charKey{f.Service, f.Char}]
	d.mu.Unlock()
	if fn == nil {
		return nil
	}
	data := f.Data
	return []func(){func() { fn(data) }}
}

func (d *remoteDevice) dropped() []func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return append([]func(){}, d.onDisconnect...)
}

// Package air runs the radio medium over websockets so separate processes
// can discover and connect to each other as if over a shared radio.
//
// The hub keeps an ether.Medium with one radio per connected client and
// executes the client's radio calls on it. Clients use Dial, which returns
// a radio.Radio.
package air

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/donovanhide/eventsource"
	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/ewonic/internal/logger"
	"github.com/rudransh-shrivastava/ewonic/internal/radio"
	"github.com/rudransh-shrivastava/ewonic/internal/radio/ether"
	"github.com/sirupsen/logrus"
)

const (
	RadioPath  = "/air"
	EventsPath = "/events"

	feedChannel = "air"
)

type Config struct {
	Addr   string
	Logger *logrus.Logger
}

type Server struct {
	config   Config
	log      *logrus.Entry
	medium   *ether.Medium
	upgrader websocket.Upgrader
	feed     *eventsource.Server
	activity *activityLog

	mu      sync.Mutex
	clients map[radio.Address]*hubClient
	http    *http.Server
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	feed := eventsource.NewServer()
	feed.AllowCORS = true

	return &Server{
		config:   cfg,
		log:      log.WithField("component", "air"),
		medium:   ether.NewMedium(),
		feed:     feed,
		activity: &activityLog{},
		clients:  make(map[radio.Address]*hubClient),
	}
}

// Handler serves radios on RadioPath and the activity feed on EventsPath.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(RadioPath, s.serveRadio)
	mux.Handle(EventsPath, s.feed.Handler(feedChannel))
	return mux
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Shutdown()
	}()

	s.log.Infof("Air hub listening on %s", listener.Addr())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown() error {
	s.mu.Lock()
	srv := s.http
	clients := make([]*hubClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	s.feed.Close()

	if srv == nil {
		return nil
	}
	s.log.Info("Shutting down air hub")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Radios lists the addresses of connected clients.
func (s *Server) Radios() []radio.Address {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]radio.Address, 0, len(s.clients))
	for addr := range s.clients {
		out = append(out, addr)
	}
	return out
}

func (s *Server) publish(kind, data string) {
	s.feed.Publish([]string{feedChannel}, s.activity.next(kind, data))
}

func (s *Server) serveRadio(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("Failed to upgrade %s: %v", r.RemoteAddr, err)
		return
	}

	hello, err := readFrame(conn)
	if err != nil || hello.Op != OpHello || hello.Addr == "" {
		s.log.Warnf("Bad hello from %s: %v", r.RemoteAddr, err)
		_ = conn.Close()
		return
	}

	c := &hubClient{
		server:  s,
		conn:    conn,
		addr:    hello.Addr,
		devices: make(map[uint64]radio.Device),
	}

	s.mu.Lock()
	if old, ok := s.clients[c.addr]; ok {
		old.close()
	}
	s.clients[c.addr] = c
	s.mu.Unlock()

	c.radio = s.medium.NewRadio(c.addr)
	s.log.Infof("Radio %s joined", c.addr)
	s.publish("joined", string(c.addr))

	if err := c.write(&Frame{Op: OpResult, ID: hello.ID}); err != nil {
		c.close()
	}
	c.serve()

	s.mu.Lock()
	if s.clients[c.addr] == c {
		delete(s.clients, c.addr)
	}
	s.mu.Unlock()
	c.close()
	s.log.Infof("Radio %s left", c.addr)
	s.publish("left", string(c.addr))
}

func readFrame(conn *websocket.Conn) (*Frame, error) {
	kind, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: expected binary message", ErrBadFrame)
	}
	return Unmarshal(data)
}

// hubClient executes one remote radio's calls on its ether radio.
type hubClient struct {
	server *Server
	conn   *websocket.Conn
	addr   radio.Address
	radio  *ether.Radio

	writeMu sync.Mutex

	mu         sync.Mutex
	devices    map[uint64]radio.Device
	nextDevice uint64
	closeOnce  sync.Once
}

func (c *hubClient) write(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, f.Marshal())
}

func (c *hubClient) event(f *Frame) {
	if err := c.write(f); err != nil {
		c.server.log.Debugf("Failed to deliver %s to %s: %v", f.Op, c.addr, err)
	}
}

func (c *hubClient) close() {
	c.closeOnce.Do(func() {
		if c.radio != nil {
			_ = c.radio.Close()
		}
		_ = c.conn.Close()
	})
}

func (c *hubClient) serve() {
	for {
		f, err := readFrame(c.conn)
		if err != nil {
			if errors.Is(err, ErrBadFrame) {
				c.server.log.Warnf("Dropping frame from %s: %v", c.addr, err)
				continue
			}
			return
		}

		reply := c.handle(f)
		reply.Op, reply.ID = OpResult, f.ID
		if err := c.write(reply); err != nil {
			return
		}
	}
}

func (c *hubClient) device(id uint64) (radio.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[id]
	if !ok {
		return nil, radio.ErrNotConnected
	}
	return d, nil
}

func (c *hubClient) handle(f *Frame) *Frame {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	reply := &Frame{}

	switch f.Op {
	case OpStartScan:
		err = c.radio.StartScan(f.Service,
			func(ad radio.Advertisement) {
				c.event(&Frame{Op: OpFound, Addr: ad.Address, Name: ad.Name, Services: servicesOf(ad.Services)})
			},
			func(addr radio.Address) { c.event(&Frame{Op: OpLost, Addr: addr}) },
		)

	case OpStopScan:
		err = c.radio.StopScan()

	case OpStartAdvertising:
		err = c.radio.StartAdvertising(f.Service, f.Name)
		if err == nil {
			c.server.publish("advertising", fmt.Sprintf("%s %s", c.addr, f.Name))
		}

	case OpStopAdvertising:
		err = c.radio.StopAdvertising()

	case OpConnect:
		var d radio.Device
		d, err = c.radio.Connect(ctx, f.Addr)
		if err == nil {
			c.mu.Lock()
			c.nextDevice++
			id := c.nextDevice
			c.devices[id] = d
			c.mu.Unlock()

			d.OnDisconnect(func() {
				c.mu.Lock()
				delete(c.devices, id)
				c.mu.Unlock()
				c.event(&Frame{Op: OpDropped, Device: id})
			})
			reply.Device = id
			c.server.publish("connected", fmt.Sprintf("%s %s", c.addr, f.Addr))
		}

	case OpDiscoverServices:
		var d radio.Device
		if d, err = c.device(f.Device); err == nil {
			reply.Services, err = d.DiscoverServices(ctx)
		}

	case OpWrite:
		var d radio.Device
		if d, err = c.device(f.Device); err == nil {
			err = d.Write(ctx, f.Service, f.Char, f.Data)
		}

	case OpSubscribe:
		var d radio.Device
		if d, err = c.device(f.Device); err == nil {
			id, service, char := f.Device, f.Service, f.Char
			err = d.Subscribe(service, char, func(data []byte) {
				c.event(&Frame{Op: OpNotified, Device: id, Service: service, Char: char, Data: data})
			})
		}

	case OpDisconnect:
		c.mu.Lock()
		d, ok := c.devices[f.Device]
		delete(c.devices, f.Device)
		c.mu.Unlock()
		if ok {
			err = d.Disconnect()
		}

	case OpServe:
		service, char := f.Service, f.Char
		err = c.radio.ServeCharacteristic(service, char, func(from radio.Address, data []byte) {
			c.event(&Frame{Op: OpWritten, Addr: from, Service: service, Char: char, Data: data})
		})

	case OpNotify:
		err = c.radio.Notify(f.Addr, f.Service, f.Char, f.Data)

	default:
		err = fmt.Errorf("%w: unexpected %s", ErrBadFrame, f.Op)
	}

	reply.Err = encodeErr(err)
	return reply
}

func servicesOf(uuids []string) []radio.Service {
	out := make([]radio.Service, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, radio.Service{UUID: u})
	}
	return out
}

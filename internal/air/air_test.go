package air

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/ewonic/internal/identity"
	"github.com/rudransh-shrivastava/ewonic/internal/logger"
	"github.com/rudransh-shrivastava/ewonic/internal/orchestrator"
	"github.com/rudransh-shrivastava/ewonic/internal/radio"
	"github.com/rudransh-shrivastava/ewonic/internal/relay"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
	"github.com/rudransh-shrivastava/ewonic/internal/transport/webrtc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	svc  = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	char = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
)

func TestFrameCarriesServices(t *testing.T) {
	in := &Frame{
		Op:   OpResult,
		ID:   7,
		Data: []byte{},
		Services: []radio.Service{
			{UUID: svc, Characteristics: []string{char, "other"}},
			{UUID: "empty"},
		},
	}

	out, err := Unmarshal(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	b := (&Frame{Op: OpNotify, Addr: "AA:01"}).Marshal()
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 12345)

	f, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, OpNotify, f.Op)
	assert.Equal(t, radio.Address("AA:01"), f.Addr)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrBadFrame)

	_, err = Unmarshal((&Frame{Name: "no op"}).Marshal())
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestErrorCodesSurviveTheWire(t *testing.T) {
	for _, sentinel := range []error{radio.ErrPoweredOff, radio.ErrNotConnected, radio.ErrUnknownAddress} {
		wrapped := fmt.Errorf("context: %w", sentinel)
		assert.ErrorIs(t, decodeErr(encodeErr(wrapped)), sentinel)
	}
	assert.NoError(t, decodeErr(encodeErr(nil)))
	assert.EqualError(t, decodeErr("something else"), "something else")
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "discover-services", OpDiscoverServices.String())
	assert.Equal(t, "op(200)", Op(200).String())
}

func TestEventsURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7420/events", EventsURL("ws://127.0.0.1:7420/air"))
	assert.Equal(t, "https://hub.local/events", EventsURL("wss://hub.local/air"))
}

func startHub(t *testing.T) (*Server, string) {
	t.Helper()

	hub := NewServer(Config{Logger: logger.Discard()})
	ts := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		_ = hub.Shutdown()
		ts.Close()
	})
	return hub, ts.URL
}

func dial(t *testing.T, base string, addr radio.Address) *Radio {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+RadioPath, addr, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

func TestHubRoundTrip(t *testing.T) {
	hub, base := startHub(t)
	central := dial(t, base, "AA:01")
	peripheral := dial(t, base, "AA:02")
	assert.Len(t, hub.Radios(), 2)

	written := make(chan []byte, 4)
	require.NoError(t, peripheral.ServeCharacteristic(svc, char, func(from radio.Address, data []byte) {
		assert.Equal(t, radio.Address("AA:01"), from)
		written <- data
	}))
	require.NoError(t, peripheral.StartAdvertising(svc, "EWONIC:Peer_0000000B"))

	found := make(chan radio.Advertisement, 4)
	require.NoError(t, central.StartScan(svc, func(ad radio.Advertisement) { found <- ad }, func(radio.Address) {}))
	ad := recv(t, found)
	assert.Equal(t, radio.Address("AA:02"), ad.Address)
	assert.Equal(t, "EWONIC:Peer_0000000B", ad.Name)

	ctx := context.Background()
	dev, err := central.Connect(ctx, ad.Address)
	require.NoError(t, err)

	services, err := dev.DiscoverServices(ctx)
	require.NoError(t, err)
	serviceFound, charFound := radio.HasCharacteristic(services, svc, char)
	assert.True(t, serviceFound)
	assert.True(t, charFound)

	notified := make(chan []byte, 4)
	require.NoError(t, dev.Subscribe(svc, char, func(data []byte) { notified <- data }))

	require.NoError(t, dev.Write(ctx, svc, char, []byte("ping")))
	assert.Equal(t, []byte("ping"), recv(t, written))

	require.NoError(t, peripheral.Notify("AA:01", svc, char, []byte("pong")))
	assert.Equal(t, []byte("pong"), recv(t, notified))

	require.NoError(t, dev.Disconnect())
	require.NoError(t, dev.Disconnect())
	err = peripheral.Notify("AA:01", svc, char, []byte("gone"))
	assert.ErrorIs(t, err, radio.ErrNotConnected)
}

func TestHubReportsRadioErrors(t *testing.T) {
	_, base := startHub(t)
	r := dial(t, base, "AA:01")

	_, err := r.Connect(context.Background(), "AA:99")
	assert.ErrorIs(t, err, radio.ErrUnknownAddress)
}

func TestPeripheralLeavingDropsCentral(t *testing.T) {
	_, base := startHub(t)
	central := dial(t, base, "AA:01")
	peripheral := dial(t, base, "AA:02")
	require.NoError(t, peripheral.ServeCharacteristic(svc, char, func(radio.Address, []byte) {}))

	dev, err := central.Connect(context.Background(), "AA:02")
	require.NoError(t, err)

	dropped := make(chan struct{}, 1)
	dev.OnDisconnect(func() { dropped <- struct{}{} })

	require.NoError(t, peripheral.Close())
	recv(t, dropped)
}

func TestWatchReportsActivity(t *testing.T) {
	_, base := startHub(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	activity := make(chan Activity, 64)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, base+EventsPath, func(a Activity) { activity <- a }, nil)
	}()

	// The subscription races the first join, so keep joining until one is seen.
	deadline := time.After(5 * time.Second)
	for i := 0; ; i++ {
		dial(t, base, radio.Address(fmt.Sprintf("AA:%02d", i)))
		select {
		case a := <-activity:
			assert.Equal(t, "joined", a.Event())
			assert.NotEmpty(t, a.Id())
			cancel()
			assert.NoError(t, recv(t, done))
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no activity received")
		}
	}
}

func TestSessionOverHub(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ICE exchange in short mode")
	}

	_, base := startHub(t)
	type node struct {
		orc       *orchestrator.Orchestrator
		found     chan transport.DiscoveredPeer
		connected chan transport.PeerID
		messages  chan string
	}
	start := func(addr radio.Address, device string) *node {
		r := dial(t, base, addr)
		n := &node{
			found:     make(chan transport.DiscoveredPeer, 8),
			connected: make(chan transport.PeerID, 8),
			messages:  make(chan string, 8),
		}
		n.orc = orchestrator.New(orchestrator.Options{
			Identity:  identity.Static(device),
			Radio:     r,
			WebRTCAPI: webrtc.LoopbackAPI(),
			Logger:    logger.Discard(),
		})
		id, err := n.orc.Initialize(context.Background())
		require.NoError(t, err)
		require.NoError(t, r.StartAdvertising(relay.ServiceUUID, relay.AdvertisedName(relay.NamePrefix, id)))
		require.NoError(t, n.orc.StartSession(context.Background(), orchestrator.Callbacks{
			OnPeerFound: func(p transport.DiscoveredPeer) { n.found <- p },
			OnConnected: func(p transport.PeerID) { n.connected <- p },
			OnMessage:   func(_ transport.PeerID, text string) { n.messages <- text },
		}))
		t.Cleanup(func() { _ = n.orc.StopSession() })
		return n
	}

	a := start("AA:01", "device-a")
	b := start("AA:02", "device-b")

	peer := recv(t, a.found)
	assert.Equal(t, b.orc.LocalID(), peer.ID)

	require.NoError(t, a.orc.ConnectToDevice(context.Background(), peer.ID))
	assert.Equal(t, b.orc.LocalID(), recv(t, a.connected))
	assert.Equal(t, a.orc.LocalID(), recv(t, b.connected))

	b.orc.SendMessage("through the hub", "")
	assert.Equal(t, "through the hub", recv(t, a.messages))
}

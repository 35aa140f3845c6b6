package relay

import (
	"context"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/ewonic/internal/logger"
	"github.com/rudransh-shrivastava/ewonic/internal/radio"
	"github.com/rudransh-shrivastava/ewonic/internal/radio/ether"
	"github.com/rudransh-shrivastava/ewonic/internal/signaling"
	"github.com/rudransh-shrivastava/ewonic/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func newRelay(r radio.Radio, id transport.PeerID) *Relay {
	return New(Options{Radio: r, LocalID: id, Logger: logger.Discard()})
}

func TestParseAdvertisedName(t *testing.T) {
	local := transport.PeerID("Peer_AAAAAAAA")

	id, ok := ParseAdvertisedName(NamePrefix, "EWONIC:Peer_BBBBBBBB", local)
	assert.True(t, ok)
	assert.Equal(t, transport.PeerID("Peer_BBBBBBBB"), id)

	for _, name := range []string{"EWONIC:Peer_AAAAAAAA", "Peer_BBBBBBBB", "EWONIC:", "", "ewonic:Peer_B"} {
		_, ok := ParseAdvertisedName(NamePrefix, name, local)
		assert.False(t, ok, name)
	}

	assert.Equal(t, "EWONIC:Peer_AAAAAAAA", AdvertisedName(NamePrefix, local))
}

func TestDiscoverSkipsSelfAndForeignNames(t *testing.T) {
	m := ether.NewMedium()
	ra := m.NewRadio("aa")
	rb := m.NewRadio("bb")
	rc := m.NewRadio("cc")
	rd := m.NewRadio("dd")
	defer ra.Close()
	defer rb.Close()
	defer rc.Close()
	defer rd.Close()

	a := newRelay(ra, "Peer_AAAAAAAA")
	require.NoError(t, newRelay(rb, "Peer_BBBBBBBB").Advertise())
	require.NoError(t, rc.StartAdvertising(ServiceUUID, "EWONIC:Peer_AAAAAAAA"))
	require.NoError(t, rd.StartAdvertising(ServiceUUID, "headphones"))

	found := make(chan transport.DiscoveredPeer, 8)
	lost := make(chan transport.PeerID, 8)
	require.NoError(t, a.Discover(context.Background(),
		func(p transport.DiscoveredPeer) { found <- p },
		func(id transport.PeerID) { lost <- id }))

	p := wait(t, found)
	assert.Equal(t, transport.PeerID("Peer_BBBBBBBB"), p.ID)
	assert.Equal(t, "bb", p.Handle)

	select {
	case extra := <-found:
		t.Fatalf("unexpected peer reported: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	addr, ok := a.Lookup("Peer_BBBBBBBB")
	assert.True(t, ok)
	assert.Equal(t, radio.Address("bb"), addr)

	require.NoError(t, rb.StopAdvertising())
	assert.Equal(t, transport.PeerID("Peer_BBBBBBBB"), wait(t, lost))
}

func TestDiscoverRestartsRunningScan(t *testing.T) {
	m := ether.NewMedium()
	ra := m.NewRadio("aa")
	rb := m.NewRadio("bb")
	defer ra.Close()
	defer rb.Close()
	require.NoError(t, newRelay(rb, "Peer_BBBBBBBB").Advertise())

	a := newRelay(ra, "Peer_AAAAAAAA")
	first := make(chan transport.DiscoveredPeer, 4)
	require.NoError(t, a.Discover(context.Background(), func(p transport.DiscoveredPeer) { first <- p }, func(transport.PeerID) {}))
	wait(t, first)

	second := make(chan transport.DiscoveredPeer, 4)
	require.NoError(t, a.Discover(context.Background(), func(p transport.DiscoveredPeer) { second <- p }, func(transport.PeerID) {}))
	assert.Equal(t, transport.PeerID("Peer_BBBBBBBB"), wait(t, second).ID)
}

func TestDiscoverPoweredOff(t *testing.T) {
	m := ether.NewMedium()
	ra := m.NewRadio("aa")
	defer ra.Close()
	ra.SetPowered(false)

	err := newRelay(ra, "Peer_AAAAAAAA").Discover(context.Background(), func(transport.DiscoveredPeer) {}, func(transport.PeerID) {})
	assert.ErrorIs(t, err, transport.ErrDiscovery)
	assert.ErrorIs(t, err, radio.ErrPoweredOff)
}

type fakeDevice struct {
	services     []radio.Service
	disconnected int
}

func (d *fakeDevice) Address() radio.Address { return "ff" }
func (d *fakeDevice) DiscoverServices(context.Context) ([]radio.Service, error) {
	return d.services, nil
}
func (d *fakeDevice) Write(context.Context, string, string, []byte) error { return nil }
func (d *fakeDevice) Subscribe(string, string, func([]byte)) error       { return nil }
func (d *fakeDevice) OnDisconnect(func())                                {}
func (d *fakeDevice) Disconnect() error {
	d.disconnected++
	return nil
}

type fakeRadio struct {
	radio.Radio
	dev *fakeDevice
}

func (r *fakeRadio) Connect(context.Context, radio.Address) (radio.Device, error) {
	return r.dev, nil
}

func TestConnectAndOpenChannelMissingService(t *testing.T) {
	dev := &fakeDevice{services: []radio.Service{{UUID: "battery", Characteristics: []string{"level"}}}}
	r := newRelay(&fakeRadio{dev: dev}, "Peer_AAAAAAAA")

	_, err := r.ConnectAndOpenChannel(context.Background(), "ff")
	assert.ErrorIs(t, err, ErrServiceNotFound)
	assert.ErrorIs(t, err, transport.ErrConnectionSetup)
	assert.Equal(t, 1, dev.disconnected, "connection must be torn down before returning")
}

func TestConnectAndOpenChannelMissingCharacteristic(t *testing.T) {
	dev := &fakeDevice{services: []radio.Service{{UUID: ServiceUUID, Characteristics: []string{"other"}}}}
	r := newRelay(&fakeRadio{dev: dev}, "Peer_AAAAAAAA")

	_, err := r.ConnectAndOpenChannel(context.Background(), "ff")
	assert.ErrorIs(t, err, ErrCharacteristicNotFound)
	assert.Equal(t, 1, dev.disconnected)
}

func TestChannelSendSubscribe(t *testing.T) {
	m := ether.NewMedium()
	ra := m.NewRadio("aa")
	rb := m.NewRadio("bb")
	defer ra.Close()
	defer rb.Close()

	a := newRelay(ra, "Peer_AAAAAAAA")
	b := newRelay(rb, "Peer_BBBBBBBB")

	writes := make(chan string, 4)
	require.NoError(t, b.Serve(func(from radio.Address, text string) { writes <- string(from) + ">" + text }))

	ch, err := a.ConnectAndOpenChannel(context.Background(), "bb")
	require.NoError(t, err)

	notes := make(chan string, 4)
	require.NoError(t, ch.Subscribe(func(text string) { notes <- text }))

	require.NoError(t, ch.Send(context.Background(), `{"type":"offer"}`))
	assert.Equal(t, `aa>{"type":"offer"}`, wait(t, writes))

	require.NoError(t, rb.Notify("aa", ServiceUUID, CharacteristicUUID, []byte("%%% not base64")))
	require.NoError(t, rb.Notify("aa", ServiceUUID, CharacteristicUUID, []byte("/w==")))
	require.NoError(t, b.Reply("aa", "héllo"))
	assert.Equal(t, "héllo", wait(t, notes), "undecodable payloads are skipped")

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	require.NoError(t, a.Close("never-connected"))
	assert.ErrorIs(t, ch.Send(context.Background(), "x"), radio.ErrNotConnected)
}

func TestSignalerExchange(t *testing.T) {
	m := ether.NewMedium()
	ra := m.NewRadio("aa")
	rb := m.NewRadio("bb")
	defer ra.Close()
	defer rb.Close()

	a := newRelay(ra, "Peer_AAAAAAAA")
	b := newRelay(rb, "Peer_BBBBBBBB")
	sa, sb := NewSignaler(a), NewSignaler(b)
	defer sa.Close()
	defer sb.Close()
	require.NoError(t, sa.Start())
	require.NoError(t, sb.Start())
	require.NoError(t, b.Advertise())

	found := make(chan transport.DiscoveredPeer, 1)
	require.NoError(t, sa.Discover(context.Background(), func(p transport.DiscoveredPeer) { found <- p }, func(transport.PeerID) {}))
	wait(t, found)

	ctx := context.Background()
	require.NoError(t, sa.SendSignal(ctx, "Peer_BBBBBBBB", signaling.Offer("v=0 offer")))

	sig := wait(t, sb.RecvSignal())
	assert.Equal(t, transport.PeerID("Peer_AAAAAAAA"), sig.PeerID)
	assert.Equal(t, signaling.Offer("v=0 offer"), sig.Message)

	// b never discovered a, it learned the address from the inbound write.
	require.NoError(t, sb.SendSignal(ctx, "Peer_AAAAAAAA", signaling.Answer("v=0 answer")))
	sig = wait(t, sa.RecvSignal())
	assert.Equal(t, transport.PeerID("Peer_BBBBBBBB"), sig.PeerID)
	assert.Equal(t, signaling.KindAnswer, sig.Message.Kind)

	err := sa.SendSignal(ctx, "Peer_CCCCCCCC", signaling.Offer("v=0"))
	assert.ErrorIs(t, err, transport.ErrSendFailed)
}

func TestSignalerReportsMissingCharacteristicAsSetupError(t *testing.T) {
	m := ether.NewMedium()
	ra := m.NewRadio("aa")
	rb := m.NewRadio("bb")
	defer ra.Close()
	defer rb.Close()

	a := newRelay(ra, "Peer_AAAAAAAA")
	sa := NewSignaler(a)
	defer sa.Close()
	require.NoError(t, sa.Start())

	// bb advertises like a peer but never serves the characteristic.
	require.NoError(t, rb.StartAdvertising(ServiceUUID, AdvertisedName(NamePrefix, "Peer_BBBBBBBB")))

	found := make(chan transport.DiscoveredPeer, 1)
	require.NoError(t, sa.Discover(context.Background(), func(p transport.DiscoveredPeer) { found <- p }, func(transport.PeerID) {}))
	assert.Equal(t, transport.PeerID("Peer_BBBBBBBB"), wait(t, found).ID)

	err := sa.SendSignal(context.Background(), "Peer_BBBBBBBB", signaling.Offer("v=0"))
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrConnectionSetup)
	assert.NotErrorIs(t, err, transport.ErrSendFailed)
}

func TestSignalerDropsEchoAndMalformed(t *testing.T) {
	m := ether.NewMedium()
	ra := m.NewRadio("aa")
	rb := m.NewRadio("bb")
	defer ra.Close()
	defer rb.Close()

	b := newRelay(rb, "Peer_BBBBBBBB")
	sb := NewSignaler(b)
	defer sb.Close()
	require.NoError(t, sb.Start())

	ch, err := newRelay(ra, "Peer_AAAAAAAA").ConnectAndOpenChannel(context.Background(), "bb")
	require.NoError(t, err)

	send := func(env signaling.Envelope) {
		text, err := signaling.Encode(env)
		require.NoError(t, err)
		require.NoError(t, ch.Send(context.Background(), text))
	}

	send(signaling.Envelope{From: "Peer_BBBBBBBB", Message: signaling.Offer("echo")})
	send(signaling.Envelope{From: "Peer_AAAAAAAA", To: "Peer_CCCCCCCC", Message: signaling.Offer("misrouted")})
	send(signaling.Envelope{Message: signaling.Offer("anonymous")})
	require.NoError(t, ch.Send(context.Background(), `{"type":"bye"}`))
	send(signaling.Envelope{From: "Peer_AAAAAAAA", To: "Peer_BBBBBBBB", Message: signaling.Offer("real")})

	sig := wait(t, sb.RecvSignal())
	assert.Equal(t, "real", sig.Message.SDP)

	select {
	case extra := <-sb.RecvSignal():
		t.Fatalf("unexpected signal %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

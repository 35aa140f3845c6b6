package ether

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/ewonic/internal/radio"
)

const (
	svc  = "service"
	char = "char"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for radio callback")
	}
	var zero T
	return zero
}

func TestScanSeesAdvertisers(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("aa")
	b := m.NewRadio("bb")
	defer a.Close()
	defer b.Close()

	if err := b.StartAdvertising(svc, "EWONIC:Peer_B"); err != nil {
		t.Fatalf("StartAdvertising failed: %v", err)
	}

	found := make(chan radio.Advertisement, 4)
	lost := make(chan radio.Address, 4)
	if err := a.StartScan(svc, func(ad radio.Advertisement) { found <- ad }, func(addr radio.Address) { lost <- addr }); err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}

	ad := recv(t, found)
	if ad.Address != "bb" || ad.Name != "EWONIC:Peer_B" {
		t.Errorf("unexpected advertisement %+v", ad)
	}

	c := m.NewRadio("cc")
	defer c.Close()
	_ = c.StartAdvertising(svc, "EWONIC:Peer_C")
	if ad := recv(t, found); ad.Address != "cc" {
		t.Errorf("expected late advertiser cc, got %s", ad.Address)
	}

	_ = b.StopAdvertising()
	if addr := recv(t, lost); addr != "bb" {
		t.Errorf("expected bb lost, got %s", addr)
	}
}

func TestScanFiltersService(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("aa")
	b := m.NewRadio("bb")
	defer a.Close()
	defer b.Close()

	_ = b.StartAdvertising("other", "EWONIC:Peer_B")

	found := make(chan radio.Advertisement, 1)
	_ = a.StartScan(svc, func(ad radio.Advertisement) { found <- ad }, func(radio.Address) {})

	select {
	case ad := <-found:
		t.Errorf("unexpected advertisement %+v", ad)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectWriteNotify(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("aa")
	b := m.NewRadio("bb")
	defer a.Close()
	defer b.Close()

	writes := make(chan string, 1)
	if err := b.ServeCharacteristic(svc, char, func(from radio.Address, data []byte) {
		writes <- string(from) + ":" + string(data)
	}); err != nil {
		t.Fatalf("ServeCharacteristic failed: %v", err)
	}

	ctx := context.Background()
	dev, err := a.Connect(ctx, "bb")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	services, err := dev.DiscoverServices(ctx)
	if err != nil {
		t.Fatalf("DiscoverServices failed: %v", err)
	}
	if s, c := radio.HasCharacteristic(services, svc, char); !s || !c {
		t.Fatalf("expected served characteristic in %+v", services)
	}

	notes := make(chan string, 1)
	if err := dev.Subscribe(svc, char, func(data []byte) { notes <- string(data) }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := dev.Write(ctx, svc, char, []byte("ping")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := recv(t, writes); got != "aa:ping" {
		t.Errorf("unexpected write %q", got)
	}

	if err := b.Notify("aa", svc, char, []byte("pong")); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if got := recv(t, notes); got != "pong" {
		t.Errorf("unexpected notification %q", got)
	}

	if err := dev.Write(ctx, svc, "missing", []byte("x")); !errors.Is(err, radio.ErrNoCharacteristic) {
		t.Errorf("expected ErrNoCharacteristic, got %v", err)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("aa")
	b := m.NewRadio("bb")
	defer a.Close()
	defer b.Close()
	_ = b.ServeCharacteristic(svc, char, func(radio.Address, []byte) {})

	dev, err := a.Connect(context.Background(), "bb")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := dev.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := dev.Disconnect(); err != nil {
		t.Fatalf("second Disconnect failed: %v", err)
	}
	if err := dev.Write(context.Background(), svc, char, []byte("x")); !errors.Is(err, radio.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := b.Notify("aa", svc, char, []byte("x")); !errors.Is(err, radio.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected from Notify, got %v", err)
	}
}

func TestPowerOff(t *testing.T) {
	m := NewMedium()
	a := m.NewRadio("aa")
	b := m.NewRadio("bb")
	defer a.Close()
	defer b.Close()
	_ = b.ServeCharacteristic(svc, char, func(radio.Address, []byte) {})

	dev, err := a.Connect(context.Background(), "bb")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	dropped := make(chan struct{}, 1)
	dev.OnDisconnect(func() { dropped <- struct{}{} })

	b.SetPowered(false)
	recv(t, dropped)

	if _, err := a.Connect(context.Background(), "bb"); !errors.Is(err, radio.ErrUnknownAddress) {
		t.Errorf("expected ErrUnknownAddress, got %v", err)
	}

	a.SetPowered(false)
	if err := a.StartScan(svc, func(radio.Advertisement) {}, func(radio.Address) {}); !errors.Is(err, radio.ErrPoweredOff) {
		t.Errorf("expected ErrPoweredOff, got %v", err)
	}

	a.SetPowered(true)
	a.SetPermitted(false)
	if err := a.StartScan(svc, func(radio.Advertisement) {}, func(radio.Address) {}); !errors.Is(err, radio.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}
}

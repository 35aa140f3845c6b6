// Package radio describes the low-energy discovery and GATT primitives the
// relay is built on. Implementations live in radio/ether (in process) and
// air (over a websocket hub).
package radio

import (
	"context"
	"errors"
)

// Address is the platform handle of a remote radio.
type Address string

var (
	ErrPoweredOff       = errors.New("radio powered off")
	ErrPermissionDenied = errors.New("radio permission denied")
	ErrUnknownAddress   = errors.New("no radio at address")
	ErrNotConnected     = errors.New("device not connected")
	ErrNoCharacteristic = errors.New("characteristic not served")
)

type Advertisement struct {
	Address  Address
	Name     string
	Services []string
}

type Service struct {
	UUID            string
	Characteristics []string
}

type Scanner interface {
	// StartScan reports advertisements carrying serviceUUID.
	StartScan(serviceUUID string, onFound func(Advertisement), onLost func(Address)) error
	StopScan() error
}

// Advertiser is the advertising controller the caller drives.
type Advertiser interface {
	StartAdvertising(serviceUUID, name string) error
	StopAdvertising() error
}

type Central interface {
	Connect(ctx context.Context, addr Address) (Device, error)
}

type Peripheral interface {
	// ServeCharacteristic exposes a writable, notifying characteristic.
	ServeCharacteristic(serviceUUID, charUUID string, onWrite func(from Address, data []byte)) error
	// Notify pushes data to a central subscribed to the characteristic.
	Notify(to Address, serviceUUID, charUUID string, data []byte) error
}

type Radio interface {
	Scanner
	Advertiser
	Central
	Peripheral
	Address() Address
}

// Device is a connection from us as central to a remote peripheral.
type Device interface {
	Address() Address
	DiscoverServices(ctx context.Context) ([]Service, error)
	Write(ctx context.Context, serviceUUID, charUUID string, data []byte) error
	Subscribe(serviceUUID, charUUID string, onNotify func([]byte)) error
	OnDisconnect(fn func())
	Disconnect() error
}

// HasCharacteristic reports whether services expose charUUID under serviceUUID.
func HasCharacteristic(services []Service, serviceUUID, charUUID string) (serviceFound, charFound bool) {
	for _, s := range services {
		if s.UUID != serviceUUID {
			continue
		}
		for _, c := range s.Characteristics {
			if c == charUUID {
				return true, true
			}
		}
		return true, false
	}
	return false, false
}

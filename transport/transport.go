// Package transport describes the capabilities the loader needs from a BLE stack: a discovery
// session, the peripherals it finds and their GATT characteristics.
package transport

import (
	"context"
	"errors"

	"github.com/go-ble/ble"
)

var (
	ErrNotConnected          = errors.New("device not connected")
	ErrCharacteristicMissing = errors.New("characteristic not found")
)

type UUID = ble.UUID

func UUID16(i uint16) UUID {
	return ble.UUID16(i)
}

func MustParseUUID(s string) UUID {
	return ble.MustParse(s)
}

type Session interface {
	StartDiscovery(ctx context.Context) error
	StopDiscovery(ctx context.Context) error
	// Devices returns every peripheral seen since discovery started.
	Devices(ctx context.Context) ([]Device, error)
}

type Device interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// InRange reports whether the device has recently been heard from.
	InRange() bool
	ID() ID
	Name() string
	Characteristic(ctx context.Context, service, characteristic UUID) (Characteristic, error)
}

type Characteristic interface {
	// Subscribe enables notifications and returns the stream of received values. The channel is
	// closed when the subscription ends. Subscribing again replaces the previous stream.
	Subscribe(ctx context.Context) (<-chan []byte, error)
	Write(ctx context.Context, value []byte) error
	WriteWithResponse(ctx context.Context, value []byte) error
	Read(ctx context.Context) ([]byte, error)
}

// Package device contains the protocol decoders turning raw characteristic notifications into
// measurement records, one per supported device model.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/robertof/go-healthpi-loader/measurement"
	"github.com/robertof/go-healthpi-loader/transport"
)

var (
	ErrInvalidData = errors.New("invalid data")
	ErrNoResponse  = errors.New("no response from device")
)

type Device interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// Extract runs the model's protocol and returns every record the device reported.
	Extract(ctx context.Context) ([]measurement.Record, error)
	Name() string
	ID() transport.ID
	String() string
}

// Base implements the parts of Device shared by every model on top of a transport device.
type Base struct {
	Model     string
	Transport transport.Device
}

func (b *Base) Connect(ctx context.Context) error {
	return b.Transport.Connect(ctx)
}

func (b *Base) Disconnect(ctx context.Context) error {
	return b.Transport.Disconnect(ctx)
}

func (b *Base) Name() string {
	return b.Transport.Name()
}

func (b *Base) ID() transport.ID {
	return b.Transport.ID()
}

func (b *Base) Source() measurement.Source {
	return measurement.DeviceSource(b.ID())
}

func (b *Base) String() string {
	return fmt.Sprintf("%s[%s,%q]", b.Model, b.ID(), b.Name())
}

// Characteristics looks up several characteristics of the same service at once.
func (b *Base) Characteristics(
	ctx context.Context,
	service transport.UUID,
	uuids ...transport.UUID,
) ([]transport.Characteristic, error) {
	out := make([]transport.Characteristic, len(uuids))

	for i, uuid := range uuids {
		c, err := b.Transport.Characteristic(ctx, service, uuid)
		if err != nil {
			return nil, fmt.Errorf("failed to find characteristic %v of service %v: %w",
				uuid, service, err)
		}

		out[i] = c
	}

	return out, nil
}

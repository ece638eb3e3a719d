// Package transporttest provides in-memory implementations of the transport interfaces.
package transporttest

import (
	"context"
	"sync"

	"github.com/robertof/go-healthpi-loader/transport"
)

type Write struct {
	Value        []byte
	WithResponse bool
}

// Characteristic replays Events on every subscription. Unless KeepOpen is set the stream is
// closed once the events have been delivered.
type Characteristic struct {
	Events   [][]byte
	KeepOpen bool

	ReadValue []byte

	SubscribeErr error
	WriteErr     error
	ReadErr      error

	// OnWrite is invoked after each successful write, with the characteristic unlocked.
	OnWrite func(c *Characteristic, value []byte, withResponse bool)

	mu         sync.Mutex
	writes     []Write
	stream     chan []byte
	subscribed int
}

func (c *Characteristic) Subscribe(ctx context.Context) (<-chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SubscribeErr != nil {
		return nil, c.SubscribeErr
	}

	c.subscribed++

	ch := make(chan []byte, len(c.Events)+64)
	for _, ev := range c.Events {
		ch <- ev
	}

	if c.KeepOpen {
		c.stream = ch
	} else {
		close(ch)
		c.stream = nil
	}

	return ch, nil
}

// Notify pushes a value into the active subscription, if any.
func (c *Characteristic) Notify(value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		return
	}

	select {
	case c.stream <- value:
	default:
	}
}

// Close ends the active subscription.
func (c *Characteristic) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		close(c.stream)
		c.stream = nil
	}
}

func (c *Characteristic) write(value []byte, withResponse bool) error {
	c.mu.Lock()

	if c.WriteErr != nil {
		c.mu.Unlock()
		return c.WriteErr
	}

	c.writes = append(c.writes, Write{
		Value:        append([]byte(nil), value...),
		WithResponse: withResponse,
	})
	hook := c.OnWrite
	c.mu.Unlock()

	if hook != nil {
		hook(c, value, withResponse)
	}

	return nil
}

func (c *Characteristic) Write(ctx context.Context, value []byte) error {
	return c.write(value, false)
}

func (c *Characteristic) WriteWithResponse(ctx context.Context, value []byte) error {
	return c.write(value, true)
}

func (c *Characteristic) Read(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ReadValue, c.ReadErr
}

func (c *Characteristic) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Write(nil), c.writes...)
}

func (c *Characteristic) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.subscribed
}

type charKey struct {
	service, characteristic string
}

type Device struct {
	DeviceID   transport.ID
	DeviceName string
	Range      bool

	ConnectErr    error
	DisconnectErr error

	mu              sync.Mutex
	characteristics map[charKey]*Characteristic
	connects        int
	disconnects     int
}

func NewDevice(id transport.ID, name string) *Device {
	return &Device{
		DeviceID:        id,
		DeviceName:      name,
		Range:           true,
		characteristics: make(map[charKey]*Characteristic),
	}
}

func (d *Device) AddCharacteristic(service, characteristic transport.UUID, c *Characteristic) *Characteristic {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.characteristics == nil {
		d.characteristics = make(map[charKey]*Characteristic)
	}

	d.characteristics[charKey{service.String(), characteristic.String()}] = c

	return c
}

func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.connects++

	return d.ConnectErr
}

func (d *Device) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.disconnects++

	return d.DisconnectErr
}

func (d *Device) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.connects
}

func (d *Device) Disconnects() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.disconnects
}

func (d *Device) InRange() bool {
	return d.Range
}

func (d *Device) ID() transport.ID {
	return d.DeviceID
}

func (d *Device) Name() string {
	return d.DeviceName
}

func (d *Device) Characteristic(
	ctx context.Context,
	service, characteristic transport.UUID,
) (transport.Characteristic, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.characteristics[charKey{service.String(), characteristic.String()}]
	if !ok {
		return nil, transport.ErrCharacteristicMissing
	}

	return c, nil
}

type Session struct {
	DeviceList []transport.Device
	DevicesErr error

	mu         sync.Mutex
	discovery  bool
	starts     int
	stops      int
	enumerated int
}

func (s *Session) StartDiscovery(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discovery = true
	s.starts++

	return nil
}

func (s *Session) StopDiscovery(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discovery = false
	s.stops++

	return nil
}

func (s *Session) Devices(ctx context.Context) ([]transport.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enumerated++

	if s.DevicesErr != nil {
		return nil, s.DevicesErr
	}

	return s.DeviceList, nil
}

func (s *Session) Discovering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.discovery
}

func (s *Session) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stops
}

func (s *Session) Enumerations() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.enumerated
}

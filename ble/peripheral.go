package ble

import (
  "context"
  "fmt"
  "sync"

  "github.com/go-ble/ble"
  "github.com/robertof/go-healthpi-loader/transport"
  "github.com/rs/zerolog/log"
)

// Size of the buffer between the HCI notification handler and the subscriber.
const notificationBuffer = 256

type peripheral struct {
  session *Session
  id      transport.ID

  mu      sync.Mutex
  name    string
  inRange bool
  client  Client
  profile *ble.Profile
  chars   map[string]*characteristic
}

func (p *peripheral) ID() transport.ID {
  return p.id
}

func (p *peripheral) Name() string {
  p.mu.Lock()
  defer p.mu.Unlock()

  return p.name
}

func (p *peripheral) InRange() bool {
  p.mu.Lock()
  defer p.mu.Unlock()

  return p.inRange
}

func (p *peripheral) Connect(ctx context.Context) error {
  if err := p.session.pauseScan(ctx); err != nil {
    p.session.resumeScan()
    return fmt.Errorf("failed to pause scan: %w", err)
  }

  client, err := p.session.h.Connect(ctx, p.id.HardwareAddr())

  if err != nil {
    p.session.resumeScan()
    return fmt.Errorf("failed to connect to %v: %w", p.id, err)
  }

  profile, err := client.DiscoverProfile(false)

  if err != nil {
    _ = client.CancelConnection()
    p.session.resumeScan()
    return fmt.Errorf("failed to discover profile of %v: %w", p.id, err)
  }

  p.mu.Lock()
  p.client = client
  p.profile = profile
  p.chars = make(map[string]*characteristic)
  p.mu.Unlock()

  log.Trace().
    Stringer("Addr", p.id).
    Int("Services", len(profile.Services)).
    Msg("ble: connected and discovered profile")

  return nil
}

func (p *peripheral) Disconnect(ctx context.Context) error {
  p.mu.Lock()
  client := p.client
  chars := p.chars
  p.client = nil
  p.profile = nil
  p.chars = nil
  p.mu.Unlock()

  if client == nil {
    return transport.ErrNotConnected
  }

  defer p.session.resumeScan()

  for _, c := range chars {
    c.unsubscribe(client)
  }

  if p.session.h.Pooled() {
    log.Trace().Stringer("Addr", p.id).Msg("ble: keeping pooled connection open")
    return nil
  }

  if err := client.CancelConnection(); err != nil {
    return fmt.Errorf("failed to disconnect from %v: %w", p.id, err)
  }

  select {
  case <-client.Disconnected():
    disconnectsCounter.Inc()
    return nil
  case <-ctx.Done():
    return ctx.Err()
  }
}

func (p *peripheral) Characteristic(
  ctx context.Context,
  service, char transport.UUID,
) (transport.Characteristic, error) {
  p.mu.Lock()
  defer p.mu.Unlock()

  if p.client == nil {
    return nil, transport.ErrNotConnected
  }

  key := service.String() + "/" + char.String()

  if c, ok := p.chars[key]; ok {
    return c, nil
  }

  for _, s := range p.profile.Services {
    if !s.UUID.Equal(service) {
      continue
    }

    for _, bc := range s.Characteristics {
      if bc.UUID.Equal(char) {
        c := &characteristic{client: p.client, c: bc}
        p.chars[key] = c

        return c, nil
      }
    }
  }

  return nil, fmt.Errorf("%w: %v/%v", transport.ErrCharacteristicMissing, service, char)
}

type characteristic struct {
  client Client
  c      *ble.Characteristic

  mu      sync.Mutex
  stream  chan []byte
  writeMu sync.Mutex
}

func (c *characteristic) indicate() bool {
  return c.c.Property&ble.CharNotify == 0 && c.c.Property&ble.CharIndicate != 0
}

func (c *characteristic) Subscribe(ctx context.Context) (<-chan []byte, error) {
  c.unsubscribe(c.client)

  stream := make(chan []byte, notificationBuffer)

  c.mu.Lock()
  c.stream = stream
  c.mu.Unlock()

  err := c.client.Subscribe(c.c, c.indicate(), func(value []byte) {
    c.mu.Lock()
    defer c.mu.Unlock()

    if c.stream != stream {
      return
    }

    select {
    case stream <- append([]byte(nil), value...):
    default:
      droppedNotificationsCounter.Inc()
      log.Warn().Stringer("UUID", c.c.UUID).Msg("ble: subscriber too slow, dropping notification")
    }
  })

  if err != nil {
    c.mu.Lock()
    if c.stream == stream {
      c.stream = nil
      close(stream)
    }
    c.mu.Unlock()

    return nil, fmt.Errorf("failed to subscribe to %v: %w", c.c.UUID, err)
  }

  return stream, nil
}

// unsubscribe ends the current subscription, if any, closing its stream.
func (c *characteristic) unsubscribe(client Client) {
  c.mu.Lock()
  stream := c.stream
  c.stream = nil

  if stream != nil {
    close(stream)
  }
  c.mu.Unlock()

  if stream == nil {
    return
  }

  if err := client.Unsubscribe(c.c, c.indicate()); err != nil {
    log.Debug().Err(err).Stringer("UUID", c.c.UUID).Msg("ble: failed to unsubscribe")
  }
}

func (c *characteristic) Write(ctx context.Context, value []byte) error {
  return c.write(value, true)
}

func (c *characteristic) WriteWithResponse(ctx context.Context, value []byte) error {
  return c.write(value, false)
}

func (c *characteristic) write(value []byte, noRsp bool) error {
  c.writeMu.Lock()
  defer c.writeMu.Unlock()

  if err := c.client.WriteCharacteristic(c.c, value, noRsp); err != nil {
    return fmt.Errorf("failed to write %v: %w", c.c.UUID, err)
  }

  return nil
}

func (c *characteristic) Read(ctx context.Context) ([]byte, error) {
  c.writeMu.Lock()
  defer c.writeMu.Unlock()

  v, err := c.client.ReadCharacteristic(c.c)

  if err != nil {
    return nil, fmt.Errorf("failed to read %v: %w", c.c.UUID, err)
  }

  return v, nil
}

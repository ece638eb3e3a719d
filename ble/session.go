package ble

import (
  "context"
  "errors"
  "sort"
  "sync"
  "time"

  "github.com/robertof/go-healthpi-loader/transport"
  "github.com/rs/zerolog/log"
  "golang.org/x/sync/errgroup"
)

// Devices not heard from within this window are reported as out of range.
const DefaultInRangeWindow = 15 * time.Second

type sighting struct {
  id       transport.ID
  name     string
  rssi     int
  lastSeen time.Time
}

// Session implements transport.Session on top of a local HCI device. Scanning runs in the
// background and is paused while a peripheral is connected, since most controllers refuse to
// initiate connections while scanning.
type Session struct {
  InRangeWindow time.Duration

  h   *Handle
  now func() time.Time

  mu          sync.Mutex
  seen        map[transport.ID]*sighting
  peripherals map[transport.ID]*peripheral
  discovering bool
  paused      int
  stopScan    context.CancelFunc
  scan        *errgroup.Group
}

func (h *Handle) NewSession() *Session {
  return &Session{
    InRangeWindow: DefaultInRangeWindow,
    h:             h,
    now:           time.Now,
    seen:          make(map[transport.ID]*sighting),
    peripherals:   make(map[transport.ID]*peripheral),
  }
}

func (s *Session) StartDiscovery(ctx context.Context) error {
  s.mu.Lock()
  defer s.mu.Unlock()

  if s.discovering {
    return nil
  }

  s.discovering = true

  if s.paused == 0 {
    s.startScanLocked()
  }

  log.Debug().Msg("ble: discovery started")

  return nil
}

func (s *Session) StopDiscovery(ctx context.Context) error {
  s.mu.Lock()
  s.discovering = false
  wait := s.stopScanLocked()
  s.mu.Unlock()

  if err := wait(ctx); err != nil {
    return err
  }

  log.Debug().Msg("ble: discovery stopped")

  return nil
}

func (s *Session) Devices(ctx context.Context) ([]transport.Device, error) {
  s.mu.Lock()
  defer s.mu.Unlock()

  now := s.now()
  ret := make([]transport.Device, 0, len(s.seen))

  for id, seen := range s.seen {
    p := s.peripherals[id]

    if p == nil {
      p = &peripheral{session: s, id: id}
      s.peripherals[id] = p
    }

    p.mu.Lock()
    p.name = seen.name
    p.inRange = now.Sub(seen.lastSeen) < s.InRangeWindow
    p.mu.Unlock()

    ret = append(ret, p)
  }

  sort.Slice(ret, func(i, j int) bool {
    return ret[i].ID().String() < ret[j].ID().String()
  })

  return ret, nil
}

func (s *Session) onAdvertisement(a Advertisement) {
  id, err := transport.ParseID(a.Addr().String())

  if err != nil {
    log.Trace().Err(err).Str("Addr", a.Addr().String()).Msg("ble: ignoring advertisement")
    return
  }

  s.mu.Lock()
  defer s.mu.Unlock()

  seen, ok := s.seen[id]

  if !ok {
    seen = &sighting{id: id}
    s.seen[id] = seen

    log.Debug().
      Stringer("Addr", id).
      Str("Name", a.LocalName()).
      Int("RSSI", a.RSSI()).
      Msg("ble: discovered new device")
  }

  // scan responses without a local name must not wipe a previously seen one.
  if name := a.LocalName(); name != "" {
    seen.name = name
  }

  seen.rssi = a.RSSI()
  seen.lastSeen = s.now()
}

// pauseScan stops scanning until a matching resumeScan call.
func (s *Session) pauseScan(ctx context.Context) error {
  s.mu.Lock()
  s.paused++
  wait := s.stopScanLocked()
  s.mu.Unlock()

  return wait(ctx)
}

func (s *Session) resumeScan() {
  s.mu.Lock()
  defer s.mu.Unlock()

  if s.paused > 0 {
    s.paused--
  }

  if s.paused == 0 && s.discovering && s.scan == nil {
    s.startScanLocked()
  }
}

func (s *Session) startScanLocked() {
  ctx, cancel := context.WithCancel(context.Background())
  g := &errgroup.Group{}

  g.Go(func() error {
    err := s.h.ScanAll(ctx, s.onAdvertisement)

    if errors.Is(err, context.Canceled) {
      return nil
    }

    if err != nil {
      log.Warn().Err(err).Msg("ble: scan terminated")
    }

    return err
  })

  s.stopScan = cancel
  s.scan = g
}

// stopScanLocked cancels the running scan, if any, returning a function to wait for its
// termination without holding the lock.
func (s *Session) stopScanLocked() func(context.Context) error {
  if s.scan == nil {
    return func(context.Context) error { return nil }
  }

  g := s.scan
  s.stopScan()
  s.stopScan = nil
  s.scan = nil

  return func(ctx context.Context) error {
    done := make(chan struct{})

    go func() {
      _ = g.Wait()
      close(done)
    }()

    select {
    case <-done:
      return nil
    case <-ctx.Done():
      return ctx.Err()
    }
  }
}

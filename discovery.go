package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"

	"github.com/robertof/go-healthpi-loader/ble"
	"github.com/robertof/go-healthpi-loader/pairing"
	"github.com/robertof/go-healthpi-loader/transport"
)

const discoveryDuration = 5 * time.Second

type deviceInfo struct {
  name string
  rssi int
  connectable bool
  services []string
}

// merge folds an advertisement into what is known about a device so far.
func (info deviceInfo) merge(name string, rssi int, connectable bool, services []string) deviceInfo {
  set := make(map[string]bool)

  for _, uuid := range info.services {
    set[uuid] = true
  }

  for _, uuid := range services {
    set[uuid] = true
  }

  if info.name == "" {
    info.name = name
  }

  info.rssi = rssi
  info.connectable = info.connectable || connectable
  info.services = maps.Keys(set)
  sort.Strings(info.services)

  return info
}

func doDeviceDiscovery(cfg config) {
  log.Info().
    Dur("DurationSec", discoveryDuration).
    Msg("Starting in device discovery mode - collecting devices...")

  handle, err := ble.Init(cfg.BluetoothDeviceId, ble.FlagScanTypeActive)

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
  }

  defer handle.Stop()

  ctx := ble.WrapContextWithSigHandler(
    context.WithTimeout(
      context.Background(),
      discoveryDuration,
    ),
  )

  devices := make(map[transport.ID]deviceInfo)

  err = handle.ScanAll(ctx, func(a ble.Advertisement) {
    id, err := transport.ParseID(a.Addr().String())

    if err != nil {
      return
    }

    services := make([]string, 0, len(a.Services()))

    for _, uuid := range a.Services() {
      services = append(services, uuid.String())
    }

    devices[id] = devices[id].merge(a.LocalName(), a.RSSI(), a.Connectable(), services)

    log.Debug().
      Stringer("Addr", id).
      Str("Name", a.LocalName()).
      Int("RSSI", a.RSSI()).
      Bool("Connectable", a.Connectable()).
      Strs("Services", services).
      Hex("ManufacturerData", a.ManufacturerData()).
      Msg("Received device advertisement")
  })

  if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
    log.Fatal().Err(err).Msg("Failed to initiate scan")
  }

  log.Info().Int("Found", len(devices)).Msg("Finished device discovery")

  ids := maps.Keys(devices)
  sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

  var supported []transport.ID

  for _, id := range ids {
    data := devices[id]
    model, ok := pairing.Supported(data.name)

    log.Info().
      Stringer("Addr", id).
      Str("Name", data.name).
      Int("RSSI", data.rssi).
      Bool("Connectable", data.connectable).
      Strs("Services", data.services).
      Str("Model", model).
      Msg("Found device")

    if ok {
      supported = append(supported, id)
    }
  }

  if len(supported) > 0 {
    fmt.Printf("# supported devices, add the ones you own to %s\n", cfg.DevicesFile)

    for _, id := range supported {
      fmt.Println(id)
    }
  }
}

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robertof/go-healthpi-loader/ble"
	"github.com/robertof/go-healthpi-loader/loader"
	"github.com/robertof/go-healthpi-loader/metrics"
	"github.com/robertof/go-healthpi-loader/pairing"
	"github.com/robertof/go-healthpi-loader/store"
	"github.com/robertof/go-healthpi-loader/store/mqtt"
	"github.com/robertof/go-healthpi-loader/store/remote"
	"github.com/robertof/go-healthpi-loader/store/sqlite"
	"github.com/robertof/go-healthpi-loader/utils"
)

func main() {
  zerolog.DurationFieldUnit = time.Second
  zerolog.TimeFieldFormat = time.RFC3339Nano

  log.Logger = log.Output(zerolog.ConsoleWriter{
    Out: os.Stderr,
    TimeFormat: "15:04:05.000",
  })

  cfg := ParseArgs()

  if cfg.Trace || os.Getenv("TRACE") != "" {
      zerolog.SetGlobalLevel(zerolog.TraceLevel)
  } else if cfg.Debug || os.Getenv("DEBUG") != "" {
      zerolog.SetGlobalLevel(zerolog.DebugLevel)
  } else {
      zerolog.SetGlobalLevel(zerolog.InfoLevel)
  }

  if cfg.DiscoverDevices {
    doDeviceDiscovery(cfg)
    return
  }

  registry, err := pairing.LoadRegistry(cfg.DevicesFile)

  if err != nil {
    log.Fatal().Err(err).Str("File", cfg.DevicesFile).Msg("Failed to load paired devices")
  }

  if registry.Len() == 0 {
    log.Warn().
      Str("File", cfg.DevicesFile).
      Msg("No paired devices - nothing will be loaded. Run with '-discover' to find some")
  }

  log.Info().
    Str("BindAddr", cfg.BindAddress).
    Str("Store", cfg.Store).
    Array("Devices", utils.ToZeroLogArray(registry.IDs())).
    Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
    Msg("Starting with the specified configuration")

  if err := run(cfg, registry); err != nil {
    log.Fatal().Err(err).Msg("Loader failed")
  }
}

func run(cfg config, registry *pairing.Registry) error {
  repo, closeRepo, err := openStore(cfg)

  if err != nil {
    return err
  }

  defer closeRepo()

  bleHandle := initBle(cfg, registry)
  defer bleHandle.Stop()

  factory := pairing.NewFactory(registry)
  factory.Backoff = cfg.Backoff

  l := loader.New(bleHandle.NewSession(), factory, repo)
  l.Interval = cfg.Interval
  l.ConnectTimeout = cfg.ConnectTimeout
  l.DisconnectTimeout = cfg.DisconnectTimeout

  promRegistry := prometheus.NewRegistry()

  ble.RegisterMetrics(promRegistry)
  l.RegisterMetrics(promRegistry)
  metrics.RegisterCollector(l.Latest, promRegistry)

  if cfg.BindAddress != "" {
    serveMetrics(cfg.BindAddress, promRegistry)
  }

  ctx, cancel := context.WithCancel(context.Background())
  defer cancel()

  return l.Run(ble.WrapContextWithSigHandler(ctx, cancel))
}

func serveMetrics(addr string, registry *prometheus.Registry) {
  log.Info().
      Str("ListenAddress", addr).
      Msg("Starting Prometheus server")

  mux := http.NewServeMux()
  mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

  go func() {
    if err := http.ListenAndServe(addr, mux); err != nil {
        log.Fatal().Err(err).Msg("Unable to bind on requested address")
    }
  }()
}

func openStore(cfg config) (store.Repository, func(), error) {
  switch cfg.Store {
  case storeHTTP:
    return remote.New(cfg.RemoteURL, remote.Options{}), func() {}, nil
  case storeMQTT:
    repo, client, err := mqtt.Connect(mqtt.Options{
      Broker: cfg.MQTTBroker,
      ClientID: cfg.MQTTClientID,
      Username: cfg.MQTTUsername,
      Password: cfg.MQTTPassword,
      Topic: cfg.MQTTTopic,
    })

    if err != nil {
      return nil, nil, err
    }

    return repo, func() { client.Disconnect(250) }, nil
  default:
    repo, err := sqlite.Open(cfg.DatabasePath)

    if err != nil {
      return nil, nil, err
    }

    return repo, func() {
      if err := repo.Close(); err != nil {
        log.Warn().Err(err).Msg("Failed to close database")
      }
    }, nil
  }
}

func initBle(cfg config, registry *pairing.Registry) *ble.Handle {
  // names are often only sent in scan responses.
  var bleFlags ble.Flags = ble.FlagScanTypeActive

  if cfg.AllowList {
    bleFlags |= ble.FlagEnableDeviceAllowList
  }

  if cfg.PersistConnections {
    bleFlags |= ble.FlagPersistConnections
  }

  bleHandle, err := ble.InitWithConnParams(cfg.BluetoothDeviceId, cfg.BluetoothConnParams, bleFlags)

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
  }

  if cfg.AllowList {
    ids := registry.IDs()
    deviceAddresses := make([]net.HardwareAddr, len(ids))

    for i, id := range ids {
      deviceAddresses[i] = id.HardwareAddr()
    }

    if err := bleHandle.SetAllowListedAddresses(deviceAddresses); err != nil {
      log.Error().Err(err).Msg("Failed to set device allow list")
    }
  }

  return bleHandle
}

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/robertof/go-healthpi-loader/ble"
	"github.com/robertof/go-healthpi-loader/loader"
	"github.com/robertof/go-healthpi-loader/pairing"
)

const (
  storeSQLite = "sqlite"
  storeHTTP   = "http"
  storeMQTT   = "mqtt"
)

type config struct {
  ConfigFile string `yaml:"-"`

  Debug bool `yaml:"debug"`
  Trace bool `yaml:"trace"`
  BindAddress string `yaml:"bind"`
  DiscoverDevices bool `yaml:"-"`
  BluetoothDeviceId int `yaml:"bluetooth_device"`
  BluetoothConnParams ble.ConnParams `yaml:"bluetooth_connection_params"`
  PersistConnections bool `yaml:"persist_connections"`
  AllowList bool `yaml:"allow_list"`
  DevicesFile string `yaml:"devices"`
  Interval time.Duration `yaml:"interval"`
  ConnectTimeout time.Duration `yaml:"connect_timeout"`
  DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
  Backoff time.Duration `yaml:"backoff"`

  Store string `yaml:"store"`
  DatabasePath string `yaml:"database"`
  RemoteURL string `yaml:"remote_url"`
  MQTTBroker string `yaml:"mqtt_broker"`
  MQTTTopic string `yaml:"mqtt_topic"`
  MQTTClientID string `yaml:"mqtt_client_id"`
  MQTTUsername string `yaml:"mqtt_username"`
  MQTTPassword string `yaml:"mqtt_password"`
}

func newFlagSet(cfg *config, output io.Writer) *flag.FlagSet {
  fs := flag.NewFlagSet("healthpi-loader", flag.ContinueOnError)
  fs.SetOutput(output)

  cfg.BluetoothConnParams = ble.ConnParamsDefault

  fs.StringVar(&cfg.ConfigFile, "config", "", "Optional YAML configuration file. Flags take precedence over it")
  fs.StringVar(&cfg.BindAddress, "bind", "localhost:9102", "Where the metrics endpoint will bind to. Empty disables it")
  fs.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", 0, "Bluetooth (HCI) device ID")
  fs.Var(&cfg.BluetoothConnParams, "bluetooth-connection-params", "Bluetooth connection parameters (one of 'default' or 'power-saving')")
  fs.BoolVar(&cfg.PersistConnections, "persist-connections", false, "Keep Bluetooth connections open between polls")
  fs.BoolVar(&cfg.AllowList, "allow-list", false, "Only scan for the paired devices using the controller allow-list")
  fs.BoolVar(&cfg.DiscoverDevices, "discover", false, "Discover available BLE devices and quit")
  fs.StringVar(&cfg.DevicesFile, "devices", "devices.csv", "File listing the paired device addresses, one per line")
  fs.DurationVar(&cfg.Interval, "interval", loader.DefaultInterval, "How frequently discovered devices are polled")
  fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", loader.DefaultConnectTimeout, "Timeout for connecting to a device")
  fs.DurationVar(&cfg.DisconnectTimeout, "disconnect-timeout", loader.DefaultDisconnectTimeout, "Timeout for disconnecting from a device")
  fs.DurationVar(&cfg.Backoff, "backoff", pairing.DefaultBackoff, "How long a processed device is ignored for")
  fs.StringVar(&cfg.Store, "store", storeSQLite, "Where records are stored (one of 'sqlite', 'http' or 'mqtt')")
  fs.StringVar(&cfg.DatabasePath, "database", "healthpi.db", "SQLite database path")
  fs.StringVar(&cfg.RemoteURL, "remote-url", "", "Records endpoint of the remote store")
  fs.StringVar(&cfg.MQTTBroker, "mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
  fs.StringVar(&cfg.MQTTTopic, "mqtt-topic", "healthpi/records", "MQTT topic prefix")
  fs.StringVar(&cfg.MQTTClientID, "mqtt-client-id", "healthpi-loader", "MQTT client ID")
  fs.StringVar(&cfg.MQTTUsername, "mqtt-username", "", "MQTT username")
  fs.StringVar(&cfg.MQTTPassword, "mqtt-password", "", "MQTT password")
  fs.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")
  fs.BoolVar(&cfg.Trace, "trace", false, "Enable trace logs")

  return fs
}

func loadConfigFile(path string, cfg *config) error {
  f, err := os.Open(path)

  if err != nil {
    return errors.Wrap(err, "failed to open config file")
  }

  defer f.Close()

  dec := yaml.NewDecoder(f)
  dec.KnownFields(true)

  if err := dec.Decode(cfg); err != nil && err != io.EOF {
    return errors.Wrapf(err, "failed to parse config file %q", path)
  }

  return nil
}

func (c *config) validate() error {
  // values coming from the config file bypass flag.Value.Set.
  if _, err := ble.ParseConnParams(string(c.BluetoothConnParams)); err != nil {
    return err
  }

  if c.Interval <= 0 {
    return fmt.Errorf("interval must be positive, got %v", c.Interval)
  }

  switch c.Store {
  case storeSQLite:
    if c.DatabasePath == "" {
      return errors.New("a database path is required by the sqlite store")
    }
  case storeHTTP:
    if c.RemoteURL == "" {
      return errors.New("a remote URL is required by the http store")
    }
  case storeMQTT:
    if c.MQTTBroker == "" {
      return errors.New("a broker is required by the mqtt store")
    }
  default:
    return fmt.Errorf("unknown store %q", c.Store)
  }

  return nil
}

func parseArgs(args []string, output io.Writer) (config, error) {
  var cfg config

  fs := newFlagSet(&cfg, output)

  if err := fs.Parse(args); err != nil {
    return cfg, err
  }

  if cfg.ConfigFile != "" {
    // start over from the defaults, overlay the file and then the flags set explicitly.
    var merged config
    mergedFs := newFlagSet(&merged, output)
    merged.ConfigFile = cfg.ConfigFile
    merged.DiscoverDevices = cfg.DiscoverDevices

    if err := loadConfigFile(cfg.ConfigFile, &merged); err != nil {
      return cfg, err
    }

    var setErr error

    fs.Visit(func(f *flag.Flag) {
      if err := mergedFs.Set(f.Name, f.Value.String()); err != nil && setErr == nil {
        setErr = err
      }
    })

    if setErr != nil {
      return cfg, setErr
    }

    cfg = merged
  }

  if err := cfg.validate(); err != nil {
    return cfg, err
  }

  return cfg, nil
}

func ParseArgs() config {
  cfg, err := parseArgs(os.Args[1:], os.Stderr)

  if errors.Is(err, flag.ErrHelp) {
    os.Exit(0)
  }

  if err != nil {
    fmt.Fprintln(os.Stderr, "Error:", err)
    os.Exit(1)
  }

  return cfg
}

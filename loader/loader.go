// Package loader drives the polling loop: it enumerates discovered peripherals, extracts records
// from the supported ones and hands them to the storage.
package loader

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/robertof/go-healthpi-loader/device"
	"github.com/robertof/go-healthpi-loader/measurement"
	"github.com/robertof/go-healthpi-loader/store"
	"github.com/robertof/go-healthpi-loader/transport"
	"github.com/robertof/go-healthpi-loader/utils"
)

const (
	DefaultInterval          = time.Second
	DefaultConnectTimeout    = 5 * time.Second
	DefaultDisconnectTimeout = 5 * time.Second

	// number of records of a batch logged at debug level.
	loggedRecords = 3
)

const (
	stageConnectFailed    = "connect_failed"
	stageExtractFailed    = "extract_failed"
	stageDisconnectFailed = "disconnect_failed"
	stageStoreFailed      = "store_failed"
	stageProcessed        = "processed"
)

type Factory interface {
	// Classify returns nil for devices that must not be processed.
	Classify(transport.Device) device.Device
	MarkProcessed(device.Device) time.Time
}

// Reading is the latest stored value of a given type for a source.
type Reading struct {
	Source    measurement.Source
	Timestamp time.Time
	Value     measurement.Value
}

type latestKey struct {
	source    string
	valueType measurement.ValueType
}

type Loader struct {
	Interval          time.Duration
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration

	session transport.Session
	factory Factory
	repo    store.Repository

	devicesCounter *prometheus.CounterVec
	recordsCounter prometheus.Counter

	mu     sync.Mutex
	latest map[latestKey]Reading
}

func New(session transport.Session, factory Factory, repo store.Repository) *Loader {
	return &Loader{
		Interval:          DefaultInterval,
		ConnectTimeout:    DefaultConnectTimeout,
		DisconnectTimeout: DefaultDisconnectTimeout,
		session:           session,
		factory:           factory,
		repo:              repo,
		devicesCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthpi_loader_devices_total",
			Help: "Devices handled by the loader, by outcome.",
		}, []string{"stage"}),
		recordsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healthpi_loader_records_stored_total",
		}),
		latest: make(map[latestKey]Reading),
	}
}

func (l *Loader) RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(l.devicesCounter, l.recordsCounter)

	if sized, ok := l.factory.(interface{ Len() int }); ok {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "healthpi_loader_backoff_entries",
			Help: "Devices currently tracked by the backoff table.",
		}, func() float64 {
			return float64(sized.Len())
		}))
	}
}

// Run polls for devices until ctx is cancelled, then stops discovery. Work on a device already
// in progress is not interrupted by the cancellation, only by its own timeouts.
func (l *Loader) Run(ctx context.Context) error {
	if err := l.session.StartDiscovery(ctx); err != nil {
		return errors.Wrap(err, "failed to start discovery")
	}

	log.Info().
		Dur("Interval", l.Interval).
		Dur("ConnectTimeout", l.ConnectTimeout).
		Dur("DisconnectTimeout", l.DisconnectTimeout).
		Msg("Starting loader")

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	work := context.WithoutCancel(ctx)

	for ctx.Err() == nil {
		l.Tick(work)

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}

	log.Info().Msg("Loader is shutting down")

	stopCtx, cancel := context.WithTimeout(work, l.DisconnectTimeout)
	defer cancel()

	if err := l.session.StopDiscovery(stopCtx); err != nil {
		return errors.Wrap(err, "failed to stop discovery")
	}

	return nil
}

// Tick runs a single enumerate, classify and process pass.
func (l *Loader) Tick(ctx context.Context) {
	devices, err := l.session.Devices(ctx)

	if err != nil {
		log.Warn().Err(err).Msg("Failed to enumerate devices, skipping")
		return
	}

	log.Trace().Int("Devices", len(devices)).Msg("Loader tick")

	for _, d := range devices {
		dev := l.factory.Classify(d)

		if dev == nil {
			continue
		}

		l.process(ctx, dev)
	}
}

func (l *Loader) process(ctx context.Context, dev device.Device) {
	log.Info().Stringer("Device", dev).Msg("Connecting to device")

	connectCtx, cancel := context.WithTimeout(ctx, l.ConnectTimeout)
	err := dev.Connect(connectCtx)
	cancel()

	if err != nil {
		failureEvent(err).Stringer("Device", dev).Err(err).Msg("Failed to connect to device")
		l.devicesCounter.WithLabelValues(stageConnectFailed).Inc()
		return
	}

	records, err := dev.Extract(ctx)

	if err != nil {
		log.Warn().Stringer("Device", dev).Err(err).Msg("Failed to extract records from device")
		l.devicesCounter.WithLabelValues(stageExtractFailed).Inc()
		l.disconnect(ctx, dev)
		return
	}

	l.disconnect(ctx, dev)

	log.Info().Stringer("Device", dev).Int("Records", len(records)).Msg("Extracted records")

	for i := max(0, len(records)-loggedRecords); i < len(records); i++ {
		log.Debug().Stringer("Device", dev).Stringer("Record", records[i]).Msg("Extracted record")
	}

	if err := l.repo.StoreRecords(ctx, records); err != nil {
		log.Error().Stringer("Device", dev).Err(err).Msg("Failed to store records")
		l.devicesCounter.WithLabelValues(stageStoreFailed).Inc()
		return
	}

	l.recordsCounter.Add(float64(len(records)))
	l.remember(records)

	l.factory.MarkProcessed(dev)
	l.devicesCounter.WithLabelValues(stageProcessed).Inc()
}

func (l *Loader) disconnect(ctx context.Context, dev device.Device) {
	ctx, cancel := context.WithTimeout(ctx, l.DisconnectTimeout)
	defer cancel()

	if err := dev.Disconnect(ctx); err != nil {
		failureEvent(err).Stringer("Device", dev).Err(err).Msg("Failed to disconnect from device")
		l.devicesCounter.WithLabelValues(stageDisconnectFailed).Inc()
	}
}

// failureEvent logs timeouts and lost links, which are routine with battery powered devices
// walking in and out of range, at a lower level than other failures.
func failureEvent(err error) *zerolog.Event {
	if utils.ErrorIsAnyOf(err, context.DeadlineExceeded, transport.ErrNotConnected) {
		return log.Info()
	}

	return log.Warn()
}

func (l *Loader) remember(records []measurement.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range records {
		source := r.Source.String()

		for _, v := range r.Values {
			key := latestKey{source, v.Type}

			if prev, ok := l.latest[key]; ok && prev.Timestamp.After(r.Timestamp) {
				continue
			}

			l.latest[key] = Reading{Source: r.Source, Timestamp: r.Timestamp, Value: v}
		}
	}
}

// Latest returns the most recent stored value per source and value type.
func (l *Loader) Latest() []Reading {
	l.mu.Lock()
	out := make([]Reading, 0, len(l.latest))

	for _, r := range l.latest {
		out = append(out, r)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Source.String(), out[j].Source.String()

		if si != sj {
			return si < sj
		}

		return out[i].Value.Type < out[j].Value.Type
	})

	return out
}

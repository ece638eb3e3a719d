package pairing

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/robertof/go-healthpi-loader/device"
	"github.com/robertof/go-healthpi-loader/device/contour"
	"github.com/robertof/go-healthpi-loader/device/huawei"
	"github.com/robertof/go-healthpi-loader/device/soehnle"
	"github.com/robertof/go-healthpi-loader/transport"
)

const DefaultBackoff = 5 * time.Minute

type model struct {
	nameContains string
	build        func(transport.Device) device.Device
}

// Matched in order against the advertised device name.
var models = []model{
	{"Contour", func(d transport.Device) device.Device { return contour.NewElitePlus(d) }},
	{"Shape200", func(d transport.Device) device.Device { return soehnle.NewShape200(d) }},
	{"Systo MC 400", func(d transport.Device) device.Device { return soehnle.NewSystoMC400(d) }},
	{"CH100", func(d transport.Device) device.Device { return huawei.NewAH100(d) }},
}

// Supported reports whether a device advertising name has a decoder, and which one.
func Supported(name string) (string, bool) {
	for _, m := range models {
		if strings.Contains(name, m.nameContains) {
			return m.nameContains, true
		}
	}

	return "", false
}

// Factory turns discovered peripherals into decoders and keeps every processed device on hold
// for the backoff period.
type Factory struct {
	Backoff time.Duration
	// Now is the clock used for backoff decisions.
	Now func() time.Time

	registry *Registry

	mu       sync.Mutex
	backoffs map[transport.ID]time.Time
}

func NewFactory(registry *Registry) *Factory {
	return &Factory{
		Backoff:  DefaultBackoff,
		Now:      time.Now,
		registry: registry,
		backoffs: make(map[transport.ID]time.Time),
	}
}

// Classify returns the decoder for d, or nil if d should not be processed right now.
func (f *Factory) Classify(d transport.Device) device.Device {
	if !d.InRange() {
		return nil
	}

	id := d.ID()

	if !f.registry.Contains(id) {
		return nil
	}

	f.mu.Lock()
	expiry, ok := f.backoffs[id]
	f.mu.Unlock()

	if ok && expiry.After(f.Now()) {
		log.Debug().
			Stringer("Device", id).
			Str("Name", d.Name()).
			Time("Until", expiry.Local()).
			Msg("pairing: ignoring because of backoff")
		return nil
	}

	name := d.Name()

	for _, m := range models {
		if strings.Contains(name, m.nameContains) {
			return m.build(d)
		}
	}

	log.Warn().Stringer("Device", id).Str("Name", name).Msg("pairing: paired device is not supported")

	return nil
}

// MarkProcessed starts the backoff period of d and returns when it ends.
func (f *Factory) MarkProcessed(d device.Device) time.Time {
	expiry := f.Now().Add(f.Backoff)

	f.mu.Lock()
	f.backoffs[d.ID()] = expiry
	f.mu.Unlock()

	log.Info().
		Stringer("Device", d).
		Time("Until", expiry.Local()).
		Msg("pairing: device processed, backing off")

	return expiry
}

// Len is the number of backoff entries, expired ones included.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.backoffs)
}

package soehnle

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/robertof/go-healthpi-loader/device"
	"github.com/robertof/go-healthpi-loader/measurement"
	"github.com/robertof/go-healthpi-loader/transport"
)

var (
	bloodPressureService     = transport.UUID16(0x1810)
	bloodPressureMeasurement = transport.UUID16(0x2a35)
)

const (
	DefaultBloodPressureIdleTimeout = 5 * time.Second

	flagKiloPascal      = 1 << 0
	flagTimestamp       = 1 << 1
	flagPulseRate       = 1 << 2
	bloodPressureMinLen = 5
)

type SystoMC400 struct {
	device.Base

	IdleTimeout time.Duration
	// Now provides the timestamp of measurements the device did not date.
	Now func() time.Time

	lastTimestamp time.Time
	duplicates    int
}

func NewSystoMC400(d transport.Device) *SystoMC400 {
	return &SystoMC400{
		Base: device.Base{
			Model:     "SystoMC400",
			Transport: d,
		},
		IdleTimeout: DefaultBloodPressureIdleTimeout,
		Now:         time.Now,
	}
}

func pressure(raw uint16, kpa bool) int {
	if kpa {
		return int(uint32(raw) * 15 / 2000)
	}

	return int(raw)
}

func (s *SystoMC400) parseRecord(v []byte) (measurement.Record, bool) {
	if len(v) < bloodPressureMinLen {
		log.Debug().Stringer("Device", s).Hex("Value", v).Msg("soehnle: blood pressure event too short")
		return measurement.Record{}, false
	}

	flags := v[0]
	kpa := flags&flagKiloPascal != 0

	values := []measurement.Value{
		measurement.NewBloodPressureSystolic(pressure(binary.BigEndian.Uint16(v[1:3]), kpa)),
		measurement.NewBloodPressureDiastolic(pressure(binary.BigEndian.Uint16(v[3:5]), kpa)),
	}

	// skip the mean arterial pressure.
	i := 7

	var ts time.Time

	if flags&flagTimestamp != 0 {
		if len(v) < i+device.DateTimeLength {
			log.Debug().Stringer("Device", s).Hex("Value", v).Msg("soehnle: missing blood pressure timestamp")
			return measurement.Record{}, false
		}

		var err error
		if ts, err = device.DecodeDateTimeLE(v[i : i+device.DateTimeLength]); err != nil {
			log.Debug().Stringer("Device", s).Err(err).Msg("soehnle: invalid blood pressure timestamp")
			return measurement.Record{}, false
		}

		i += device.DateTimeLength
	} else {
		ts = measurement.Naive(s.Now().Truncate(time.Second))
	}

	if flags&flagPulseRate != 0 && len(v) >= i+2 {
		values = append(values, measurement.NewHeartRate(int(binary.BigEndian.Uint16(v[i:i+2]))))
	}

	if ts.Equal(s.lastTimestamp) {
		s.duplicates++
	} else {
		s.duplicates = 0
	}
	s.lastTimestamp = ts

	stored := ts.Add(time.Duration(s.duplicates) * time.Second)

	return measurement.NewRecord(stored, values, v, s.Source()), true
}

func (s *SystoMC400) Extract(ctx context.Context) ([]measurement.Record, error) {
	c, err := s.Transport.Characteristic(ctx, bloodPressureService, bloodPressureMeasurement)
	if err != nil {
		return nil, fmt.Errorf("failed to find blood pressure measurement characteristic: %w", err)
	}

	events, err := c.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to blood pressure measurements: %w", err)
	}

	s.lastTimestamp, s.duplicates = time.Time{}, 0

	var records []measurement.Record

	device.Drain(ctx, events, s.IdleTimeout, func(v []byte) {
		if r, ok := s.parseRecord(v); ok {
			records = append(records, r)
		}
	})

	log.Debug().Stringer("Device", s).Int("Records", len(records)).Msg("soehnle: extracted blood pressure records")

	return records, nil
}

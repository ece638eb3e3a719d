// Package contour decodes the Contour Elite Plus glucose meter.
package contour

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/robertof/go-healthpi-loader/device"
	"github.com/robertof/go-healthpi-loader/measurement"
	"github.com/robertof/go-healthpi-loader/transport"
)

var (
	glucoseService         = transport.UUID16(0x1808)
	glucoseMeasurement     = transport.UUID16(0x2a18)
	glucoseContext         = transport.UUID16(0x2a34)
	recordAccessControl    = transport.UUID16(0x2a52)
	reportAllStoredRecords = []byte{0x01, 0x01}
)

const (
	DefaultIdleTimeout = time.Second

	measurementMinLength = 13
)

type ElitePlus struct {
	device.Base

	IdleTimeout time.Duration

	records map[uint16]*measurement.Record
}

func NewElitePlus(d transport.Device) *ElitePlus {
	return &ElitePlus{
		Base: device.Base{
			Model:     "ElitePlus",
			Transport: d,
		},
		IdleTimeout: DefaultIdleTimeout,
	}
}

func sequenceNumber(v []byte) uint16 {
	return uint16(v[1]) | uint16(v[2])<<8
}

func (e *ElitePlus) processMeasurement(v []byte) {
	if len(v) < measurementMinLength {
		log.Debug().Stringer("Device", e).Hex("Value", v).Msg("contour: measurement too short, ignoring")
		return
	}

	ts, err := device.DecodeDateTimeLE(v[3:10])
	if err != nil {
		log.Debug().Stringer("Device", e).Err(err).Msg("contour: invalid measurement timestamp, ignoring")
		return
	}

	seq := sequenceNumber(v)
	glucose := int(binary.BigEndian.Uint16(v[11:13]))

	r := measurement.NewRecord(ts, []measurement.Value{measurement.NewGlucose(glucose)}, v, e.Source())
	e.records[seq] = &r
}

func mealIndicator(b byte) measurement.MealIndicator {
	switch b {
	case 1:
		return measurement.BeforeMeal
	case 2:
		return measurement.AfterMeal
	case 3:
		return measurement.NoMeal
	default:
		return measurement.NoIndication
	}
}

func (e *ElitePlus) processContext(v []byte) {
	if len(v) < 3 {
		return
	}

	flags := v[0]
	if flags&0x02 == 0 {
		return
	}

	idx := 3 + int(flags>>7&1) + 2*int(flags&1)
	if idx >= len(v) {
		return
	}

	if r, ok := e.records[sequenceNumber(v)]; ok {
		r.AddValue(measurement.NewMeal(mealIndicator(v[idx])))
	}
}

func (e *ElitePlus) Extract(ctx context.Context) ([]measurement.Record, error) {
	chars, err := e.Characteristics(ctx, glucoseService,
		glucoseMeasurement, glucoseContext, recordAccessControl)
	if err != nil {
		return nil, err
	}

	measurements, err := chars[0].Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to glucose measurements: %w", err)
	}

	contexts, err := chars[1].Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to measurement context: %w", err)
	}

	// RACP indications are not needed, but the meter only replays records to subscribed clients.
	if _, err := chars[2].Subscribe(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to record access control point: %w", err)
	}

	// the control point only accepts acknowledged writes (Bluetooth GLS, RACP).
	if err := chars[2].WriteWithResponse(ctx, reportAllStoredRecords); err != nil {
		return nil, fmt.Errorf("failed to request stored records: %w", err)
	}

	e.records = make(map[uint16]*measurement.Record)

	device.Drain(ctx, measurements, e.IdleTimeout, e.processMeasurement)
	device.Drain(ctx, contexts, e.IdleTimeout, e.processContext)

	seqs := make([]int, 0, len(e.records))
	for seq := range e.records {
		seqs = append(seqs, int(seq))
	}
	sort.Ints(seqs)

	out := make([]measurement.Record, len(seqs))
	for i, seq := range seqs {
		out[i] = *e.records[uint16(seq)]
	}

	log.Debug().Stringer("Device", e).Int("Records", len(out)).Msg("contour: extracted glucose records")

	return out, nil
}

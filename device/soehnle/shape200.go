// Package soehnle decodes Soehnle body composition scales and blood pressure monitors.
package soehnle

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/robertof/go-healthpi-loader/device"
	"github.com/robertof/go-healthpi-loader/measurement"
	"github.com/robertof/go-healthpi-loader/transport"
)

var ErrNoUserProfile = errors.New("no user profile received")

var (
	scaleService          = transport.MustParseUUID("352e3000-28e9-40b8-a361-6db4cca4147c")
	weightCharacteristic  = transport.MustParseUUID("352e3001-28e9-40b8-a361-6db4cca4147c")
	commandCharacteristic = transport.MustParseUUID("352e3002-28e9-40b8-a361-6db4cca4147c")

	cmdGetUserProfile = []byte{0x0c, 0x01}
	cmdGetHistory     = []byte{0x09, 0x01}
)

const (
	DefaultScaleIdleTimeout = time.Second
	DefaultProfileTimeout   = 5 * time.Second

	weightEventLength  = 15
	profileEventLength = 10

	// imp50 readings at or above this are treated as no contact with the electrodes.
	maxImpedance = 1600
)

type Shape200 struct {
	device.Base

	IdleTimeout    time.Duration
	ProfileTimeout time.Duration
}

func NewShape200(d transport.Device) *Shape200 {
	return &Shape200{
		Base: device.Base{
			Model:     "Shape200",
			Transport: d,
		},
		IdleTimeout:    DefaultScaleIdleTimeout,
		ProfileTimeout: DefaultProfileTimeout,
	}
}

func ParseUserProfile(v []byte) (UserProfile, error) {
	if len(v) < profileEventLength {
		return UserProfile{}, fmt.Errorf("%w: user profile needs %d bytes, got %d",
			device.ErrInvalidData, profileEventLength, len(v))
	}

	return UserProfile{
		Age:           v[3],
		Female:        v[4] != 0,
		HeightCm:      binary.BigEndian.Uint16(v[5:7]),
		ActivityLevel: v[9],
	}, nil
}

func (s *Shape200) parseWeight(user UserProfile, v []byte) (measurement.Record, bool) {
	if len(v) != weightEventLength {
		log.Trace().Stringer("Device", s).Hex("Value", v).Msg("soehnle: ignoring non-weight event")
		return measurement.Record{}, false
	}

	ts, err := device.DecodeDateTimeBE(v[2:9])
	if err != nil {
		log.Debug().Stringer("Device", s).Err(err).Msg("soehnle: invalid weight timestamp, ignoring")
		return measurement.Record{}, false
	}

	weight := float64(binary.BigEndian.Uint16(v[9:11])) / 10
	imp5 := float64(binary.BigEndian.Uint16(v[11:13]))
	imp50 := float64(binary.BigEndian.Uint16(v[13:15]))

	values := []measurement.Value{
		measurement.NewWeight(weight),
		measurement.NewBodyMassIndex(user.BodyMassIndex(weight)),
		measurement.NewBasalMetabolicRate(user.BasalMetabolicRate(weight)),
	}

	if imp50 > 0 && imp50 < maxImpedance {
		values = append(values,
			measurement.NewFatPercent(user.FatPercent(weight, imp50)),
			measurement.NewWaterPercent(user.WaterPercent(weight, imp50)),
		)

		// the muscle estimate divides by imp5.
		if imp5 > 0 {
			values = append(values, measurement.NewMusclePercent(user.MusclePercent(weight, imp5, imp50)))
		}
	}

	return measurement.NewRecord(ts, values, v, s.Source()), true
}

func (s *Shape200) Extract(ctx context.Context) ([]measurement.Record, error) {
	chars, err := s.Characteristics(ctx, scaleService, weightCharacteristic, commandCharacteristic)
	if err != nil {
		return nil, err
	}

	weights, cmd := chars[0], chars[1]

	events, err := weights.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to weight notifications: %w", err)
	}

	if err := cmd.WriteWithResponse(ctx, cmdGetUserProfile); err != nil {
		return nil, fmt.Errorf("failed to request user profile: %w", err)
	}

	ev, ok := device.NextNotification(ctx, events, s.ProfileTimeout)
	if !ok {
		return nil, ErrNoUserProfile
	}

	user, err := ParseUserProfile(ev)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Stringer("Device", s).
		Uint8("Age", user.Age).
		Bool("Female", user.Female).
		Uint16("HeightCm", user.HeightCm).
		Uint8("ActivityLevel", user.ActivityLevel).
		Msg("soehnle: received user profile")

	if err := cmd.WriteWithResponse(ctx, cmdGetHistory); err != nil {
		return nil, fmt.Errorf("failed to request stored measurements: %w", err)
	}

	var records []measurement.Record

	device.Drain(ctx, events, s.IdleTimeout, func(v []byte) {
		if r, ok := s.parseWeight(user, v); ok {
			records = append(records, r)
		}
	})

	log.Debug().Stringer("Device", s).Int("Records", len(records)).Msg("soehnle: extracted weight records")

	return records, nil
}

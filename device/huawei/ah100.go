// Package huawei implements the authenticated session of the Huawei AH100 activity band.
package huawei

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/robertof/go-healthpi-loader/device"
	"github.com/robertof/go-healthpi-loader/measurement"
	"github.com/robertof/go-healthpi-loader/transport"
)

var (
	ErrBindFailed = errors.New("failed to bind")
	ErrAuthFailed = errors.New("failed to authenticate")
)

var (
	bandService        = transport.UUID16(0xfaa0)
	sendCharacteristic = transport.UUID16(0xfaa1)
	recvCharacteristic = transport.UUID16(0xfaa2)

	authPayload       = []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x10, 0x01}
	getRecordsPayload = []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x10, 0x01, 0x00}
	heartBeatPayload  = []byte{0x00}
)

type Command uint8

const (
	CommandGetRecords Command = 11
	CommandHeartBeat  Command = 32
	CommandAuth       Command = 36
	CommandBind       Command = 37
)

const (
	frameStart   = 0xdb
	boundCommand = 0x27

	DefaultHeartbeatInterval = 2 * time.Second
	DefaultResponseTimeout   = 10 * time.Second
	DefaultBindTimeout       = 60 * time.Second
	DefaultIdleTimeout       = 5 * time.Second
	DefaultTransferTimeout   = 60 * time.Second
	DefaultAttempts          = 3
)

// EncodePayload XORs data with the device address. Applying it twice yields the input.
func EncodePayload(id transport.ID, data []byte) []byte {
	out := make([]byte, len(data))

	for i, b := range data {
		out[i] = b ^ id[i%len(id)]
	}

	return out
}

func Frame(id transport.ID, cmd Command, payload []byte) []byte {
	return append([]byte{frameStart, byte(len(payload) + 1), byte(cmd)}, EncodePayload(id, payload)...)
}

type AH100 struct {
	device.Base

	HeartbeatInterval time.Duration
	ResponseTimeout   time.Duration
	BindTimeout       time.Duration
	IdleTimeout       time.Duration
	// TransferTimeout bounds the record transfer as a whole, heartbeat replies included.
	TransferTimeout time.Duration
	BindAttempts    int
	AuthAttempts    int
}

func NewAH100(d transport.Device) *AH100 {
	return &AH100{
		Base: device.Base{
			Model:     "AH100",
			Transport: d,
		},
		HeartbeatInterval: DefaultHeartbeatInterval,
		ResponseTimeout:   DefaultResponseTimeout,
		BindTimeout:       DefaultBindTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		TransferTimeout:   DefaultTransferTimeout,
		BindAttempts:      DefaultAttempts,
		AuthAttempts:      DefaultAttempts,
	}
}

type session struct {
	*AH100

	send   transport.Characteristic
	events <-chan []byte
}

func (s *session) command(ctx context.Context, cmd Command, payload []byte) error {
	return s.send.WriteWithResponse(ctx, Frame(s.ID(), cmd, payload))
}

func (s *session) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(s.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.command(ctx, CommandHeartBeat, heartBeatPayload); err != nil {
				log.Trace().Stringer("Device", s).Err(err).Msg("huawei: heartbeat failed")
			}
		}
	}
}

// authResponse sends an auth command and reports whether the band accepted it.
func (s *session) authResponse(ctx context.Context) (bool, error) {
	if err := s.command(ctx, CommandAuth, authPayload); err != nil {
		return false, errors.Wrap(err, "failed to send auth command")
	}

	ev, ok := device.NextNotification(ctx, s.events, s.ResponseTimeout)
	if !ok {
		return false, errors.Wrap(device.ErrNoResponse, "auth")
	}

	if len(ev) < 4 {
		return false, errors.Wrapf(device.ErrInvalidData, "auth response too short: %x", ev)
	}

	payload := EncodePayload(s.ID(), ev[3:])

	log.Debug().Stringer("Device", s).Hex("Payload", payload).Msg("huawei: received auth response")

	return payload[0] == 1, nil
}

func (s *session) bind(ctx context.Context) (bool, error) {
	for attempt := 1; attempt <= s.BindAttempts; attempt++ {
		log.Info().Stringer("Device", s).Int("Attempt", attempt).Msg("huawei: attempting to bind")

		if err := s.command(ctx, CommandBind, authPayload); err != nil {
			return false, errors.Wrap(err, "failed to send bind command")
		}

		if s.awaitBound(ctx) {
			return true, nil
		}
	}

	return false, nil
}

// awaitBound waits up to BindTimeout for the bind acknowledgement. Heartbeat replies keep
// arriving meanwhile, so the window is fixed rather than reset by traffic.
func (s *session) awaitBound(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.BindTimeout)
	defer cancel()

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return false
			}

			if len(ev) > 2 && ev[2] == boundCommand {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
}

func (s *session) authenticate(ctx context.Context) error {
	ok, err := s.authResponse(ctx)
	if err != nil {
		return err
	}

	if ok {
		log.Info().Stringer("Device", s).Msg("huawei: authenticated")
		return nil
	}

	log.Info().Stringer("Device", s).Msg("huawei: authentication rejected, binding")

	if bound, err := s.bind(ctx); err != nil {
		return err
	} else if !bound {
		return ErrBindFailed
	}

	for attempt := 1; attempt <= s.AuthAttempts; attempt++ {
		ok, err := s.authResponse(ctx)

		switch {
		case errors.Is(err, device.ErrNoResponse), errors.Is(err, device.ErrInvalidData):
			log.Debug().Stringer("Device", s).Err(err).Int("Attempt", attempt).Msg("huawei: auth attempt failed")
		case err != nil:
			return err
		case ok:
			log.Info().Stringer("Device", s).Msg("huawei: authenticated after binding")
			return nil
		}
	}

	return ErrAuthFailed
}

func (a *AH100) Extract(ctx context.Context) ([]measurement.Record, error) {
	chars, err := a.Characteristics(ctx, bandService, sendCharacteristic, recvCharacteristic)
	if err != nil {
		return nil, err
	}

	events, err := chars[1].Subscribe(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to subscribe to band responses")
	}

	// the band greets every new subscription.
	if _, ok := device.NextNotification(ctx, events, a.ResponseTimeout); !ok {
		log.Debug().Stringer("Device", a).Msg("huawei: no greeting received")
	}

	s := &session{AH100: a, send: chars[0], events: events}

	sessionCtx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(sessionCtx)

	eg.Go(func() error {
		return s.heartbeat(egCtx)
	})

	defer func() {
		cancel()
		_ = eg.Wait()
	}()

	if err := s.authenticate(ctx); err != nil {
		return nil, err
	}

	if err := s.command(ctx, CommandGetRecords, getRecordsPayload); err != nil {
		return nil, errors.Wrap(err, "failed to request records")
	}

	transferCtx, cancelTransfer := context.WithTimeout(ctx, a.TransferTimeout)
	defer cancelTransfer()

	n := device.Drain(transferCtx, events, a.IdleTimeout, func([]byte) {})

	log.Debug().Stringer("Device", a).Int("Events", n).Msg("huawei: record transfer finished")

	return nil, nil
}

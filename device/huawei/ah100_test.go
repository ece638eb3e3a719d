package huawei_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertof/go-healthpi-loader/device"
	"github.com/robertof/go-healthpi-loader/device/huawei"
	"github.com/robertof/go-healthpi-loader/transport"
	"github.com/robertof/go-healthpi-loader/transport/transporttest"
)

var bandID = transport.MustParseID("01:02:03:04:05:06")

func TestEncodePayload(t *testing.T) {
	data := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x10, 0x01}
	encoded := huawei.EncodePayload(bandID, data)

	assert.Equal(t, []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x16, 0x00}, encoded)
	assert.Equal(t, data, huawei.EncodePayload(bandID, encoded))
}

func TestFrame(t *testing.T) {
	assert.Equal(t, []byte{0xdb, 0x02, 32, 0x01}, huawei.Frame(bandID, huawei.CommandHeartBeat, []byte{0}))
	assert.Equal(t,
		[]byte{0xdb, 0x09, 11, 0x10, 0x20, 0x30, 0x40, 0x50, 0x16, 0x00, 0x02},
		huawei.Frame(bandID, huawei.CommandGetRecords, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x10, 0x01, 0x00}),
	)
}

// fakeBand answers auth requests with the next verdict in authVerdicts (rejecting once they run
// out) and bind requests with a bound notification if bindSucceeds is set. A chatty band also
// answers every heartbeat once it has been asked to bind or to send its records.
type fakeBand struct {
	dev  *transporttest.Device
	send *transporttest.Characteristic
	recv *transporttest.Characteristic

	mu           sync.Mutex
	authVerdicts []byte
	bindSucceeds bool
	chatty       bool
	echoing      bool
	commands     map[huawei.Command]int
}

func newFakeBand(bindSucceeds bool, authVerdicts ...byte) *fakeBand {
	b := &fakeBand{
		dev:          transporttest.NewDevice(bandID, "HUAWEI CH100-1A2"),
		send:         &transporttest.Characteristic{},
		recv:         &transporttest.Characteristic{KeepOpen: true, Events: [][]byte{{0xdb, 0x01, 0x00}}},
		authVerdicts: authVerdicts,
		bindSucceeds: bindSucceeds,
		commands:     make(map[huawei.Command]int),
	}

	b.send.OnWrite = b.onWrite

	b.dev.AddCharacteristic(transport.UUID16(0xfaa0), transport.UUID16(0xfaa1), b.send)
	b.dev.AddCharacteristic(transport.UUID16(0xfaa0), transport.UUID16(0xfaa2), b.recv)

	return b
}

func (b *fakeBand) onWrite(_ *transporttest.Characteristic, value []byte, _ bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cmd := huawei.Command(value[2])
	b.commands[cmd]++

	switch cmd {
	case huawei.CommandAuth:
		verdict := byte(0)
		if len(b.authVerdicts) > 0 {
			verdict, b.authVerdicts = b.authVerdicts[0], b.authVerdicts[1:]
		}

		b.recv.Notify(huawei.Frame(bandID, huawei.CommandAuth, []byte{verdict, 0, 0}))
	case huawei.CommandHeartBeat:
		if b.echoing {
			b.recv.Notify([]byte{0xdb, 0x01, 0x20})
		}
	case huawei.CommandBind:
		b.echoing = b.chatty

		if b.bindSucceeds {
			b.recv.Notify([]byte{0xdb, 0x01, 0x27})
		}
	case huawei.CommandGetRecords:
		b.echoing = b.chatty
		b.recv.Notify([]byte{0xdb, 0x03, 0x0b, 0x00, 0x00})
	}
}

func (b *fakeBand) count(cmd huawei.Command) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.commands[cmd]
}

func newTestBand(b *fakeBand) *huawei.AH100 {
	d := huawei.NewAH100(b.dev)
	d.HeartbeatInterval = time.Millisecond
	d.ResponseTimeout = 50 * time.Millisecond
	d.BindTimeout = 10 * time.Millisecond
	d.IdleTimeout = 20 * time.Millisecond

	return d
}

func TestAH100_Authenticated(t *testing.T) {
	b := newFakeBand(false, 1)

	records, err := newTestBand(b).Extract(context.Background())
	require.NoError(t, err)

	assert.Empty(t, records)
	assert.Equal(t, 1, b.count(huawei.CommandAuth))
	assert.Equal(t, 0, b.count(huawei.CommandBind))
	assert.Equal(t, 1, b.count(huawei.CommandGetRecords))
	assert.Positive(t, b.count(huawei.CommandHeartBeat))

	for _, w := range b.send.Writes() {
		assert.True(t, w.WithResponse)
	}
}

func TestAH100_BindsWhenRejected(t *testing.T) {
	b := newFakeBand(true, 0, 1)

	_, err := newTestBand(b).Extract(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, b.count(huawei.CommandBind))
	assert.Equal(t, 2, b.count(huawei.CommandAuth))
	assert.Equal(t, 1, b.count(huawei.CommandGetRecords))
}

func TestAH100_BindFailure(t *testing.T) {
	b := newFakeBand(false, 0)

	_, err := newTestBand(b).Extract(context.Background())
	assert.ErrorIs(t, err, huawei.ErrBindFailed)

	assert.Equal(t, 3, b.count(huawei.CommandBind))
	assert.Equal(t, 0, b.count(huawei.CommandGetRecords))
}

func TestAH100_AuthFailureAfterBind(t *testing.T) {
	b := newFakeBand(true, 0, 0, 0, 0)

	_, err := newTestBand(b).Extract(context.Background())
	assert.ErrorIs(t, err, huawei.ErrAuthFailed)

	assert.Equal(t, 4, b.count(huawei.CommandAuth))
	assert.Equal(t, 0, b.count(huawei.CommandGetRecords))
}

func TestAH100_NoAuthResponse(t *testing.T) {
	b := newFakeBand(false)
	b.send.OnWrite = nil

	_, err := newTestBand(b).Extract(context.Background())
	assert.ErrorIs(t, err, device.ErrNoResponse)
}

func TestAH100_HeartbeatStopsWithSession(t *testing.T) {
	b := newFakeBand(false, 1)

	_, err := newTestBand(b).Extract(context.Background())
	require.NoError(t, err)

	before := b.count(huawei.CommandHeartBeat)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, b.count(huawei.CommandHeartBeat))
}

func TestAH100_BindWindowIgnoresHeartbeatReplies(t *testing.T) {
	b := newFakeBand(false, 0)
	b.chatty = true

	d := newTestBand(b)
	d.BindTimeout = 20 * time.Millisecond

	start := time.Now()
	_, err := d.Extract(context.Background())

	assert.ErrorIs(t, err, huawei.ErrBindFailed)
	assert.Equal(t, 3, b.count(huawei.CommandBind))
	assert.Less(t, time.Since(start), time.Second)
}

func TestAH100_TransferIsBounded(t *testing.T) {
	b := newFakeBand(false, 1)
	b.chatty = true

	d := newTestBand(b)
	d.TransferTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := d.Extract(context.Background())

	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

package pairing_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertof/go-healthpi-loader/device/contour"
	"github.com/robertof/go-healthpi-loader/device/huawei"
	"github.com/robertof/go-healthpi-loader/device/soehnle"
	"github.com/robertof/go-healthpi-loader/pairing"
	"github.com/robertof/go-healthpi-loader/transport"
	"github.com/robertof/go-healthpi-loader/transport/transporttest"
)

var (
	scaleID    = transport.MustParseID("11:11:11:11:11:11")
	unpairedID = transport.MustParseID("22:22:22:22:22:22")
)

func TestParseRegistry(t *testing.T) {
	in := "aa:bb:cc:dd:ee:ff\n\n  11:22:33:44:55:66  \nnot-an-address\n00:11:22:33:44\n"

	r, err := pairing.ParseRegistry(strings.NewReader(in))
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	assert.True(t, r.Contains(transport.MustParseID("AA:BB:CC:DD:EE:FF")))
	assert.True(t, r.Contains(transport.MustParseID("11:22:33:44:55:66")))
	assert.Equal(t, []transport.ID{
		transport.MustParseID("11:22:33:44:55:66"),
		transport.MustParseID("AA:BB:CC:DD:EE:FF"),
	}, r.IDs())
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.csv")
	require.NoError(t, os.WriteFile(path, []byte("11:11:11:11:11:11\n"), 0o600))

	r, err := pairing.LoadRegistry(path)
	require.NoError(t, err)
	assert.True(t, r.Contains(scaleID))

	_, err = pairing.LoadRegistry(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func newFactory(c *clock, ids ...transport.ID) *pairing.Factory {
	f := pairing.NewFactory(pairing.NewRegistry(ids...))
	f.Now = c.Now

	return f
}

func TestFactory_ClassifiesByName(t *testing.T) {
	f := newFactory(&clock{time.Now()}, scaleID)

	tests := []struct {
		name string
		want any
	}{
		{"Contour7830H", &contour.ElitePlus{}},
		{"Shape200-xyz", &soehnle.Shape200{}},
		{"Systo MC 400", &soehnle.SystoMC400{}},
		{"HUAWEI CH100-0A1", &huawei.AH100{}},
	}

	for _, tt := range tests {
		got := f.Classify(transporttest.NewDevice(scaleID, tt.name))

		require.NotNil(t, got, tt.name)
		assert.IsType(t, tt.want, got, tt.name)
		assert.Equal(t, scaleID, got.ID())
		assert.Equal(t, tt.name, got.Name())
	}
}

func TestFactory_Rejects(t *testing.T) {
	f := newFactory(&clock{time.Now()}, scaleID)

	outOfRange := transporttest.NewDevice(scaleID, "Shape200")
	outOfRange.Range = false

	assert.Nil(t, f.Classify(outOfRange))
	assert.Nil(t, f.Classify(transporttest.NewDevice(unpairedID, "Shape200")))
	assert.Nil(t, f.Classify(transporttest.NewDevice(scaleID, "shape200"))) // case sensitive
	assert.Nil(t, f.Classify(transporttest.NewDevice(scaleID, "Some Speaker")))
}

func TestFactory_Backoff(t *testing.T) {
	c := &clock{time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)}
	f := newFactory(c, scaleID)
	dev := transporttest.NewDevice(scaleID, "Shape200")

	decoder := f.Classify(dev)
	require.NotNil(t, decoder)

	expiry := f.MarkProcessed(decoder)
	assert.Equal(t, c.now.Add(pairing.DefaultBackoff), expiry)
	assert.Equal(t, 1, f.Len())

	c.now = c.now.Add(time.Minute)
	assert.Nil(t, f.Classify(dev))

	// strictly after now is required for the backoff to hold.
	c.now = expiry
	assert.NotNil(t, f.Classify(dev))

	c.now = expiry.Add(time.Second)
	assert.NotNil(t, f.Classify(dev))
	assert.Equal(t, 1, f.Len())
}

func TestFactory_BackoffIsPerDevice(t *testing.T) {
	c := &clock{time.Now()}
	otherID := transport.MustParseID("33:33:33:33:33:33")
	f := newFactory(c, scaleID, otherID)

	f.MarkProcessed(f.Classify(transporttest.NewDevice(scaleID, "Shape200")))

	assert.Nil(t, f.Classify(transporttest.NewDevice(scaleID, "Shape200")))
	assert.NotNil(t, f.Classify(transporttest.NewDevice(otherID, "Systo MC 400")))
}

func TestSupported(t *testing.T) {
	model, ok := pairing.Supported("Systo MC 400 #2")
	assert.True(t, ok)
	assert.Equal(t, "Systo MC 400", model)

	_, ok = pairing.Supported("iBBQ")
	assert.False(t, ok)
}

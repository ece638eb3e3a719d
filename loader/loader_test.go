package loader

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertof/go-healthpi-loader/device"
	"github.com/robertof/go-healthpi-loader/measurement"
	"github.com/robertof/go-healthpi-loader/pairing"
	"github.com/robertof/go-healthpi-loader/transport"
	"github.com/robertof/go-healthpi-loader/transport/transporttest"
)

var (
	errBoom   = errors.New("boom")
	testID    = transport.MustParseID("AA:BB:CC:DD:EE:01")
	measured  = time.Date(2023, 1, 9, 6, 59, 30, 0, time.UTC)
	otherTime = measured.Add(time.Hour)
)

type fakeDevice struct {
	id transport.ID

	connectErr    error
	extractErr    error
	disconnectErr error
	records       []measurement.Record

	connects, extracts, disconnects int
}

func (d *fakeDevice) Connect(ctx context.Context) error {
	d.connects++
	return d.connectErr
}

func (d *fakeDevice) Disconnect(ctx context.Context) error {
	d.disconnects++
	return d.disconnectErr
}

func (d *fakeDevice) Extract(ctx context.Context) ([]measurement.Record, error) {
	d.extracts++
	return d.records, d.extractErr
}

func (d *fakeDevice) Name() string     { return "fake" }
func (d *fakeDevice) ID() transport.ID { return d.id }
func (d *fakeDevice) String() string   { return "Fake[" + d.id.String() + "]" }

type fakeFactory struct {
	dev    device.Device
	marked []transport.ID
}

func (f *fakeFactory) Classify(d transport.Device) device.Device {
	if f.dev == nil || d.ID() != f.dev.ID() {
		return nil
	}

	return f.dev
}

func (f *fakeFactory) MarkProcessed(d device.Device) time.Time {
	f.marked = append(f.marked, d.ID())
	return time.Now()
}

type fakeRepo struct {
	mu      sync.Mutex
	err     error
	batches [][]measurement.Record
}

func (r *fakeRepo) StoreRecords(ctx context.Context, records []measurement.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}

	r.batches = append(r.batches, records)

	return nil
}

func weightRecord(ts time.Time, kg float64) measurement.Record {
	return measurement.NewRecord(ts, []measurement.Value{measurement.NewWeight(kg)}, nil,
		measurement.DeviceSource(testID))
}

func newFixture(dev *fakeDevice) (*Loader, *fakeFactory, *fakeRepo) {
	session := &transporttest.Session{
		DeviceList: []transport.Device{transporttest.NewDevice(dev.id, "fake")},
	}
	factory := &fakeFactory{dev: dev}
	repo := &fakeRepo{}

	return New(session, factory, repo), factory, repo
}

func stage(l *Loader, s string) float64 {
	return testutil.ToFloat64(l.devicesCounter.WithLabelValues(s))
}

func TestLoader_Processed(t *testing.T) {
	dev := &fakeDevice{id: testID, records: []measurement.Record{
		weightRecord(measured, 70),
		weightRecord(otherTime, 71),
	}}
	l, factory, repo := newFixture(dev)

	l.Tick(context.Background())

	assert.Equal(t, 1, dev.connects)
	assert.Equal(t, 1, dev.extracts)
	assert.Equal(t, 1, dev.disconnects)
	require.Len(t, repo.batches, 1)
	assert.Len(t, repo.batches[0], 2)
	assert.Equal(t, []transport.ID{testID}, factory.marked)
	assert.Equal(t, 1.0, stage(l, stageProcessed))
	assert.Equal(t, 2.0, testutil.ToFloat64(l.recordsCounter))

	latest := l.Latest()
	require.Len(t, latest, 1)
	assert.Equal(t, otherTime, latest[0].Timestamp)
	assert.Equal(t, 71.0, latest[0].Value.Number)
}

func TestLoader_ConnectFailure(t *testing.T) {
	dev := &fakeDevice{id: testID, connectErr: context.DeadlineExceeded}
	l, factory, repo := newFixture(dev)

	l.Tick(context.Background())

	assert.Equal(t, 0, dev.extracts)
	assert.Equal(t, 0, dev.disconnects)
	assert.Empty(t, repo.batches)
	assert.Empty(t, factory.marked)
	assert.Equal(t, 1.0, stage(l, stageConnectFailed))
}

func TestLoader_ExtractFailure(t *testing.T) {
	dev := &fakeDevice{id: testID, extractErr: device.ErrInvalidData}
	l, factory, repo := newFixture(dev)

	l.Tick(context.Background())

	assert.Equal(t, 1, dev.disconnects, "best-effort disconnect after a failed extraction")
	assert.Empty(t, repo.batches)
	assert.Empty(t, factory.marked)
	assert.Equal(t, 1.0, stage(l, stageExtractFailed))
}

func TestLoader_DisconnectFailureStillStores(t *testing.T) {
	dev := &fakeDevice{
		id:            testID,
		disconnectErr: errBoom,
		records:       []measurement.Record{weightRecord(measured, 70)},
	}
	l, factory, repo := newFixture(dev)

	l.Tick(context.Background())

	assert.Len(t, repo.batches, 1)
	assert.Equal(t, []transport.ID{testID}, factory.marked)
	assert.Equal(t, 1.0, stage(l, stageDisconnectFailed))
	assert.Equal(t, 1.0, stage(l, stageProcessed))
}

func TestLoader_StoreFailureNotMarked(t *testing.T) {
	dev := &fakeDevice{id: testID, records: []measurement.Record{weightRecord(measured, 70)}}
	l, factory, repo := newFixture(dev)
	repo.err = errBoom

	l.Tick(context.Background())

	assert.Empty(t, factory.marked)
	assert.Empty(t, l.Latest())
	assert.Equal(t, 1.0, stage(l, stageStoreFailed))
}

func TestLoader_EmptyBatchIsStoredAndMarked(t *testing.T) {
	dev := &fakeDevice{id: testID}
	l, factory, repo := newFixture(dev)

	l.Tick(context.Background())

	require.Len(t, repo.batches, 1)
	assert.Empty(t, repo.batches[0])
	assert.Equal(t, []transport.ID{testID}, factory.marked)
}

func TestLoader_EmptyBatchStoreFailureNotMarked(t *testing.T) {
	dev := &fakeDevice{id: testID}
	l, factory, repo := newFixture(dev)
	repo.err = errBoom

	l.Tick(context.Background())

	assert.Empty(t, factory.marked)
	assert.Equal(t, 1.0, stage(l, stageStoreFailed))
}

func TestLoader_Shape200EndToEnd(t *testing.T) {
	scaleID := transport.MustParseID("C8:B2:1E:00:12:34")
	scaleService := transport.MustParseUUID("352e3000-28e9-40b8-a361-6db4cca4147c")

	weight := make([]byte, 15)
	weight[0], weight[1] = 0x09, 0x01
	binary.BigEndian.PutUint16(weight[2:4], 2023)
	copy(weight[4:9], []byte{1, 9, 6, 59, 30})
	binary.BigEndian.PutUint16(weight[9:11], 700)

	scale := transporttest.NewDevice(scaleID, "Shape200-0042")
	scale.AddCharacteristic(scaleService,
		transport.MustParseUUID("352e3001-28e9-40b8-a361-6db4cca4147c"),
		&transporttest.Characteristic{Events: [][]byte{
			{12, 1, 1, 29, 0, 0, 187, 0, 0, 1},
			weight,
		}})
	scale.AddCharacteristic(scaleService,
		transport.MustParseUUID("352e3002-28e9-40b8-a361-6db4cca4147c"),
		&transporttest.Characteristic{})

	session := &transporttest.Session{DeviceList: []transport.Device{
		scale,
		transporttest.NewDevice(transport.MustParseID("AA:AA:AA:AA:AA:AA"), "Shape200-unpaired"),
	}}
	factory := pairing.NewFactory(pairing.NewRegistry(scaleID))
	repo := &fakeRepo{}
	l := New(session, factory, repo)

	l.Tick(context.Background())
	l.Tick(context.Background())

	assert.Equal(t, 1, scale.Connects(), "device must be backed off after processing")
	assert.Equal(t, 1, scale.Disconnects())
	assert.Equal(t, 1, factory.Len())

	require.Len(t, repo.batches, 1)
	require.Len(t, repo.batches[0], 1)

	rec := repo.batches[0][0]
	assert.Equal(t, measured, rec.Timestamp)
	assert.True(t, rec.Source.Equal(measurement.DeviceSource(scaleID)))
	require.Len(t, rec.Values, 3)
	assert.Equal(t, measurement.NewWeight(70), rec.Values[0])
	assert.Equal(t, measurement.BodyMassIndex, rec.Values[1].Type)
	assert.InDelta(t, 20.01773, rec.Values[1].Number, 1e-4)
	assert.Equal(t, measurement.BasalMetabolicRate, rec.Values[2].Type)
	assert.InDelta(t, 1758.932, rec.Values[2].Number, 1e-2)
}

func TestLoader_Run(t *testing.T) {
	session := &transporttest.Session{DevicesErr: errBoom}
	l := New(session, &fakeFactory{}, &fakeRepo{})
	l.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)

	go func() {
		done <- l.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return session.Enumerations() >= 3
	}, time.Second, 5*time.Millisecond, "enumeration errors must not stop the loop")
	assert.True(t, session.Discovering())

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.False(t, session.Discovering())
	assert.Equal(t, 1, session.Stops())
}

func TestLoader_RegisterMetrics(t *testing.T) {
	factory := pairing.NewFactory(pairing.NewRegistry(testID))
	l := New(&transporttest.Session{}, factory, &fakeRepo{})
	reg := prometheus.NewRegistry()

	l.RegisterMetrics(reg)
	l.devicesCounter.WithLabelValues(stageProcessed).Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}

	assert.Contains(t, names, "healthpi_loader_backoff_entries")
	assert.Contains(t, names, "healthpi_loader_devices_total")
	assert.Contains(t, names, "healthpi_loader_records_stored_total")
}

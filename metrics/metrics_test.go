package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertof/go-healthpi-loader/loader"
	"github.com/robertof/go-healthpi-loader/measurement"
	"github.com/robertof/go-healthpi-loader/transport"
)

func TestCollector(t *testing.T) {
	meter := measurement.DeviceSource(transport.MustParseID("AA:BB:CC:DD:EE:01"))
	ts := time.Date(2023, 1, 9, 6, 59, 30, 0, time.UTC)

	readings := []loader.Reading{
		{Source: meter, Timestamp: ts, Value: measurement.NewGlucose(104)},
		{Source: meter, Timestamp: ts, Value: measurement.NewMeal(measurement.BeforeMeal)},
		{Source: measurement.UnknownSource("import"), Timestamp: ts, Value: measurement.NewWeight(70.5)},
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(&collector{
		CollectFunc: func() []loader.Reading { return readings },
		location:    time.UTC,
	})

	expected := `
# HELP health_measurement_meal_info Meal indicator attached to the latest glucose reading of a device.
# TYPE health_measurement_meal_info gauge
health_measurement_meal_info{device="AA:BB:CC:DD:EE:01",meal="BeforeMeal"} 1 1673247570000
# HELP health_measurement_value Latest value reported by a health device, by value type.
# TYPE health_measurement_value gauge
health_measurement_value{device="AA:BB:CC:DD:EE:01",type="glucose"} 104 1673247570000
health_measurement_value{device="import",type="weight"} 70.5 1673247570000
`

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
}

func TestCollector_Empty(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCollector(func() []loader.Reading { return nil }, reg)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCollector_NaiveTimestampsAreLocal(t *testing.T) {
	ts := time.Date(2023, 1, 9, 6, 59, 30, 0, time.UTC)
	readings := []loader.Reading{{
		Source:    measurement.UnknownSource("import"),
		Timestamp: ts,
		Value:     measurement.NewWeight(70.5),
	}}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(&collector{
		CollectFunc: func() []loader.Reading { return readings },
		location:    time.FixedZone("CET", 3600),
	})

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	require.Len(t, families[0].GetMetric(), 1)

	assert.Equal(t, ts.Add(-time.Hour).UnixMilli(), families[0].GetMetric()[0].GetTimestampMs())
}

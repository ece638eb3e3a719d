package metrics

import (
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-healthpi-loader/loader"
  "github.com/robertof/go-healthpi-loader/measurement"
)

var (
  descValue = prometheus.NewDesc(
    "health_measurement_value",
    "Latest value reported by a health device, by value type.",
    []string{"device", "type"},
    nil,
  )

  descMeal = prometheus.NewDesc(
    "health_measurement_meal_info",
    "Meal indicator attached to the latest glucose reading of a device.",
    []string{"device", "meal"},
    nil,
  )
)

type CollectFunc func() []loader.Reading

type collector struct {
  CollectFunc

  // zone the naive record timestamps are interpreted in.
  location *time.Location
}

func (c *collector) instant(ts time.Time) time.Time {
  return time.Date(
    ts.Year(), ts.Month(), ts.Day(),
    ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(),
    c.location,
  )
}

func deviceLabel(s measurement.Source) string {
  if s.Device != nil {
    return s.Device.String()
  }

  return s.Unknown
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
  prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
  for _, reading := range c.CollectFunc() {
    var m prometheus.Metric

    if reading.Value.Type == measurement.Meal {
      m = prometheus.MustNewConstMetric(
        descMeal,
        prometheus.GaugeValue,
        1,
        deviceLabel(reading.Source),
        reading.Value.Meal.String(),
      )
    } else {
      m = prometheus.MustNewConstMetric(
        descValue,
        prometheus.GaugeValue,
        reading.Value.Float(),
        deviceLabel(reading.Source),
        reading.Value.Type.Key(),
      )
    }

    ch <- prometheus.NewMetricWithTimestamp(c.instant(reading.Timestamp), m)
  }
}

func RegisterCollector(f CollectFunc, reg prometheus.Registerer) {
  c := &collector{CollectFunc: f, location: time.Local}

  reg.MustRegister(c)
}

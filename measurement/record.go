// Package measurement holds the health readings produced by device decoders.
package measurement

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robertof/go-healthpi-loader/transport"
)

// Source tells where a record came from. Exactly one of Device and Unknown is meaningful.
type Source struct {
	Device  *transport.ID
	Unknown string
}

func DeviceSource(id transport.ID) Source {
	return Source{Device: &id}
}

func UnknownSource(s string) Source {
	return Source{Unknown: s}
}

func (s Source) Equal(o Source) bool {
	if s.Device != nil || o.Device != nil {
		return s.Device != nil && o.Device != nil && *s.Device == *o.Device
	}

	return s.Unknown == o.Unknown
}

func (s Source) String() string {
	if s.Device != nil {
		return fmt.Sprintf("Device(%q)", s.Device.String())
	}

	return fmt.Sprintf("Unknown(%q)", s.Unknown)
}

// ParseSource is the inverse of Source.String.
func ParseSource(s string) (Source, error) {
	var kind, rest string

	switch {
	case strings.HasPrefix(s, "Device(") && strings.HasSuffix(s, ")"):
		kind, rest = "Device", s[len("Device("):len(s)-1]
	case strings.HasPrefix(s, "Unknown(") && strings.HasSuffix(s, ")"):
		kind, rest = "Unknown", s[len("Unknown("):len(s)-1]
	default:
		return Source{}, fmt.Errorf("invalid source %q", s)
	}

	inner, err := strconv.Unquote(rest)
	if err != nil {
		return Source{}, fmt.Errorf("invalid source %q: %w", s, err)
	}

	if kind == "Unknown" {
		return UnknownSource(inner), nil
	}

	id, err := transport.ParseID(inner)
	if err != nil {
		return Source{}, err
	}

	return DeviceSource(id), nil
}

// Record is a single observation. Timestamps are naive device-local times carried in the UTC
// location.
type Record struct {
	Timestamp time.Time
	Values    []Value
	RawData   []byte
	Source    Source
}

func NewRecord(ts time.Time, values []Value, raw []byte, source Source) Record {
	return Record{
		Timestamp: ts,
		Values:    values,
		RawData:   append([]byte(nil), raw...),
		Source:    source,
	}
}

func (r *Record) AddValue(v Value) {
	r.Values = append(r.Values, v)
}

func (r Record) Get(t ValueType) (Value, bool) {
	for _, v := range r.Values {
		if v.Type == t {
			return v, true
		}
	}

	return Value{}, false
}

func (r Record) Has(t ValueType) bool {
	_, ok := r.Get(t)
	return ok
}

func (r Record) String() string {
	values := make([]string, len(r.Values))
	for i, v := range r.Values {
		values[i] = v.String()
	}

	return fmt.Sprintf("Record[%s,%v,%s]",
		r.Timestamp.Format(TimestampLayout), r.Source, strings.Join(values, ","))
}

// Naive drops the location of t while keeping its wall clock.
func Naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(),
		t.Nanosecond(), time.UTC)
}

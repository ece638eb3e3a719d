package measurement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/robertof/go-healthpi-loader/transport"
)

const TimestampLayout = "2006-01-02T15:04:05"

type jsonSource struct {
	Device  *transport.ID `json:"Device,omitempty"`
	Unknown *string       `json:"Unknown,omitempty"`
}

type jsonRecord struct {
	Timestamp string          `json:"timestamp"`
	Values    json.RawMessage `json:"values"`
	RawData   []int           `json:"raw_data"`
	Source    jsonSource      `json:"source"`
}

func (s Source) MarshalJSON() ([]byte, error) {
	if s.Device != nil {
		return json.Marshal(jsonSource{Device: s.Device})
	}

	unknown := s.Unknown
	return json.Marshal(jsonSource{Unknown: &unknown})
}

func (s *Source) UnmarshalJSON(b []byte) error {
	var js jsonSource
	if err := json.Unmarshal(b, &js); err != nil {
		return err
	}

	switch {
	case js.Device != nil:
		*s = DeviceSource(*js.Device)
	case js.Unknown != nil:
		*s = UnknownSource(*js.Unknown)
	default:
		return errors.New("source has neither Device nor Unknown set")
	}

	return nil
}

// marshalValues keeps the order of the values, which a plain map would lose.
func marshalValues(values []Value) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, v := range values {
		if i > 0 {
			buf.WriteByte(',')
		}

		key := v.Type.Key()
		if key == "" {
			return nil, fmt.Errorf("cannot serialize value of type %v", v.Type)
		}

		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')

		var (
			raw []byte
			err error
		)

		switch {
		case v.Type == Meal:
			raw, err = json.Marshal(v.Meal.String())
		case v.Type.integral():
			raw, err = json.Marshal(v.Int())
		case math.IsInf(v.Number, 0) || math.IsNaN(v.Number):
			raw = []byte("null")
		default:
			raw, err = json.Marshal(v.Number)
		}

		if err != nil {
			return nil, errors.Wrapf(err, "failed to serialize %v", v)
		}

		buf.Write(raw)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

func unmarshalValues(b []byte) ([]Value, error) {
	dec := json.NewDecoder(bytes.NewReader(b))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected values object, got %v", tok)
	}

	var values []Value

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}

		t, err := ParseValueType(tok.(string))
		if err != nil {
			return nil, err
		}

		if t == Meal {
			var s string
			if err := dec.Decode(&s); err != nil {
				return nil, errors.Wrap(err, "invalid meal value")
			}

			m, err := ParseMealIndicator(s)
			if err != nil {
				return nil, err
			}

			values = append(values, NewMeal(m))
			continue
		}

		var x *float64
		if err := dec.Decode(&x); err != nil {
			return nil, errors.Wrapf(err, "invalid %v value", t)
		}

		// non-finite numbers are written as null.
		if x == nil {
			continue
		}

		v, err := ValueFromFloat(t, *x)
		if err != nil {
			return nil, err
		}

		values = append(values, v)
	}

	return values, nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	values, err := marshalValues(r.Values)
	if err != nil {
		return nil, err
	}

	raw := make([]int, len(r.RawData))
	for i, b := range r.RawData {
		raw[i] = int(b)
	}

	src := jsonSource{Device: r.Source.Device}
	if src.Device == nil {
		unknown := r.Source.Unknown
		src.Unknown = &unknown
	}

	return json.Marshal(jsonRecord{
		Timestamp: r.Timestamp.Format(TimestampLayout),
		Values:    values,
		RawData:   raw,
		Source:    src,
	})
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var jr struct {
		Timestamp string          `json:"timestamp"`
		Values    json.RawMessage `json:"values"`
		RawData   []int           `json:"raw_data"`
		Source    Source          `json:"source"`
	}

	if err := json.Unmarshal(b, &jr); err != nil {
		return err
	}

	ts, err := time.ParseInLocation(TimestampLayout, jr.Timestamp, time.UTC)
	if err != nil {
		return errors.Wrap(err, "invalid record timestamp")
	}

	var values []Value
	if len(jr.Values) > 0 && string(jr.Values) != "null" {
		if values, err = unmarshalValues(jr.Values); err != nil {
			return err
		}
	}

	raw := make([]byte, len(jr.RawData))
	for i, x := range jr.RawData {
		if x < 0 || x > 0xff {
			return fmt.Errorf("raw data byte %d out of range: %d", i, x)
		}

		raw[i] = byte(x)
	}

	*r = Record{
		Timestamp: ts,
		Values:    values,
		RawData:   raw,
		Source:    jr.Source,
	}

	return nil
}

package device

import (
	"encoding/binary"
	"fmt"
	"time"
)

// DateTimeLength is the size of an encoded date time: a 16-bit year followed by month, day,
// hours, minutes and seconds.
const DateTimeLength = 7

func decodeDateTime(b []byte, order binary.ByteOrder) (time.Time, error) {
	if len(b) < DateTimeLength {
		return time.Time{}, fmt.Errorf("%w: date time needs %d bytes, got %d",
			ErrInvalidData, DateTimeLength, len(b))
	}

	year := int(order.Uint16(b[0:2]))
	month, day := time.Month(b[2]), int(b[3])
	hour, minute, second := int(b[4]), int(b[5]), int(b[6])

	t := time.Date(year, month, day, hour, minute, second, 0, time.UTC)

	// time.Date normalizes out of range fields, so compare them back.
	if t.Year() != year || t.Month() != month || t.Day() != day ||
		t.Hour() != hour || t.Minute() != minute || t.Second() != second {
		return time.Time{}, fmt.Errorf("%w: invalid date time %d-%d-%d %d:%d:%d",
			ErrInvalidData, year, month, day, hour, minute, second)
	}

	return t, nil
}

// DecodeDateTimeLE decodes a date time whose year is little-endian, as used by the standard
// Bluetooth health profiles.
func DecodeDateTimeLE(b []byte) (time.Time, error) {
	return decodeDateTime(b, binary.LittleEndian)
}

func DecodeDateTimeBE(b []byte) (time.Time, error) {
	return decodeDateTime(b, binary.BigEndian)
}

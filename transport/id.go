package transport

import (
	"fmt"
	"net"
	"strings"
)

// ID identifies a peripheral by its 6-byte link-layer address.
type ID [6]byte

func ParseID(s string) (ID, error) {
	var id ID

	addr, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return id, fmt.Errorf("invalid device id %q: %w", s, err)
	}

	if len(addr) != len(id) {
		return id, fmt.Errorf("invalid device id %q: expected 6 bytes, got %d", s, len(addr))
	}

	copy(id[:], addr)

	return id, nil
}

func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}

	return id
}

func (id ID) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr(id[:])
}

func (id ID) Bytes() []byte {
	return id[:]
}

func (id ID) String() string {
	return strings.ToUpper(id.HardwareAddr().String())
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

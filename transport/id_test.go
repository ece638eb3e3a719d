package transport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertof/go-healthpi-loader/transport"
)

func TestParseID(t *testing.T) {
	id, err := transport.ParseID(" a4:c1:38:0b:1d:2e ")
	require.NoError(t, err)

	assert.Equal(t, transport.ID{0xa4, 0xc1, 0x38, 0x0b, 0x1d, 0x2e}, id)
	assert.Equal(t, "A4:C1:38:0B:1D:2E", id.String())
}

func TestParseID_Invalid(t *testing.T) {
	for _, in := range []string{"", "nope", "00:11:22:33:44", "00:00:5e:00:53:00:00:01"} {
		_, err := transport.ParseID(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestID_TextRoundTrip(t *testing.T) {
	want := transport.MustParseID("01:02:03:04:05:06")

	text, err := want.MarshalText()
	require.NoError(t, err)

	var got transport.ID
	require.NoError(t, got.UnmarshalText(text))
	assert.Equal(t, want, got)
}

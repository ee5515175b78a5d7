package coerce

import (
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"
)

func TestUint32RoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 255, 65535, 1 << 31, ^uint32(0)} {
		got, err := Uint32(FromUint32(v))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestUint64RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 1 << 63, ^uint64(0)} {
		got, err := Uint64(FromUint64(v))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestInt32RoundTrip(t *testing.T) {
	for _, v := range []int32{0, -1, 1, -2147483648, 2147483647} {
		got, err := Int32(FromInt32(v))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestFloat32RoundTrip(t *testing.T) {
	for _, v := range []float32{0, -1.5, 3.14159, 1e30} {
		got, err := Float32(FromFloat32(v))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestFloat64RoundTrip(t *testing.T) {
	for _, v := range []float64{0, -1.5, 3.14159265358979, 1e300} {
		got, err := Float64(FromFloat64(v))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestFloat16RoundTripPrecision(t *testing.T) {
	// float16 only has ~3 decimal digits of precision; use values it represents exactly
	for _, v := range []float32{0, 1, -2, 0.5, 100} {
		got, err := Float16(FromFloat16(v))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestUUIDRoundTrip(t *testing.T) {
	u, err := uuid.NewV4()
	require.NoError(t, err)

	got, err := UUID(FromUUID(u))
	require.NoError(t, err)
	require.Equal(t, u, got)
}

func TestUUIDWrongLength(t *testing.T) {
	_, err := UUID([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestHexRoundTrip(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	s := Hex(raw)
	require.Equal(t, "deadbeef", s)

	got, err := FromHex(s)
	require.NoError(t, err)
	require.Equal(t, raw, got)
}

func TestDateTime32RoundTripTruncatesSubSecond(t *testing.T) {
	in := time.Date(2026, 7, 31, 12, 0, 0, 123456789, time.UTC)
	got, err := DateTime32(FromDateTime32(in))
	require.NoError(t, err)
	require.Equal(t, in.Truncate(time.Second), got)
}

func TestDateTime32NegativeBeforeEpoch(t *testing.T) {
	in := time.Date(1969, 12, 31, 0, 0, 0, 0, time.UTC)
	got, err := DateTime32(FromDateTime32(in))
	require.NoError(t, err)
	require.Equal(t, in, got)
}

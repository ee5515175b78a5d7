// Package coerce implements the fixed-width big-endian encoders and
// decoders shared by every wire-level package in this module: unsigned
// integers, IEEE-754 floats, UUIDs, hex strings, and the protocol's
// one-second-resolution "datetime32" timestamp.
//
// Unlike the reference implementation (which represents "no value" as
// an empty byte string decoding to a sentinel nil), every function here
// takes and returns fixed-length byte slices and reports malformed
// input as an error instead of silently returning a zero value. Go has
// no single idiom for "optional scalar" that every caller already
// expects, so pretending otherwise just moves the bug downstream.
package coerce

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/gofrs/uuid"
	"github.com/x448/float16"
)

// Sizes, in bytes, of each fixed-width wire encoding.
const (
	SizeUint16     = 2
	SizeUint32     = 4
	SizeUint64     = 8
	SizeInt32      = 4
	SizeInt64      = 8
	SizeFloat16    = 2
	SizeFloat32    = 4
	SizeFloat64    = 8
	SizeUUID       = 16
	SizeDateTime32 = 4
)

func errSize(what string, want, got int) error {
	return fmt.Errorf("coerce: %s: want %d bytes, got %d", what, want, got)
}

// Uint16 decodes a big-endian uint16.
func Uint16(b []byte) (uint16, error) {
	if len(b) != SizeUint16 {
		return 0, errSize("uint16", SizeUint16, len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}

// FromUint16 encodes a big-endian uint16.
func FromUint16(v uint16) []byte {
	b := make([]byte, SizeUint16)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// Uint32 decodes a big-endian uint32.
func Uint32(b []byte) (uint32, error) {
	if len(b) != SizeUint32 {
		return 0, errSize("uint32", SizeUint32, len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// FromUint32 encodes a big-endian uint32.
func FromUint32(v uint32) []byte {
	b := make([]byte, SizeUint32)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// Uint64 decodes a big-endian uint64.
func Uint64(b []byte) (uint64, error) {
	if len(b) != SizeUint64 {
		return 0, errSize("uint64", SizeUint64, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// FromUint64 encodes a big-endian uint64.
func FromUint64(v uint64) []byte {
	b := make([]byte, SizeUint64)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Int32 decodes a big-endian, two's complement int32.
func Int32(b []byte) (int32, error) {
	u, err := Uint32(b)
	if err != nil {
		return 0, err
	}
	return int32(u), nil
}

// FromInt32 encodes a big-endian, two's complement int32.
func FromInt32(v int32) []byte {
	return FromUint32(uint32(v))
}

// Int64 decodes a big-endian, two's complement int64.
func Int64(b []byte) (int64, error) {
	u, err := Uint64(b)
	if err != nil {
		return 0, err
	}
	return int64(u), nil
}

// FromInt64 encodes a big-endian, two's complement int64.
func FromInt64(v int64) []byte {
	return FromUint64(uint64(v))
}

// Float16 decodes a big-endian IEEE-754 half-precision float.
func Float16(b []byte) (float32, error) {
	if len(b) != SizeFloat16 {
		return 0, errSize("float16", SizeFloat16, len(b))
	}
	bits := binary.BigEndian.Uint16(b)
	return float16.Frombits(bits).Float32(), nil
}

// FromFloat16 encodes a big-endian IEEE-754 half-precision float.
func FromFloat16(v float32) []byte {
	b := make([]byte, SizeFloat16)
	binary.BigEndian.PutUint16(b, float16.Fromfloat32(v).Bits())
	return b
}

// Float32 decodes a big-endian IEEE-754 single-precision float.
func Float32(b []byte) (float32, error) {
	u, err := Uint32(b)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(u), nil
}

// FromFloat32 encodes a big-endian IEEE-754 single-precision float.
func FromFloat32(v float32) []byte {
	return FromUint32(math.Float32bits(v))
}

// Float64 decodes a big-endian IEEE-754 double-precision float.
func Float64(b []byte) (float64, error) {
	u, err := Uint64(b)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// FromFloat64 encodes a big-endian IEEE-754 double-precision float.
func FromFloat64(v float64) []byte {
	return FromUint64(math.Float64bits(v))
}

// UUID decodes 16 raw UUID bytes.
func UUID(b []byte) (uuid.UUID, error) {
	if len(b) != SizeUUID {
		return uuid.UUID{}, errSize("uuid", SizeUUID, len(b))
	}
	var u uuid.UUID
	copy(u[:], b)
	return u, nil
}

// FromUUID encodes a UUID as 16 raw bytes.
func FromUUID(u uuid.UUID) []byte {
	out := make([]byte, SizeUUID)
	copy(out, u.Bytes())
	return out
}

// Hex encodes raw bytes as a lowercase hex string.
func Hex(b []byte) string {
	return hex.EncodeToString(b)
}

// FromHex decodes a lowercase hex string into raw bytes.
func FromHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// DateTime32 decodes a signed, big-endian, whole-seconds-since-epoch
// UTC timestamp. Sub-second precision was truncated by FromDateTime32
// at encode time; this is a lossy round-trip by design (spec §4.1).
func DateTime32(b []byte) (time.Time, error) {
	secs, err := Int32(b)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(secs), 0).UTC(), nil
}

// FromDateTime32 encodes t as signed whole seconds since the Unix
// epoch, UTC, truncating any sub-second component.
func FromDateTime32(t time.Time) []byte {
	return FromInt32(int32(t.UTC().Unix()))
}

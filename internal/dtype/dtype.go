// Package dtype maps remote pixel-type codes to concrete element types and
// decodes raw pixel buffers.
//
// Raw buffers handled here are always big-endian, row-major, which is the
// byte order the image server returns plane and tile data in.
package dtype

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrUnknownPixelType is returned when a pixel-type code is not one of the
// supported element types.
var ErrUnknownPixelType = errors.New("unknown pixel type")

// DType is a numeric element type.
type DType int

const (
	Invalid DType = iota
	Int8
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Float32
	Float64
)

// pixelTypes is keyed by the image server's pixel-type enumeration values.
var pixelTypes = map[string]DType{
	"int8":   Int8,
	"uint8":  Uint8,
	"int16":  Int16,
	"uint16": Uint16,
	"int32":  Int32,
	"uint32": Uint32,
	"float":  Float32,
	"double": Float64,
}

var names = [...]string{
	Invalid: "invalid",
	Int8:    "int8",
	Uint8:   "uint8",
	Int16:   "int16",
	Uint16:  "uint16",
	Int32:   "int32",
	Uint32:  "uint32",
	Float32: "float32",
	Float64: "float64",
}

// FromPixelType returns the element type for a remote pixel-type code.
func FromPixelType(code string) (DType, error) {
	dt, ok := pixelTypes[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return Invalid, fmt.Errorf("%w: %q", ErrUnknownPixelType, code)
	}
	return dt, nil
}

// Parse returns the element type for a dtype name such as "uint16" or
// "float32", as written by array stores.
func Parse(name string) (DType, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for dt, s := range names {
		if dt != int(Invalid) && s == n {
			return DType(dt), nil
		}
	}
	return Invalid, fmt.Errorf("%w: %q", ErrUnknownPixelType, name)
}

// Valid reports whether d is a known element type.
func (d DType) Valid() bool {
	return d > Invalid && d <= Float64
}

func (d DType) String() string {
	if d < 0 || int(d) >= len(names) {
		return names[Invalid]
	}
	return names[d]
}

// MarshalText encodes the dtype by name.
func (d DType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// Float reports whether d is a floating point type.
func (d DType) Float() bool {
	return d == Float32 || d == Float64
}

// Range returns the representable value range of integer types. Float
// types return (-Inf, +Inf).
func (d DType) Range() (float64, float64) {
	switch d {
	case Int8:
		return math.MinInt8, math.MaxInt8
	case Uint8:
		return 0, math.MaxUint8
	case Int16:
		return math.MinInt16, math.MaxInt16
	case Uint16:
		return 0, math.MaxUint16
	case Int32:
		return math.MinInt32, math.MaxInt32
	case Uint32:
		return 0, math.MaxUint32
	default:
		return math.Inf(-1), math.Inf(1)
	}
}

// Float64At decodes element i of a big-endian buffer.
func (d DType) Float64At(buf []byte, i int) float64 {
	off := i * d.Size()
	switch d {
	case Int8:
		return float64(int8(buf[off]))
	case Uint8:
		return float64(buf[off])
	case Int16:
		return float64(int16(binary.BigEndian.Uint16(buf[off:])))
	case Uint16:
		return float64(binary.BigEndian.Uint16(buf[off:]))
	case Int32:
		return float64(int32(binary.BigEndian.Uint32(buf[off:])))
	case Uint32:
		return float64(binary.BigEndian.Uint32(buf[off:]))
	case Float32:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(buf[off:])))
	case Float64:
		return math.Float64frombits(binary.BigEndian.Uint64(buf[off:]))
	default:
		return 0
	}
}

// PutFloat64 encodes v as element i of a big-endian buffer. Integer types
// truncate toward zero.
func (d DType) PutFloat64(buf []byte, i int, v float64) {
	off := i * d.Size()
	switch d {
	case Int8:
		buf[off] = byte(int8(v))
	case Uint8:
		buf[off] = byte(v)
	case Int16:
		binary.BigEndian.PutUint16(buf[off:], uint16(int16(v)))
	case Uint16:
		binary.BigEndian.PutUint16(buf[off:], uint16(v))
	case Int32:
		binary.BigEndian.PutUint32(buf[off:], uint32(int32(v)))
	case Uint32:
		binary.BigEndian.PutUint32(buf[off:], uint32(v))
	case Float32:
		binary.BigEndian.PutUint32(buf[off:], math.Float32bits(float32(v)))
	case Float64:
		binary.BigEndian.PutUint64(buf[off:], math.Float64bits(v))
	}
}

// SwapToBigEndian converts a little-endian buffer of elements of type d to
// big-endian in place.
func (d DType) SwapToBigEndian(buf []byte) {
	size := d.Size()
	if size <= 1 {
		return
	}
	for off := 0; off+size <= len(buf); off += size {
		for i, j := off, off+size-1; i < j; i, j = i+1, j-1 {
			buf[i], buf[j] = buf[j], buf[i]
		}
	}
}

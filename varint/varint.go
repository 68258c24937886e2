// Package varint implements the dynamic-length integer encoding used for frame
// lengths and correlation ids.
//
// The number of continuation bytes is carried in the run of leading 1-bits of
// the first byte, in the manner of UTF-8 lead bytes. The remaining low bits of
// the first byte and all continuation bytes hold the magnitude, big-endian:
//
//	0xxxxxxx                              7 bits
//	10xxxxxx xxxxxxxx                    14 bits
//	110xxxxx xxxxxxxx xxxxxxxx           21 bits
//	...
//	11111110 [7 bytes]                   56 bits
//	11111111 [8 bytes]                   64 bits
package varint

import (
	"errors"
	"math"
	"math/bits"
)

// MaxLen is the longest encoding of a uint64.
const MaxLen = 9

var (
	// ErrTruncated is returned when the input ends inside an encoded integer.
	ErrTruncated = errors.New("varint: truncated integer")
	// ErrIntegerOverflow is returned when a decoded magnitude does not fit the
	// requested machine integer.
	ErrIntegerOverflow = errors.New("varint: integer overflow")
)

// Size returns the number of bytes needed to encode v.
func Size(v uint64) int {
	for n := 0; n < 8; n++ {
		if v < 1<<(7*n+7) {
			return n + 1
		}
	}
	return MaxLen
}

// LenOf returns the total encoded length announced by the first byte b.
func LenOf(b byte) int {
	return bits.LeadingZeros8(^b) + 1
}

// Append appends the encoding of v to dst.
func Append(dst []byte, v uint64) []byte {
	n := Size(v) - 1
	lead := ^byte(0xff >> n)
	if n < 8 {
		lead |= byte(v>>(8*n)) & (0xff >> (n + 1))
	}
	dst = append(dst, lead)
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}

// Uint decodes an integer from the front of p and reports how many bytes
// it occupied.
func Uint(p []byte) (uint64, int, error) {
	if len(p) == 0 {
		return 0, 0, ErrTruncated
	}
	size := LenOf(p[0])
	if len(p) < size {
		return 0, 0, ErrTruncated
	}
	v := uint64(p[0] & (0xff >> size))
	for _, b := range p[1:size] {
		v = v<<8 | uint64(b)
	}
	return v, size, nil
}

// Int is like Uint but requires the value to fit in an int.
func Int(p []byte) (int, int, error) {
	v, n, err := Uint(p)
	if err != nil {
		return 0, 0, err
	}
	if v > math.MaxInt {
		return 0, 0, ErrIntegerOverflow
	}
	return int(v), n, nil
}

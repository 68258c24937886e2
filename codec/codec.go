// Package codec implements the self-describing tagged value encoding carried
// in call arguments and results.
//
// Every value starts with a one-byte type tag followed by a tag-specific
// payload. Arrays and maps have no length prefix; their items are terminated
// by a void tag:
//
//	null | undefined | true | false        tag only
//	int32                                  tag, 4 bytes big-endian
//	int64 | float64                        tag, 8 bytes big-endian
//	bigint | bytes | string | pattern      tag, varint length, bytes
//	array                                  tag, value*, void
//	map | error                            tag, (string value)*, void
//
// Decoding produces a fixed set of Go types: nil, Undefined, bool, int64,
// float64, *big.Int, []byte, string, Pattern, []any, map[string]any and
// *Error. Both Pattern and *regexp.Regexp encode as pattern.
package codec

import (
	"errors"
	"fmt"
	"reflect"
)

// Tag identifies the kind of an encoded value. Tag values are part of the
// wire contract and must never be renumbered.
type Tag byte

const (
	TagVoid      Tag = 0x00
	TagNull      Tag = 0x01
	TagUndefined Tag = 0x02
	TagTrue      Tag = 0x03
	TagFalse     Tag = 0x04
	TagInt32     Tag = 0x05
	TagInt64     Tag = 0x06
	TagFloat64   Tag = 0x07
	TagBigInt    Tag = 0x08
	TagBytes     Tag = 0x09
	TagString    Tag = 0x0a
	TagPattern   Tag = 0x0b
	TagArray     Tag = 0x0c
	TagMap       Tag = 0x0d
	TagError     Tag = 0x0e
)

// MaxDepth bounds the nesting of arrays, maps and errors in one value.
const MaxDepth = 512

// UndefinedType is the type of Undefined.
type UndefinedType struct{}

// Undefined is the "absent value", distinct from nil (null).
var Undefined UndefinedType

var (
	ErrTruncated      = errors.New("codec: truncated value")
	ErrTooDeep        = errors.New("codec: value nested too deeply")
	ErrTrailingData   = errors.New("codec: trailing data after value")
	ErrUnexpectedVoid = errors.New("codec: unexpected void tag")
	ErrInvalidKey     = errors.New("codec: map key is not a string")
	ErrNegativeBigInt = errors.New("codec: big integer must be non-negative")
)

// UnsupportedTypeError reports a Go type the encoder cannot represent, or an
// unknown tag met by the decoder.
type UnsupportedTypeError struct {
	Type reflect.Type
	Tag  Tag
}

func (e *UnsupportedTypeError) Error() string {
	if e.Type != nil {
		return "codec: unsupported type " + e.Type.String()
	}
	return fmt.Sprintf("codec: unsupported type tag 0x%02x", byte(e.Tag))
}

// Marshal returns the encoding of v.
func Marshal(v any) ([]byte, error) {
	return Append(nil, v)
}

// Unmarshal decodes exactly one value from data.
func Unmarshal(data []byte) (any, error) {
	d := NewDecoder(data)
	v, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if d.Len() != 0 {
		return nil, ErrTrailingData
	}
	return v, nil
}

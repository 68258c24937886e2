package codec

import (
	"encoding/binary"
	"math"
	"math/big"

	"duplex-rpc/varint"
)

// Decoder reads tagged values from a byte slice.
type Decoder struct {
	buf   []byte
	off   int
	depth int
}

// NewDecoder returns a decoder reading from buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Len returns the number of unread bytes.
func (d *Decoder) Len() int {
	return len(d.buf) - d.off
}

// Decode reads one value. A void tag is not a value and yields ErrUnexpectedVoid.
func (d *Decoder) Decode() (any, error) {
	v, t, err := d.value()
	if err != nil {
		return nil, err
	}
	if t == TagVoid {
		return nil, ErrUnexpectedVoid
	}
	return v, nil
}

func (d *Decoder) next(n int) ([]byte, error) {
	if n < 0 || d.Len() < n {
		return nil, ErrTruncated
	}
	p := d.buf[d.off : d.off+n]
	d.off += n
	return p, nil
}

func (d *Decoder) length() (int, error) {
	n, size, err := varint.Int(d.buf[d.off:])
	if err == varint.ErrTruncated {
		return 0, ErrTruncated
	}
	if err != nil {
		return 0, err
	}
	d.off += size
	return n, nil
}

func (d *Decoder) blob() ([]byte, error) {
	n, err := d.length()
	if err != nil {
		return nil, err
	}
	return d.next(n)
}

func (d *Decoder) value() (any, Tag, error) {
	p, err := d.next(1)
	if err != nil {
		return nil, 0, err
	}
	t := Tag(p[0])
	switch t {
	case TagVoid:
		return nil, t, nil
	case TagNull:
		return nil, t, nil
	case TagUndefined:
		return Undefined, t, nil
	case TagTrue:
		return true, t, nil
	case TagFalse:
		return false, t, nil
	case TagInt32:
		p, err := d.next(4)
		if err != nil {
			return nil, t, err
		}
		return int64(int32(binary.BigEndian.Uint32(p))), t, nil
	case TagInt64:
		p, err := d.next(8)
		if err != nil {
			return nil, t, err
		}
		return int64(binary.BigEndian.Uint64(p)), t, nil
	case TagFloat64:
		p, err := d.next(8)
		if err != nil {
			return nil, t, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(p)), t, nil
	case TagBigInt:
		p, err := d.blob()
		if err != nil {
			return nil, t, err
		}
		return new(big.Int).SetBytes(p), t, nil
	case TagBytes:
		p, err := d.blob()
		if err != nil {
			return nil, t, err
		}
		return append([]byte{}, p...), t, nil
	case TagString:
		p, err := d.blob()
		if err != nil {
			return nil, t, err
		}
		return string(p), t, nil
	case TagPattern:
		p, err := d.blob()
		if err != nil {
			return nil, t, err
		}
		return Pattern{Source: string(p)}, t, nil
	case TagArray:
		v, err := d.array()
		return v, t, err
	case TagMap:
		v, err := d.pairs()
		return v, t, err
	case TagError:
		m, err := d.pairs()
		if err != nil {
			return nil, t, err
		}
		return errorFromFields(m), t, nil
	default:
		return nil, t, &UnsupportedTypeError{Tag: t}
	}
}

func (d *Decoder) enter() error {
	d.depth++
	if d.depth > MaxDepth {
		return ErrTooDeep
	}
	return nil
}

func (d *Decoder) array() ([]any, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	items := []any{}
	for {
		v, t, err := d.value()
		if err != nil {
			return nil, err
		}
		if t == TagVoid {
			break
		}
		items = append(items, v)
	}
	d.depth--
	return items, nil
}

func (d *Decoder) pairs() (map[string]any, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	m := map[string]any{}
	for {
		k, t, err := d.value()
		if err != nil {
			return nil, err
		}
		if t == TagVoid {
			break
		}
		key, ok := k.(string)
		if !ok || t != TagString {
			return nil, ErrInvalidKey
		}
		v, err := d.Decode()
		if err != nil {
			return nil, err
		}
		m[key] = v
	}
	d.depth--
	return m, nil
}

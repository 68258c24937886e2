package codec

import (
	"encoding/binary"
	"errors"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"duplex-rpc/varint"
)

// Encoder appends tagged values to a byte slice.
type Encoder struct {
	buf   []byte
	depth int
}

// NewEncoder returns an encoder appending to buf.
func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf}
}

// Bytes returns the encoded bytes so far.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Append appends the encoding of v to dst. On error dst is returned unchanged.
func Append(dst []byte, v any) ([]byte, error) {
	e := Encoder{buf: dst}
	if err := e.Encode(v); err != nil {
		return dst, err
	}
	return e.buf, nil
}

// Encode appends one value. A failed Encode may leave a partial value behind;
// callers needing atomicity should use Append.
func (e *Encoder) Encode(v any) error {
	switch v := v.(type) {
	case nil:
		e.tag(TagNull)
	case UndefinedType:
		e.tag(TagUndefined)
	case bool:
		e.bool(v)
	case int:
		e.int(int64(v))
	case int8:
		e.int(int64(v))
	case int16:
		e.int(int64(v))
	case int32:
		e.int(int64(v))
	case int64:
		e.int(v)
	case uint:
		e.uint(uint64(v))
	case uint8:
		e.int(int64(v))
	case uint16:
		e.int(int64(v))
	case uint32:
		e.int(int64(v))
	case uint64:
		e.uint(v)
	case float32:
		e.float(float64(v))
	case float64:
		e.float(v)
	case *big.Int:
		return e.bigInt(v)
	case []byte:
		e.blob(TagBytes, v)
	case string:
		e.str(TagString, v)
	case *regexp.Regexp:
		if v == nil {
			e.tag(TagNull)
			return nil
		}
		e.str(TagPattern, v.String())
	case Pattern:
		e.str(TagPattern, v.Source)
	case []any:
		return e.array(len(v), func(i int) any { return v[i] })
	case map[string]any:
		return e.stringMap(TagMap, v)
	case error:
		return e.error(v)
	default:
		return e.reflect(reflect.ValueOf(v))
	}
	return nil
}

func (e *Encoder) tag(t Tag) {
	e.buf = append(e.buf, byte(t))
}

func (e *Encoder) bool(v bool) {
	if v {
		e.tag(TagTrue)
	} else {
		e.tag(TagFalse)
	}
}

// int picks the narrowest integer tag that holds v.
func (e *Encoder) int(v int64) {
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		e.tag(TagInt32)
		e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(int32(v)))
		return
	}
	e.tag(TagInt64)
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
}

func (e *Encoder) uint(v uint64) {
	if v > math.MaxInt64 {
		e.buf = append(e.buf, byte(TagBigInt))
		e.blobBody(new(big.Int).SetUint64(v).Bytes())
		return
	}
	e.int(int64(v))
}

func (e *Encoder) float(v float64) {
	e.tag(TagFloat64)
	e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(v))
}

func (e *Encoder) bigInt(v *big.Int) error {
	if v == nil {
		e.tag(TagNull)
		return nil
	}
	if v.Sign() < 0 {
		return ErrNegativeBigInt
	}
	e.blob(TagBigInt, v.Bytes())
	return nil
}

func (e *Encoder) blob(t Tag, p []byte) {
	e.tag(t)
	e.blobBody(p)
}

func (e *Encoder) blobBody(p []byte) {
	e.buf = varint.Append(e.buf, uint64(len(p)))
	e.buf = append(e.buf, p...)
}

func (e *Encoder) str(t Tag, s string) {
	e.tag(t)
	e.buf = varint.Append(e.buf, uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *Encoder) enter() error {
	e.depth++
	if e.depth > MaxDepth {
		return ErrTooDeep
	}
	return nil
}

func (e *Encoder) array(n int, at func(int) any) error {
	if err := e.enter(); err != nil {
		return err
	}
	e.tag(TagArray)
	for i := 0; i < n; i++ {
		if err := e.Encode(at(i)); err != nil {
			return err
		}
	}
	e.tag(TagVoid)
	e.depth--
	return nil
}

func (e *Encoder) stringMap(t Tag, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return e.pairs(t, keys, func(k string) any { return m[k] })
}

func (e *Encoder) pairs(t Tag, keys []string, at func(string) any) error {
	if err := e.enter(); err != nil {
		return err
	}
	e.tag(t)
	for _, k := range keys {
		e.str(TagString, k)
		if err := e.Encode(at(k)); err != nil {
			return err
		}
	}
	e.tag(TagVoid)
	e.depth--
	return nil
}

// error writes name, message and cause first, then any extra properties in
// key order.
func (e *Encoder) error(err error) error {
	if rv := reflect.ValueOf(err); rv.Kind() == reflect.Pointer && rv.IsNil() {
		e.tag(TagNull)
		return nil
	}
	var fields map[string]any
	if rerr, ok := err.(*Error); ok {
		fields = rerr.fields()
	} else {
		fields = map[string]any{
			"name":    errorName(err),
			"message": err.Error(),
		}
		if cause := errors.Unwrap(err); cause != nil {
			fields["cause"] = cause
		}
	}

	keys := make([]string, 0, len(fields))
	for _, k := range []string{"name", "message", "cause"} {
		if _, ok := fields[k]; ok {
			keys = append(keys, k)
		}
	}
	extra := make([]string, 0, len(fields))
	for k := range fields {
		if k != "name" && k != "message" && k != "cause" {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	keys = append(keys, extra...)
	return e.pairs(TagError, keys, func(k string) any { return fields[k] })
}

func (e *Encoder) reflect(rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.Bool:
		e.bool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.int(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.uint(rv.Uint())
	case reflect.Float32, reflect.Float64:
		e.float(rv.Float())
	case reflect.String:
		e.str(TagString, rv.String())
	case reflect.Slice:
		if rv.IsNil() {
			e.tag(TagNull)
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			e.blob(TagBytes, rv.Bytes())
			return nil
		}
		return e.array(rv.Len(), func(i int) any { return rv.Index(i).Interface() })
	case reflect.Array:
		return e.array(rv.Len(), func(i int) any { return rv.Index(i).Interface() })
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return &UnsupportedTypeError{Type: rv.Type()}
		}
		if rv.IsNil() {
			e.tag(TagNull)
			return nil
		}
		m := make(map[string]any, rv.Len())
		it := rv.MapRange()
		for it.Next() {
			m[it.Key().String()] = it.Value().Interface()
		}
		return e.stringMap(TagMap, m)
	case reflect.Pointer:
		if rv.IsNil() {
			e.tag(TagNull)
			return nil
		}
		return e.Encode(rv.Elem().Interface())
	case reflect.Struct:
		return e.stringMap(TagMap, structFields(rv))
	default:
		return &UnsupportedTypeError{Type: rv.Type()}
	}
	return nil
}

// structFields maps the exported fields of a struct by their json name.
// Fields tagged "-" are skipped, as are empty fields tagged omitempty.
func structFields(rv reflect.Value) map[string]any {
	t := rv.Type()
	m := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" && opts == "" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fv := rv.Field(i)
		if strings.Contains(opts, "omitempty") && fv.IsZero() {
			continue
		}
		m[name] = fv.Interface()
	}
	return m
}

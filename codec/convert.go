package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
)

var ErrInvalidTarget = errors.New("codec: Assign target must be a non-nil pointer")

var regexpType = reflect.TypeOf((*regexp.Regexp)(nil))

// Assign stores a decoded value into the variable dst points to. Values
// that are directly assignable and numeric conversions are applied as is;
// anything else, such as a map into a struct, goes through encoding/json.
func Assign(dst any, src any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return ErrInvalidTarget
	}
	return AssignValue(rv.Elem(), src)
}

// AssignValue is Assign for a settable reflect.Value.
func AssignValue(dst reflect.Value, src any) error {
	if src == nil || src == Undefined {
		dst.SetZero()
		return nil
	}
	if p, ok := src.(Pattern); ok && dst.Type() == regexpType {
		re, err := p.Compile()
		if err != nil {
			return fmt.Errorf("codec: assign pattern: %w", err)
		}
		dst.Set(reflect.ValueOf(re))
		return nil
	}
	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(dst.Type()) {
		dst.Set(sv)
		return nil
	}
	if numeric(sv.Kind()) && numeric(dst.Kind()) {
		dst.Set(sv.Convert(dst.Type()))
		return nil
	}
	b, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("codec: assign %T to %s: %w", src, dst.Type(), err)
	}
	ptr := reflect.New(dst.Type())
	if err := json.Unmarshal(b, ptr.Interface()); err != nil {
		return fmt.Errorf("codec: assign %T to %s: %w", src, dst.Type(), err)
	}
	dst.Set(ptr.Elem())
	return nil
}

func numeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

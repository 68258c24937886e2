package server

import (
	"context"
	"fmt"
	"reflect"

	"duplex-rpc/codec"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// methodType describes one exported method callable as "Service.Method".
//
// Two shapes are accepted:
//
//	func (s *T) M(args *Args, reply *Reply) error
//	func (s *T) M([ctx context.Context,] a A, b B, ...) ([R,] [error])
//
// In the first shape the call carries one argument and the reply struct is
// the result. A result of type *session.Deferred is answered asynchronously.
type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgTypes  []reflect.Type
	ReplyType reflect.Type
	hasResult bool
	hasError  bool
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService creates a service and scans its callable methods.
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	s := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, fmt.Errorf("server: %s has no callable methods", s.name)
	}
	return s, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		if mt, ok := inspect(s.typ.Method(i)); ok {
			s.method[mt.method.Name] = mt
		}
	}
}

func inspect(method reflect.Method) (*methodType, bool) {
	mtype := method.Type
	if mtype.IsVariadic() || mtype.NumOut() > 2 {
		return nil, false
	}
	mt := &methodType{method: method}
	switch mtype.NumOut() {
	case 1:
		mt.hasError = mtype.Out(0) == errorType
		mt.hasResult = !mt.hasError
	case 2:
		if mtype.Out(1) != errorType {
			return nil, false
		}
		mt.hasResult, mt.hasError = true, true
	}

	in := 1
	if mtype.NumIn() > 1 && mtype.In(1) == contextType {
		mt.withCtx = true
		in++
	}
	for ; in < mtype.NumIn(); in++ {
		mt.ArgTypes = append(mt.ArgTypes, mtype.In(in))
	}

	// The classic (args *Args, reply *Reply) error shape.
	if len(mt.ArgTypes) == 2 && mtype.NumOut() == 1 && mt.hasError &&
		mt.ArgTypes[0].Kind() == reflect.Ptr && mt.ArgTypes[1].Kind() == reflect.Ptr {
		mt.ReplyType = mt.ArgTypes[1].Elem()
		mt.ArgTypes = mt.ArgTypes[:1]
	}
	return mt, true
}

// call converts args to the parameter types and invokes the method.
func (s *service) call(ctx context.Context, mt *methodType, args []any) (any, error) {
	if len(args) != len(mt.ArgTypes) {
		return nil, fmt.Errorf("%s.%s expects %d arguments, got %d", s.name, mt.method.Name, len(mt.ArgTypes), len(args))
	}
	in := make([]reflect.Value, 0, len(args)+3)
	in = append(in, s.rcvr)
	if mt.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, t := range mt.ArgTypes {
		argv := reflect.New(t).Elem()
		if err := codec.AssignValue(argv, args[i]); err != nil {
			return nil, fmt.Errorf("%s.%s argument %d: %w", s.name, mt.method.Name, i, err)
		}
		in = append(in, argv)
	}
	var replyv reflect.Value
	if mt.ReplyType != nil {
		replyv = reflect.New(mt.ReplyType)
		in = append(in, replyv)
	}

	out := mt.method.Func.Call(in)
	if mt.hasError {
		if errv := out[len(out)-1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
	}
	switch {
	case mt.ReplyType != nil:
		return replyv.Interface(), nil
	case mt.hasResult:
		return out[0].Interface(), nil
	}
	return nil, nil
}

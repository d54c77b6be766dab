package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"dotrpc/future"
	"dotrpc/message"
)

// Reply sends the result of a call. A string is an error message.
type Reply = message.Reply

// Invocable runs one method. It either replies through reply, or returns a
// future whose value is sent once it settles. A nil future means the
// invocable handles replying itself.
type Invocable func(ctx context.Context, payload json.RawMessage, reply Reply) *future.Future[any]

// Service resolves method names to invocables.
type Service interface {
	ServiceName() string
	Method(name string) (Invocable, bool)
}

// ServiceMap is a Service built from explicit functions.
type ServiceMap struct {
	Name    string
	Methods map[string]Invocable
}

func (m *ServiceMap) ServiceName() string { return m.Name }

func (m *ServiceMap) Method(name string) (Invocable, bool) {
	fn, ok := m.Methods[name]
	return fn, ok && fn != nil
}

// ErrNotAService is returned for values that cannot serve calls.
var ErrNotAService = errors.New("server: not a service")

// NormalizeName lower-cases the first rune of name.
func NormalizeName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToLower(r)) + name[size:]
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	replyType   = reflect.TypeOf(Reply(nil))
	futureType  = reflect.TypeOf((*future.Future[any])(nil))
)

type methodShape int

const (
	shapeReply  methodShape = iota // (ctx, A, Reply)
	shapeFuture                    // (ctx, A, Reply) *future.Future[any]
	shapeResult                    // (ctx, A) (R, error)
)

type methodType struct {
	method  reflect.Method
	ArgType reflect.Type
	shape   methodShape
}

// service exposes the exported methods of a struct pointer.
type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// NewService wraps rcvr as a Service. A value that already implements
// Service is returned as is; a struct pointer has its exported methods of
// a supported shape scanned by reflection.
func NewService(rcvr any) (Service, error) {
	if svc, ok := rcvr.(Service); ok && svc != nil {
		return svc, nil
	}

	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %T", ErrNotAService, rcvr)
	}
	val := reflect.ValueOf(rcvr)
	if val.IsNil() {
		return nil, fmt.Errorf("%w: nil %T", ErrNotAService, rcvr)
	}

	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   val,
		typ:    typ,
		method: make(map[string]*methodType),
	}
	if named, ok := rcvr.(interface{ ServiceName() string }); ok {
		srv.name = named.ServiceName()
	}
	srv.registerMethods()

	if len(srv.method) == 0 {
		return nil, fmt.Errorf("%w: %s has no callable methods", ErrNotAService, typ)
	}
	return srv, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := &methodType{method: method}
		t := method.Type

		switch {
		case t.NumIn() == 4 && t.In(1) == contextType && t.In(3) == replyType && t.NumOut() == 0:
			mt.shape = shapeReply
		case t.NumIn() == 4 && t.In(1) == contextType && t.In(3) == replyType && t.NumOut() == 1 && t.Out(0) == futureType:
			mt.shape = shapeFuture
		case t.NumIn() == 3 && t.In(1) == contextType && t.NumOut() == 2 && t.Out(1) == errorType:
			mt.shape = shapeResult
		default:
			continue
		}
		mt.ArgType = t.In(2)
		s.method[NormalizeName(method.Name)] = mt
	}
}

func (s *service) ServiceName() string { return s.name }

func (s *service) Method(name string) (Invocable, bool) {
	mt, ok := s.method[name]
	if !ok {
		return nil, false
	}
	return func(ctx context.Context, payload json.RawMessage, reply Reply) *future.Future[any] {
		return s.call(ctx, mt, payload, reply)
	}, true
}

// call decodes the payload into the method's argument and invokes it.
func (s *service) call(ctx context.Context, mt *methodType, payload json.RawMessage, reply Reply) *future.Future[any] {
	argv, err := decodeArg(mt.ArgType, payload)
	if err != nil {
		return future.Rejected[any](err)
	}

	fn := mt.method.Func
	switch mt.shape {
	case shapeReply:
		fn.Call([]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, reflect.ValueOf(reply)})
		return nil
	case shapeFuture:
		out := fn.Call([]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, reflect.ValueOf(reply)})
		return out[0].Interface().(*future.Future[any])
	default:
		return future.Go(func() (any, error) {
			out := fn.Call([]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv})
			if errv := out[1]; !errv.IsNil() {
				return nil, errv.Interface().(error)
			}
			if isNil(out[0]) {
				return nil, nil
			}
			return out[0].Interface(), nil
		})
	}
}

// decodeArg builds a value of type t from payload. Pointer types receive a
// freshly allocated value; an absent payload leaves the zero value.
func decodeArg(t reflect.Type, payload json.RawMessage) (reflect.Value, error) {
	var argv reflect.Value
	if t.Kind() == reflect.Ptr {
		argv = reflect.New(t.Elem())
	} else {
		argv = reflect.New(t)
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, argv.Interface()); err != nil {
			return reflect.Value{}, err
		}
	}

	if t.Kind() == reflect.Ptr {
		return argv, nil
	}
	return argv.Elem(), nil
}

func isNil(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

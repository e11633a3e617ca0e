package server

import (
	"context"
	"fmt"
	"reflect"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// methodType is one callable RPC method, either
//
//	func (r *T) M(args *A, reply *R) error
//	func (r *T) M(ctx context.Context, args *A, reply *R) error
type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

func newService(rcvr any, name string) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: receiver must be a pointer to a struct, got %v", typ)
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	s := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		if mt := suitable(typ.Method(i)); mt != nil {
			s.method[mt.method.Name] = mt
		}
	}
	if len(s.method) == 0 {
		return nil, fmt.Errorf("rpc: type %s has no exported methods of suitable type", name)
	}
	return s, nil
}

func suitable(m reflect.Method) *methodType {
	if !m.IsExported() {
		return nil
	}
	t := m.Type
	if t.NumOut() != 1 || t.Out(0) != errorType {
		return nil
	}
	first := 1
	withCtx := false
	switch t.NumIn() {
	case 3:
	case 4:
		if t.In(1) != contextType {
			return nil
		}
		first, withCtx = 2, true
	default:
		return nil
	}
	args, reply := t.In(first), t.In(first+1)
	if args.Kind() != reflect.Pointer || reply.Kind() != reflect.Pointer {
		return nil
	}
	return &methodType{method: m, withCtx: withCtx, ArgType: args.Elem(), ReplyType: reply.Elem()}
}

func (s *service) call(ctx context.Context, mt *methodType, argv, replyv reflect.Value) error {
	in := make([]reflect.Value, 0, 4)
	in = append(in, s.rcvr)
	if mt.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, argv, replyv)
	out := mt.method.Func.Call(in)
	if err, _ := out[0].Interface().(error); err != nil {
		return err
	}
	return nil
}

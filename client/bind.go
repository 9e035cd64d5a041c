package client

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Bind fills the exported func-typed fields of the struct stub points to with remote stubs,
// so the remote object can be called like a local one:
//
//	var counter struct {
//		Increment func(ctx context.Context) error
//		Value     func(ctx context.Context) (int, error)
//		AddTwo    func(a, b int) (int, error) `rmi:"add:to:"`
//	}
//	err := proxy.Bind(&counter)
//
// The selector is the field name unless an `rmi` tag overrides it; `rmi:"-"` skips the field.
// Stubs may take a leading context.Context and must return error or (T, error).
func (p *Proxy) Bind(stub any) error {
	if stub == nil {
		return errors.New("rmi: Bind(nil)")
	}
	val := reflect.ValueOf(stub)
	typ := val.Type()
	if typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("rmi: Bind needs a pointer to a struct, got %s", typ)
	}
	val, typ = val.Elem(), typ.Elem()

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		fieldVal := val.Field(i)
		if field.Type.Kind() != reflect.Func || !fieldVal.CanSet() {
			continue
		}
		selector := field.Name
		if tag, ok := field.Tag.Lookup("rmi"); ok {
			if tag == "-" {
				continue
			}
			if tag != "" {
				selector = tag
			}
		}
		fn, err := p.makeStub(selector, field.Type)
		if err != nil {
			return fmt.Errorf("rmi: field %s: %w", field.Name, err)
		}
		fieldVal.Set(fn)
	}
	return nil
}

func (p *Proxy) makeStub(selector string, ft reflect.Type) (reflect.Value, error) {
	numOut := ft.NumOut()
	if numOut == 0 || numOut > 2 || ft.Out(numOut-1) != errorType {
		return reflect.Value{}, fmt.Errorf("%s must return error or (T, error)", ft)
	}
	hasCtx := ft.NumIn() > 0 && ft.In(0) == contextType
	var resultType reflect.Type
	if numOut == 2 {
		resultType = ft.Out(0)
	}

	return reflect.MakeFunc(ft, func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		if hasCtx {
			if c, ok := in[0].Interface().(context.Context); ok && c != nil {
				ctx = c
			}
			in = in[1:]
		}

		args := make([]any, 0, len(in))
		for i, v := range in {
			if ft.IsVariadic() && i == len(in)-1 {
				for j := 0; j < v.Len(); j++ {
					args = append(args, v.Index(j).Interface())
				}
				continue
			}
			args = append(args, v.Interface())
		}

		var reply reflect.Value
		var replyPtr any
		if resultType != nil {
			reply = reflect.New(resultType)
			replyPtr = reply.Interface()
		}
		err := p.Call(ctx, selector, replyPtr, args...)

		errVal := reflect.Zero(errorType)
		if err != nil {
			errVal = reflect.ValueOf(&err).Elem()
		}
		if resultType == nil {
			return []reflect.Value{errVal}
		}
		return []reflect.Value{reply.Elem(), errVal}
	}), nil
}

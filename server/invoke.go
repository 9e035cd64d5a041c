package server

import (
	"context"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"mini-rmi/message"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// methodType describes a method that can be invoked remotely.
//
// Accepted shapes:
//
//	func (T) M([ctx context.Context,] args...) [R | error | (R, error) | (R1, R2, ..., error)]
type methodType struct {
	method     reflect.Method
	hasCtx     bool           // first parameter after the receiver is a context.Context
	argTypes   []reflect.Type // parameters after receiver and ctx
	returnsErr bool           // last result is an error
	numResults int            // results excluding the trailing error
}

type methodKey struct {
	typ  reflect.Type
	name string
}

// methodCache maps methodKey → *methodType. Misses are cached as nil.
var methodCache sync.Map

// NormalizeSelector maps a symbolic selector to a Go method name: the last dot-separated
// segment, cut at the first ':', with its first letter upper-cased.
//
//	"increment"        → "Increment"
//	"Counter.Add"      → "Add"
//	"incrementBy:"     → "IncrementBy"
//	"move:to:"         → "Move"
func NormalizeSelector(selector string) string {
	if i := strings.LastIndexByte(selector, '.'); i >= 0 {
		selector = selector[i+1:]
	}
	if i := strings.IndexByte(selector, ':'); i >= 0 {
		selector = selector[:i]
	}
	r, size := utf8.DecodeRuneInString(selector)
	if r == utf8.RuneError {
		return ""
	}
	return string(unicode.ToUpper(r)) + selector[size:]
}

func lookupMethod(typ reflect.Type, name string) *methodType {
	key := methodKey{typ: typ, name: name}
	if cached, ok := methodCache.Load(key); ok {
		return cached.(*methodType)
	}

	var mt *methodType
	if m, ok := typ.MethodByName(name); ok {
		ft := m.Type
		mt = &methodType{method: m}
		first := 1 // skip the receiver
		if ft.NumIn() > 1 && ft.In(1) == contextType {
			mt.hasCtx = true
			first = 2
		}
		for i := first; i < ft.NumIn(); i++ {
			mt.argTypes = append(mt.argTypes, ft.In(i))
		}
		mt.numResults = ft.NumOut()
		if n := ft.NumOut(); n > 0 && ft.Out(n-1) == errorType {
			mt.returnsErr = true
			mt.numResults--
		}
	}
	methodCache.Store(key, mt)
	return mt
}

// Invoke calls selector on target with the decoded arguments and marshals the result.
// Every failure, including a panic inside the target, is a TargetInvocationFailed *message.Error
// unless the target itself returned a *message.Error.
func Invoke(ctx context.Context, target any, selector string, args []message.Value) (message.Value, error) {
	out, err := call(ctx, target, selector, args)
	if err != nil {
		return message.Value{}, err
	}
	return encodeResults(out)
}

// call invokes the method and returns its results without the trailing error.
func call(ctx context.Context, target any, selector string, args []message.Value) (out []reflect.Value, err error) {
	rcvr := reflect.ValueOf(target)
	name := NormalizeSelector(selector)
	mt := lookupMethod(rcvr.Type(), name)
	if name == "" || mt == nil {
		return nil, message.Errorf(message.KindTargetInvocationFailed,
			"%s does not respond to %q", rcvr.Type(), selector)
	}

	in, err := mt.prepareArgs(ctx, rcvr, args)
	if err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{
				Err:   message.Errorf(message.KindTargetInvocationFailed, "%s.%s panicked: %v", rcvr.Type(), name, p),
				Value: p,
				Stack: debug.Stack(),
			}
		}
	}()
	out = mt.method.Func.Call(in)

	if mt.returnsErr {
		if errV := out[len(out)-1]; !errV.IsNil() {
			callErr := errV.Interface().(error)
			if message.KindOf(callErr) != "" {
				return nil, callErr
			}
			return nil, message.Errorf(message.KindTargetInvocationFailed, "%v", callErr)
		}
		out = out[:len(out)-1]
	}
	return out, nil
}

func (mt *methodType) prepareArgs(ctx context.Context, rcvr reflect.Value, args []message.Value) ([]reflect.Value, error) {
	variadic := mt.method.Type.IsVariadic()
	fixed := len(mt.argTypes)
	if variadic {
		fixed--
	}
	if len(args) < fixed || (!variadic && len(args) > fixed) {
		return nil, message.Errorf(message.KindTargetInvocationFailed,
			"%s expects %d argument(s), got %d", mt.method.Name, fixed, len(args))
	}

	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, rcvr)
	if mt.hasCtx {
		in = append(in, reflect.ValueOf(&ctx).Elem())
	}
	for i, arg := range args {
		var t reflect.Type
		if variadic && i >= fixed {
			t = mt.argTypes[fixed].Elem()
		} else {
			t = mt.argTypes[i]
		}
		v, err := message.DecodeAs(arg, t)
		if err != nil {
			return nil, message.Errorf(message.KindTargetInvocationFailed, "%s argument %d: %v", mt.method.Name, i, err)
		}
		in = append(in, v)
	}
	return in, nil
}

// encodeResults maps the non-error results to one value: none is void, one is itself,
// several become an array.
func encodeResults(out []reflect.Value) (message.Value, error) {
	var (
		v   message.Value
		err error
	)
	switch len(out) {
	case 0:
		return message.Value{Tag: message.TagVoid}, nil
	case 1:
		v, err = message.EncodeValue(out[0].Interface())
	default:
		values := make([]any, len(out))
		for i, o := range out {
			values[i] = o.Interface()
		}
		v, err = message.EncodeValue(values)
	}
	if err != nil {
		return message.Value{}, message.Errorf(message.KindTargetInvocationFailed, "result: %v", err)
	}
	return v, nil
}

// PanicError is returned by Invoke when the target panicked. It unwraps to a
// TargetInvocationFailed *message.Error.
type PanicError struct {
	Err   *message.Error
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return e.Err.Error()
}

func (e *PanicError) Unwrap() error {
	return e.Err
}

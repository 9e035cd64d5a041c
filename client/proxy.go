package client

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"mini-rmi/message"
)

// Invoker sends invocations and tracks their replies. *Caller implements it.
type Invoker interface {
	Go(ctx context.Context, req *message.Envelope, reply any, done chan *Call) *Call
}

// Proxy stands in for one remote object: a registered name, or whatever a class accessor
// returns. It holds no service state, so one Proxy may be used from many goroutines and
// every call is an independent round trip.
type Proxy struct {
	class      string
	resolution message.Resolution
	invoker    Invoker
}

// NewProxy binds a proxy to a target. It fails only on malformed identifiers: a resolution
// without exactly one variant, or an accessor resolution without a class.
func NewProxy(class string, res message.Resolution, invoker Invoker) (*Proxy, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	if res.IsAccessor() && class == "" {
		return nil, message.Errorf(message.KindDecode, "accessor %q needs a target class", res.Accessor)
	}
	if invoker == nil {
		return nil, errors.New("rmi: nil invoker")
	}
	return &Proxy{class: class, resolution: res, invoker: invoker}, nil
}

func (p *Proxy) Class() string {
	return p.class
}

func (p *Proxy) Resolution() message.Resolution {
	return p.resolution
}

// Go starts selector asynchronously. reply is a pointer the result is decoded into, or nil
// for methods whose result is ignored.
func (p *Proxy) Go(ctx context.Context, selector string, reply any, args ...any) *Call {
	returnTag := message.TagVoid
	if reply != nil {
		rt := reflect.TypeOf(reply)
		if rt.Kind() != reflect.Pointer {
			return failedCall(selector, fmt.Errorf("rmi: reply for %s must be a pointer, got %s", selector, rt))
		}
		if returnTag = message.TagForType(rt.Elem()); returnTag == "" {
			return failedCall(selector, fmt.Errorf("rmi: unsupported reply type %s for %s", rt, selector))
		}
	}
	req, err := p.request(selector, returnTag, args)
	if err != nil {
		return failedCall(selector, err)
	}
	return p.invoker.Go(ctx, req, reply, nil)
}

// Call invokes selector and blocks until the reply, decoding the result into reply.
func (p *Proxy) Call(ctx context.Context, selector string, reply any, args ...any) error {
	call := <-p.Go(ctx, selector, reply, args...).Done
	return call.Error
}

// Invoke is the generic entry point: any selector, any arguments, and a result decoded to
// its canonical Go form (see message.Value.Any).
func (p *Proxy) Invoke(ctx context.Context, selector string, args ...any) (any, error) {
	req, err := p.request(selector, message.TagAny, args)
	if err != nil {
		return nil, err
	}
	call := <-p.invoker.Go(ctx, req, nil, nil).Done
	return call.Result, call.Error
}

func (p *Proxy) request(selector string, returnTag message.TypeTag, args []any) (*message.Envelope, error) {
	if selector == "" {
		return nil, errors.New("rmi: empty selector")
	}
	values := make([]message.Value, len(args))
	for i, arg := range args {
		v, err := message.EncodeValue(arg)
		if err != nil {
			return nil, fmt.Errorf("rmi: argument %d of %s: %w", i, selector, err)
		}
		values[i] = v
	}
	res := p.resolution
	return &message.Envelope{
		Type:          message.TypeInvoke,
		Version:       message.ProtocolVersion,
		TargetClass:   p.class,
		Resolution:    &res,
		Selector:      selector,
		Arguments:     values,
		ReturnTypeTag: returnTag,
	}, nil
}

func failedCall(selector string, err error) *Call {
	call := &Call{Selector: selector, Error: err, Done: make(chan *Call, 1)}
	call.Done <- call
	return call
}

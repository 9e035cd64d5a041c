package server

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-rmi/codec"
	"mini-rmi/discovery"
	"mini-rmi/message"
	"mini-rmi/peer"
	"mini-rmi/registry"
)

type Counter struct {
	mu    sync.Mutex
	value int
}

func (c *Counter) Increment() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
}

func (c *Counter) IncrementBy(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += n
	return c.value
}

func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *Counter) Sum(base int, rest ...int) int {
	for _, n := range rest {
		base += n
	}
	return base
}

func (c *Counter) Split() (int, string) {
	return c.Value(), "units"
}

func (c *Counter) Fail() error {
	return errors.New("counter is broken")
}

func (c *Counter) Missing() error {
	return message.Errorf(message.KindNotFound, "nothing here")
}

func (c *Counter) Explode() int {
	panic("kaboom")
}

func (c *Counter) Wait(ctx context.Context, d time.Duration) (string, error) {
	select {
	case <-time.After(d):
		return "done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type Clock struct {
	zone string
}

func (c *Clock) Zone() string {
	return c.zone
}

func newRegistry(t *testing.T) (*registry.Registry, *Counter) {
	t.Helper()
	reg := registry.New()
	counter := &Counter{}
	require.NoError(t, reg.Register("counter", counter))
	clock := &Clock{zone: "UTC"}
	require.NoError(t, reg.RegisterClass("Clock", map[string]registry.Accessor{
		"sharedInstance": func() (any, error) { return clock, nil },
		"broken":         func() (any, error) { return nil, errors.New("no clock") },
		"empty":          func() (any, error) { return nil, nil },
		"panicky":        func() (any, error) { panic("tick") },
	}))
	return reg, counter
}

func invoke(class string, res message.Resolution, selector string, args ...any) *message.Envelope {
	values := make([]message.Value, len(args))
	for i, a := range args {
		values[i], _ = message.EncodeValue(a)
	}
	return &message.Envelope{
		Type:          message.TypeInvoke,
		CorrelationID: "c-1",
		Version:       message.ProtocolVersion,
		TargetClass:   class,
		Resolution:    &res,
		Selector:      selector,
		Arguments:     values,
		ReturnTypeTag: message.TagAny,
	}
}

func TestDispatcherOutcomes(t *testing.T) {
	reg, _ := newRegistry(t)
	d := NewDispatcher(WithRegistry(reg))

	tests := []struct {
		name string
		req  *message.Envelope
		kind message.Kind // "" for a result
	}{
		{"named", invoke("", message.Named("counter"), "value"), ""},
		{"accessor", invoke("Clock", message.Accessor("sharedInstance"), "zone"), ""},
		{"unknown name", invoke("", message.Named("nope"), "value"), message.KindNotFound},
		{"unknown class", invoke("Calendar", message.Accessor("sharedInstance"), "zone"), message.KindUnknownClass},
		{"missing accessor", invoke("Clock", message.Accessor("defaultClock"), "zone"), message.KindAccessorFailed},
		{"accessor error", invoke("Clock", message.Accessor("broken"), "zone"), message.KindAccessorFailed},
		{"accessor nil", invoke("Clock", message.Accessor("empty"), "zone"), message.KindAccessorFailed},
		{"accessor panic", invoke("Clock", message.Accessor("panicky"), "zone"), message.KindAccessorFailed},
		{"unknown selector", invoke("", message.Named("counter"), "reset"), message.KindTargetInvocationFailed},
		{"wrong arity", invoke("", message.Named("counter"), "incrementBy:"), message.KindTargetInvocationFailed},
		{"wrong argument type", invoke("", message.Named("counter"), "incrementBy:", "two"), message.KindTargetInvocationFailed},
		{"target error", invoke("", message.Named("counter"), "fail"), message.KindTargetInvocationFailed},
		{"target classified error", invoke("", message.Named("counter"), "missing"), message.KindNotFound},
		{"target panic", invoke("", message.Named("counter"), "explode"), message.KindTargetInvocationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := d.Handle(context.Background(), tt.req)
			assert.Equal(t, "c-1", reply.CorrelationID)
			if tt.kind == "" {
				assert.Equal(t, message.TypeResult, reply.Type, reply.Message)
				return
			}
			assert.Equal(t, message.TypeError, reply.Type)
			assert.Equal(t, tt.kind, reply.Kind, reply.Message)
		})
	}
}

func TestDispatcherRejectsMalformed(t *testing.T) {
	d := NewDispatcher(WithRegistry(registry.New()))

	noResolution := invoke("", message.Named("counter"), "value")
	noResolution.Resolution = nil

	incompatible := invoke("", message.Named("counter"), "value")
	incompatible.Version = "2.0.0"

	notInvoke := message.NewResult("c-1", message.Null())

	badTag := invoke("", message.Named("counter"), "incrementBy:", 1)
	badTag.Arguments[0].Tag = "complex"

	for name, req := range map[string]*message.Envelope{
		"missing resolution":   noResolution,
		"incompatible version": incompatible,
		"reply envelope":       notInvoke,
		"unknown type tag":     badTag,
	} {
		t.Run(name, func(t *testing.T) {
			reply := d.Handle(context.Background(), req)
			assert.Equal(t, message.TypeError, reply.Type)
			assert.Equal(t, message.KindDecode, reply.Kind)
			assert.Equal(t, "c-1", reply.CorrelationID)
		})
	}
}

func TestInvokeShapes(t *testing.T) {
	counter := &Counter{value: 4}
	arg := func(v any) message.Value {
		val, err := message.EncodeValue(v)
		require.NoError(t, err)
		return val
	}

	v, err := Invoke(context.Background(), counter, "increment", nil)
	require.NoError(t, err)
	assert.Equal(t, message.TagVoid, v.Tag)
	assert.Equal(t, 5, counter.Value())

	v, err = Invoke(context.Background(), counter, "Counter.incrementBy:", []message.Value{arg(2)})
	require.NoError(t, err)
	assert.Equal(t, message.TagInt, v.Tag)
	assert.JSONEq(t, "7", string(v.Raw))

	v, err = Invoke(context.Background(), counter, "sum", []message.Value{arg(1), arg(2), arg(3)})
	require.NoError(t, err)
	assert.JSONEq(t, "6", string(v.Raw))

	v, err = Invoke(context.Background(), counter, "split", nil)
	require.NoError(t, err)
	assert.Equal(t, message.TagArray, v.Tag)
	assert.JSONEq(t, `[7, "units"]`, string(v.Raw))

	v, err = Invoke(context.Background(), counter, "wait:", []message.Value{arg(time.Millisecond)})
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(v.Raw))

	_, err = Invoke(context.Background(), counter, "explode", nil)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.ErrorIs(t, err, message.ErrTargetInvocationFailed)
}

func TestNormalizeSelector(t *testing.T) {
	tests := map[string]string{
		"increment":     "Increment",
		"Counter.Add":   "Add",
		"incrementBy:":  "IncrementBy",
		"move:to:":      "Move",
		"":              "",
		"Value":         "Value",
		"pkg.Type.name": "Name",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeSelector(in), in)
	}
}

func TestDispatcherHandleIncoming(t *testing.T) {
	reg, _ := newRegistry(t)
	d := NewDispatcher(WithRegistry(reg))

	var got *message.Envelope
	d.HandleIncoming(context.Background(), invoke("", message.Named("counter"), "value"), replierFunc(
		func(_ context.Context, reply *message.Envelope) error {
			got = reply
			return nil
		}))
	require.NotNil(t, got)
	assert.Equal(t, message.TypeResult, got.Type)
}

func TestDispatcherVoidReturn(t *testing.T) {
	reg, counter := newRegistry(t)
	d := NewDispatcher(WithRegistry(reg))

	for _, selector := range []string{"increment", "value", "split"} {
		req := invoke("", message.Named("counter"), selector)
		req.ReturnTypeTag = message.TagVoid
		reply := d.Handle(context.Background(), req)
		require.Equal(t, message.TypeResult, reply.Type, selector)
		assert.Equal(t, message.TagVoid, reply.TypeTag, selector)
		assert.True(t, reply.Result().IsNull(), selector)
	}
	assert.Equal(t, 1, counter.Value())

	// Failures are still reported.
	req := invoke("", message.Named("counter"), "fail")
	req.ReturnTypeTag = message.TagVoid
	assert.Equal(t, message.KindTargetInvocationFailed, d.Handle(context.Background(), req).Kind)
}

type replierFunc func(ctx context.Context, reply *message.Envelope) error

func (f replierFunc) Reply(ctx context.Context, reply *message.Envelope) error {
	return f(ctx, reply)
}

func startTCP(t *testing.T, srv *Server) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(l) }()
	t.Cleanup(func() {
		_ = srv.Shutdown(time.Second)
		assert.NoError(t, <-served)
	})
	return l.Addr().String()
}

func exerciseCounter(t *testing.T, sess *peer.Session, counter *Counter) {
	t.Helper()
	proxy, err := sess.Proxy("", message.Named("counter"))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, proxy.Call(ctx, "increment", nil))
	}
	var v int
	require.NoError(t, proxy.Call(ctx, "value", &v))
	assert.Equal(t, 3, v)
	assert.Equal(t, 3, counter.Value())

	clock, err := sess.Proxy("Clock", message.Accessor("sharedInstance"))
	require.NoError(t, err)
	zone, err := clock.Invoke(ctx, "zone")
	require.NoError(t, err)
	assert.Equal(t, "UTC", zone)
}

func TestServerTCP(t *testing.T) {
	reg, counter := newRegistry(t)
	srv := NewServer(NewDispatcher(WithRegistry(reg)))
	addr := startTCP(t, srv)

	sess, err := peer.Dial(context.Background(), addr, nil)
	require.NoError(t, err)
	defer sess.Close()
	exerciseCounter(t, sess, counter)
	assert.Equal(t, 1, srv.Sessions())
}

func TestServerTCPBinaryCodec(t *testing.T) {
	reg, counter := newRegistry(t)
	srv := NewServer(NewDispatcher(WithRegistry(reg)))
	addr := startTCP(t, srv)

	sess, err := peer.Dial(context.Background(), addr, nil, peer.WithCodec(codec.CodecTypeBinary))
	require.NoError(t, err)
	defer sess.Close()
	exerciseCounter(t, sess, counter)
}

func TestServerWebSocket(t *testing.T) {
	reg, counter := newRegistry(t)
	srv := NewServer(NewDispatcher(WithRegistry(reg)))
	hs := httptest.NewServer(srv)
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	sess, err := peer.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer sess.Close()
	exerciseCounter(t, sess, counter)
	require.NoError(t, srv.Shutdown(time.Second))
}

func TestServerShutdownDrains(t *testing.T) {
	reg, _ := newRegistry(t)
	srv := NewServer(NewDispatcher(WithRegistry(reg)))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(l) }()

	sess, err := peer.Dial(context.Background(), l.Addr().String(), nil)
	require.NoError(t, err)
	defer sess.Close()
	proxy, err := sess.Proxy("", message.Named("counter"))
	require.NoError(t, err)

	var out string
	slow := proxy.Go(context.Background(), "wait:", &out, 100*time.Millisecond)
	require.Eventually(t, func() bool { return srv.Sessions() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, srv.Shutdown(2*time.Second))
	assert.NoError(t, <-served)

	call := <-slow.Done
	require.NoError(t, call.Error)
	assert.Equal(t, "done", out)

	// The session was closed after draining.
	err = proxy.Call(context.Background(), "value", nil)
	assert.ErrorIs(t, err, message.ErrConnectionLost)
}

func TestServerPublish(t *testing.T) {
	reg, _ := newRegistry(t)
	dir := discovery.NewMemoryDirectory()
	srv := NewServer(NewDispatcher(WithRegistry(reg)),
		WithDiscovery(dir, "counters", discovery.Instance{Addr: "127.0.0.1:7000", Weight: 2}, time.Second))

	require.NoError(t, srv.Publish(context.Background()))
	instances, err := dir.Discover(context.Background(), "counters")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, []string{"counter"}, instances[0].Objects)
	assert.Equal(t, message.ProtocolVersion, instances[0].Version)

	require.NoError(t, srv.Shutdown(time.Second))
	instances, err = dir.Discover(context.Background(), "counters")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

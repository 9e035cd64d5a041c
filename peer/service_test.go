package peer_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-rmi/discovery"
	"mini-rmi/loadbalance"
	"mini-rmi/message"
	"mini-rmi/peer"
	"mini-rmi/registry"
	"mini-rmi/server"
)

// startService serves a fresh counter on a loopback port and publishes it in dir.
func startService(tb testing.TB, dir discovery.Directory) (string, *Counter) {
	tb.Helper()
	reg := registry.New()
	counter := &Counter{}
	require.NoError(tb, reg.Register("counter", counter))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(tb, err)
	addr := l.Addr().String()
	srv := server.NewServer(server.NewDispatcher(server.WithRegistry(reg)),
		server.WithDiscovery(dir, "counters", discovery.Instance{Addr: addr, Weight: 1}, time.Second))
	go srv.Serve(l)
	require.NoError(tb, srv.Publish(context.Background()))
	tb.Cleanup(func() { srv.Shutdown(time.Second) })
	return addr, counter
}

func TestDialServiceRoundRobin(t *testing.T) {
	dir := discovery.NewMemoryDirectory()
	_, c1 := startService(t, dir)
	_, c2 := startService(t, dir)

	bal, err := loadbalance.New("round_robin")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		sess, err := peer.DialService(context.Background(), dir, bal, "counters", "counter", nil)
		require.NoError(t, err)
		proxy, err := sess.Proxy("", message.Named("counter"))
		require.NoError(t, err)
		require.NoError(t, proxy.Call(context.Background(), "increment", nil))
		sess.Close()
	}
	assert.Equal(t, 5, c1.Value())
	assert.Equal(t, 5, c2.Value())
}

func TestDialServiceConsistentHash(t *testing.T) {
	dir := discovery.NewMemoryDirectory()
	_, c1 := startService(t, dir)
	_, c2 := startService(t, dir)
	_, c3 := startService(t, dir)

	bal := loadbalance.NewConsistentHashBalancer()
	for i := 0; i < 6; i++ {
		sess, err := peer.DialService(context.Background(), dir, bal, "counters", "counter", nil)
		require.NoError(t, err)
		proxy, err := sess.Proxy("", message.Named("counter"))
		require.NoError(t, err)
		require.NoError(t, proxy.Call(context.Background(), "increment", nil))
		sess.Close()
	}
	// Every call for one key lands on the same instance.
	values := []int{c1.Value(), c2.Value(), c3.Value()}
	assert.ElementsMatch(t, []int{6, 0, 0}, values)
}

func TestDialServiceNoInstances(t *testing.T) {
	dir := discovery.NewMemoryDirectory()
	_, err := peer.DialService(context.Background(), dir, &loadbalance.RoundRobinBalancer{}, "counters", "", nil)
	assert.ErrorIs(t, err, loadbalance.ErrNoInstances)
}

func benchmarkSession(b *testing.B) *peer.Session {
	dir := discovery.NewMemoryDirectory()
	addr, _ := startService(b, dir)
	sess, err := peer.Dial(context.Background(), addr, nil)
	require.NoError(b, err)
	b.Cleanup(func() { sess.Close() })
	return sess
}

func BenchmarkSerialCall(b *testing.B) {
	proxy, err := benchmarkSession(b).Proxy("", message.Named("counter"))
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := proxy.Call(context.Background(), "incrementBy:", nil, 1); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkConcurrentCall(b *testing.B) {
	proxy, err := benchmarkSession(b).Proxy("", message.Named("counter"))
	require.NoError(b, err)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := proxy.Call(context.Background(), "incrementBy:", nil, 1); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

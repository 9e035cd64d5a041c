package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdDirectory keeps instances in etcd under
//
//	Key:   /mini-rmi/{service}/{addr}
//	Value: JSON-encoded Instance
//
// Each entry is attached to its own lease, renewed by KeepAlive until Deregister or Close.
type EtcdDirectory struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]etcdLease // key → lease
}

type etcdLease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdDirectory connects to the given endpoints.
func NewEtcdDirectory(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdDirectory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdDirectory{
		client: c,
		logger: logger,
		leases: make(map[string]etcdLease),
	}, nil
}

func etcdPrefix(service string) string {
	return "/" + keyPrefix + "/" + service + "/"
}

func (d *EtcdDirectory) Register(ctx context.Context, service string, instance Instance, ttl time.Duration) error {
	lease, err := d.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := etcdPrefix(service) + instance.Addr
	if _, err := d.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd put %s: %w", key, err)
	}

	// The keepalive outlives ctx; it stops on Deregister or Close.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := d.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("etcd keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		d.logger.Debug("etcd keepalive stopped", zap.String("key", key))
	}()

	d.mu.Lock()
	if old, ok := d.leases[key]; ok {
		old.cancel()
	}
	d.leases[key] = etcdLease{id: lease.ID, cancel: cancel}
	d.mu.Unlock()

	d.logger.Info("instance registered", zap.String("service", service), zap.String("addr", instance.Addr))
	return nil
}

func (d *EtcdDirectory) Deregister(ctx context.Context, service, addr string) error {
	key := etcdPrefix(service) + addr

	d.mu.Lock()
	lease, ok := d.leases[key]
	delete(d.leases, key)
	d.mu.Unlock()

	if ok {
		lease.cancel()
		if _, err := d.client.Revoke(ctx, lease.id); err != nil {
			d.logger.Warn("etcd revoke failed", zap.String("key", key), zap.Error(err))
		}
	}
	_, err := d.client.Delete(ctx, key)
	return err
}

func (d *EtcdDirectory) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := d.client.Get(ctx, etcdPrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			d.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-reads the whole prefix on every watch event.
func (d *EtcdDirectory) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		for range d.client.Watch(ctx, etcdPrefix(service), clientv3.WithPrefix()) {
			instances, err := d.Discover(ctx, service)
			if err != nil {
				d.logger.Warn("etcd discover after watch event failed", zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (d *EtcdDirectory) Close() error {
	d.mu.Lock()
	for key, lease := range d.leases {
		lease.cancel()
		delete(d.leases, key)
	}
	d.mu.Unlock()
	return d.client.Close()
}

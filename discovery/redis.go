package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisDirectory keeps each instance in an expiring key
//
//	mini-rmi:{service}:{addr} → JSON-encoded Instance
//
// and refreshes the expiry at a third of the TTL. Watch polls, since keyspace
// notifications are off by default on most Redis deployments.
type RedisDirectory struct {
	client       *redis.Client
	logger       *zap.Logger
	pollInterval time.Duration

	mu       sync.Mutex
	refreshs map[string]context.CancelFunc
}

func NewRedisDirectory(addr string, logger *zap.Logger) *RedisDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisDirectory{
		client:       redis.NewClient(&redis.Options{Addr: addr}),
		logger:       logger,
		pollInterval: 2 * time.Second,
		refreshs:     make(map[string]context.CancelFunc),
	}
}

func redisKey(service, addr string) string {
	return keyPrefix + ":" + service + ":" + addr
}

func redisPattern(service string) string {
	return keyPrefix + ":" + service + ":*"
}

func (d *RedisDirectory) Register(ctx context.Context, service string, instance Instance, ttl time.Duration) error {
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := redisKey(service, instance.Addr)
	if err := d.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	if old, ok := d.refreshs[key]; ok {
		old()
	}
	d.refreshs[key] = cancel
	d.mu.Unlock()

	go d.refresh(refreshCtx, key, val, ttl)
	d.logger.Info("instance registered", zap.String("service", service), zap.String("addr", instance.Addr))
	return nil
}

// refresh rewrites the key so it survives as long as the process does.
func (d *RedisDirectory) refresh(ctx context.Context, key string, val []byte, ttl time.Duration) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.client.Set(ctx, key, val, ttl).Err(); err != nil && ctx.Err() == nil {
				d.logger.Warn("redis refresh failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
}

func (d *RedisDirectory) Deregister(ctx context.Context, service, addr string) error {
	key := redisKey(service, addr)
	d.mu.Lock()
	if cancel, ok := d.refreshs[key]; ok {
		cancel()
		delete(d.refreshs, key)
	}
	d.mu.Unlock()
	return d.client.Del(ctx, key).Err()
}

func (d *RedisDirectory) Discover(ctx context.Context, service string) ([]Instance, error) {
	var keys []string
	iter := d.client.Scan(ctx, 0, redisPattern(service), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []Instance{}, nil
	}
	sort.Strings(keys)

	values, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	instances := make([]Instance, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var instance Instance
		if err := json.Unmarshal([]byte(s), &instance); err != nil {
			d.logger.Warn("skipping malformed instance", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch polls Discover and emits when the instance list changes.
func (d *RedisDirectory) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(d.pollInterval)
		defer ticker.Stop()
		var last []Instance
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			instances, err := d.Discover(ctx, service)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Warn("redis discover failed", zap.Error(err))
				}
				continue
			}
			if last != nil && reflect.DeepEqual(last, instances) {
				continue
			}
			last = instances
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (d *RedisDirectory) Close() error {
	d.mu.Lock()
	for key, cancel := range d.refreshs {
		cancel()
		delete(d.refreshs, key)
	}
	d.mu.Unlock()
	return d.client.Close()
}

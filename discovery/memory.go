package discovery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryDirectory is an in-process Directory. Entries never expire.
type MemoryDirectory struct {
	mu       sync.Mutex
	services map[string]map[string]Instance
	watchers map[string][]chan []Instance
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		services: make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (d *MemoryDirectory) Register(_ context.Context, service string, instance Instance, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.services[service] == nil {
		d.services[service] = make(map[string]Instance)
	}
	d.services[service][instance.Addr] = instance
	d.notify(service)
	return nil
}

func (d *MemoryDirectory) Deregister(_ context.Context, service, addr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.services[service], addr)
	d.notify(service)
	return nil
}

func (d *MemoryDirectory) Discover(_ context.Context, service string) ([]Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot(service), nil
}

func (d *MemoryDirectory) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	d.mu.Lock()
	d.watchers[service] = append(d.watchers[service], ch)
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		defer d.mu.Unlock()
		list := d.watchers[service]
		for i, w := range list {
			if w == ch {
				d.watchers[service] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (d *MemoryDirectory) Close() error {
	return nil
}

func (d *MemoryDirectory) snapshot(service string) []Instance {
	instances := make([]Instance, 0, len(d.services[service]))
	for _, inst := range d.services[service] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

// notify replaces any unread update with the latest list. Caller holds mu.
func (d *MemoryDirectory) notify(service string) {
	instances := d.snapshot(service)
	for _, ch := range d.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}

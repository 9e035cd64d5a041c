package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mini-rmi/registry"
)

// Counter is the demo object registered as "counter".
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

func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = 0
}

// Clock is reached through the Clock.sharedInstance accessor.
type Clock struct {
	location *time.Location
}

func (c *Clock) Now() time.Time {
	return time.Now().In(c.location)
}

func (c *Clock) Zone() string {
	return c.location.String()
}

// Sleep blocks for the given number of milliseconds, or until the caller goes away.
func (c *Clock) Sleep(ctx context.Context, ms int) (int, error) {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return ms, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func registerDemoObjects(reg *registry.Registry) error {
	if err := reg.Register("counter", &Counter{}); err != nil {
		return err
	}
	var (
		once   sync.Once
		shared *Clock
	)
	return reg.RegisterClass("Clock", map[string]registry.Accessor{
		"sharedInstance": func() (any, error) {
			once.Do(func() { shared = &Clock{location: time.Local} })
			return shared, nil
		},
		"utcClock": func() (any, error) {
			return &Clock{location: time.UTC}, nil
		},
		"zoneClock": func() (any, error) {
			return nil, fmt.Errorf("zoneClock needs a zone name")
		},
	})
}

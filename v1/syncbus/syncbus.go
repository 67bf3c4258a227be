// Package syncbus carries best-effort wake hints between processes. A hint
// says "something about key changed, look again"; it never carries state,
// so a lost or duplicated hint only costs latency. The lock uses it to cut
// a waiter's backoff sleep short when the holder releases.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus publishes and delivers hints keyed by string.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// Metrics counts hints published and delivered to local subscribers.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout is the subscriber registry shared by every Bus implementation.
// Delivery never blocks: a subscriber that has not drained its previous
// hint simply misses this one, which is fine for hints.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]chan struct{})}
}

// add registers ch and reports whether it is the first subscriber of key.
func (f *fanout) add(key string, ch chan struct{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[key] = append(f.subs[key], ch)
	return len(f.subs[key]) == 1
}

// remove drops ch and reports whether key has no subscribers left.
func (f *fanout) remove(key string, ch chan struct{}) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, key)
		return found, true
	}
	f.subs[key] = subs
	return found, false
}

func (f *fanout) deliver(key string) {
	f.mu.Lock()
	chans := append([]chan struct{}(nil), f.subs[key]...)
	f.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) metrics() Metrics {
	return Metrics{Published: f.published.Load(), Delivered: f.delivered.Load()}
}

// unsubscribeOnDone ties a subscription's lifetime to ctx.
func unsubscribeOnDone(ctx context.Context, b Bus, key string, ch chan struct{}) {
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
}

// InMemoryBus delivers hints within one process.
type InMemoryBus struct {
	*fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{fanout: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.deliver(key)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.add(key, ch)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics { return b.metrics() }

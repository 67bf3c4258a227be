package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	colinkerrors "github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/errors"
)

const (
	redisBusTimeout = 5 * time.Second
	redisHintPrefix = "colink:hint:"
)

var tracer = otel.Tracer("github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/syncbus")

// RedisBus implements Bus over Redis pub/sub. Every key maps to one channel
// and one PubSub connection shared by the local subscribers of that key.
type RedisBus struct {
	*fanout
	client *redis.Client

	// psMu serializes the first subscribe and last unsubscribe of a key.
	psMu sync.Mutex
	ps   map[string]*redis.PubSub
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{fanout: newFanout(), client: client, ps: make(map[string]*redis.PubSub)}
}

func timeoutErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return colinkerrors.ErrTimeout
	}
	return err
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("colink.bus.key", key)))
	defer span.End()
	if err := ctx.Err(); err != nil {
		return timeoutErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, redisHintPrefix+key, "1").Err(); err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			return colinkerrors.ErrConnectionClosed
		}
		return timeoutErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, timeoutErr(err)
	}
	ch := make(chan struct{}, 1)
	b.psMu.Lock()
	if b.add(key, ch) {
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.client.Subscribe(cctx, redisHintPrefix+key)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			b.remove(key, ch)
			b.psMu.Unlock()
			return nil, timeoutErr(err)
		}
		b.ps[key] = ps
		go b.dispatch(key, ps)
	}
	b.psMu.Unlock()
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(key string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.deliver(key)
	}
}

// Unsubscribe implements Bus.Unsubscribe. The channel subscription is
// dropped with the last local subscriber.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return timeoutErr(err)
	}
	b.psMu.Lock()
	found, last := b.remove(key, ch)
	var ps *redis.PubSub
	if found && last {
		ps = b.ps[key]
		delete(b.ps, key)
	}
	b.psMu.Unlock()
	if ps == nil {
		return nil
	}
	if err := ps.Close(); err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			return colinkerrors.ErrConnectionClosed
		}
		return err
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics { return b.metrics() }

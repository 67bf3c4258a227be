package syncbus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const natsHintPrefix = "colink.hint."

// NATSBus implements Bus using core NATS subjects.
type NATSBus struct {
	*fanout
	conn *nats.Conn

	subMu sync.Mutex
	subs  map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{fanout: newFanout(), conn: conn, subs: make(map[string]*nats.Subscription)}
}

// NATS subjects are dot separated tokens; colons and spaces in protocol keys
// are folded into a single token.
func natsSubject(key string) string {
	out := []byte(key)
	for i, c := range out {
		switch c {
		case '.', ' ', '*', '>':
			out[i] = '_'
		}
	}
	return natsHintPrefix + string(out)
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	_, span := tracer.Start(ctx, "NATSBus.Publish", trace.WithAttributes(attribute.String("colink.bus.key", key)))
	defer span.End()
	if err := ctx.Err(); err != nil {
		return timeoutErr(err)
	}
	if err := b.conn.Publish(natsSubject(key), nil); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, timeoutErr(err)
	}
	ch := make(chan struct{}, 1)
	b.subMu.Lock()
	if b.add(key, ch) {
		ns, err := b.conn.Subscribe(natsSubject(key), func(_ *nats.Msg) {
			b.deliver(key)
		})
		if err != nil {
			b.remove(key, ch)
			b.subMu.Unlock()
			return nil, err
		}
		b.subs[key] = ns
	}
	b.subMu.Unlock()
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.subMu.Lock()
	found, last := b.remove(key, ch)
	var ns *nats.Subscription
	if found && last {
		ns = b.subs[key]
		delete(b.subs, key)
	}
	b.subMu.Unlock()
	if ns == nil {
		return nil
	}
	return ns.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics { return b.metrics() }

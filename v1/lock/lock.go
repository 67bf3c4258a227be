package lock

import (
	"context"
	"encoding/binary"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
	colinkerrors "github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/errors"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/metrics"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/syncbus"
)

const (
	// DefaultRetryCap bounds the backoff sleep between attempts.
	DefaultRetryCap = 100 * time.Millisecond
	initialSleepCap = time.Millisecond
	keyPrefix       = "_lock:"
)

var tracer = otel.Tracer("github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/lock")

// Token proves ownership of an acquired lock. It is consumed by Release.
type Token struct {
	Key   string
	Nonce int32
}

// Locker acquires and releases locks in one user's namespace.
type Locker struct {
	svc core.Service
	bus syncbus.Bus
}

// Option configures a Locker.
type Option func(*Locker)

// WithBus publishes and listens for unlock hints on bus.
func WithBus(bus syncbus.Bus) Option {
	return func(l *Locker) { l.bus = bus }
}

// New returns a Locker storing locks through svc.
func New(svc core.Service, opts ...Option) *Locker {
	l := &Locker{svc: svc}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func hintKey(key string) string { return "unlock:" + key }

func encodeNonce(n int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(n))
	return b
}

// Acquire blocks until the lock on key is held or ctx is done. Failed
// attempts sleep a uniform random duration below a cap that starts at 1ms
// and doubles up to retryCap (DefaultRetryCap when zero). Storage errors
// are retried like contention.
func (l *Locker) Acquire(ctx context.Context, key string, retryCap time.Duration) (Token, error) {
	ctx, span := tracer.Start(ctx, "Locker.Acquire", trace.WithAttributes(attribute.String("colink.lock.key", key)))
	defer span.End()

	if retryCap <= 0 {
		retryCap = DefaultRetryCap
	}
	nonce := int32(rand.Uint32())
	value := encodeNonce(nonce)
	sleepCap := initialSleepCap
	if sleepCap > retryCap {
		sleepCap = retryCap
	}

	// The hint subscription lives exactly as long as this call.
	hintCtx, stopHints := context.WithCancel(ctx)
	defer stopHints()
	var hint chan struct{}
	subscribed := false

	attempts := 0
	for {
		attempts++
		_, err := l.svc.CreateEntry(ctx, keyPrefix+key, value)
		if err == nil {
			metrics.LockAcquireCounter.Inc()
			span.SetAttributes(attribute.Int("colink.lock.attempts", attempts))
			return Token{Key: key, Nonce: nonce}, nil
		}
		if ctx.Err() != nil {
			return Token{}, ctx.Err()
		}
		if !stdErrors.Is(err, colinkerrors.ErrAlreadyExists) {
			slog.Debug("colink: lock attempt failed", "key", key, "error", err)
		}
		metrics.LockRetryCounter.Inc()

		if l.bus != nil && !subscribed {
			subscribed = true
			if ch, err := l.bus.Subscribe(hintCtx, hintKey(key)); err == nil {
				hint = ch
			}
		}

		timer := time.NewTimer(time.Duration(rand.Int63n(int64(sleepCap))))
		select {
		case <-timer.C:
		case _, ok := <-hint:
			timer.Stop()
			if !ok {
				hint = nil
			}
		case <-ctx.Done():
			timer.Stop()
			return Token{}, ctx.Err()
		}
		sleepCap *= 2
		if sleepCap > retryCap {
			sleepCap = retryCap
		}
	}
}

// Release deletes the lock entry if it still holds tok's nonce. A mismatch
// returns ErrInvalidToken and leaves the entry untouched.
func (l *Locker) Release(ctx context.Context, tok Token) error {
	ctx, span := tracer.Start(ctx, "Locker.Release", trace.WithAttributes(attribute.String("colink.lock.key", tok.Key)))
	defer span.End()

	stored, err := l.svc.ReadEntry(ctx, keyPrefix+tok.Key)
	if err != nil {
		metrics.LockReleaseCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("unlock %s: %w", tok.Key, err)
	}
	if len(stored) != 4 || int32(binary.LittleEndian.Uint32(stored)) != tok.Nonce {
		metrics.LockReleaseCounter.WithLabelValues("invalid_token").Inc()
		return fmt.Errorf("unlock %s: %w", tok.Key, colinkerrors.ErrInvalidToken)
	}
	if _, err := l.svc.DeleteEntry(ctx, keyPrefix+tok.Key); err != nil {
		metrics.LockReleaseCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("unlock %s: %w", tok.Key, err)
	}
	metrics.LockReleaseCounter.WithLabelValues("ok").Inc()
	if l.bus != nil {
		if err := l.bus.Publish(ctx, hintKey(tok.Key)); err != nil {
			slog.Debug("colink: unlock hint not sent", "key", tok.Key, "error", err)
		}
	}
	return nil
}

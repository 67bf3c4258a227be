package core

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	colinkerrors "github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/errors"
)

type redisQueue struct {
	client    *redis.Client
	stream    string
	consumer  string
	claimIdle time.Duration
	lastClaim time.Time
	closed    atomic.Bool
}

// Next blocks until a delivery is available. Deliveries left unacked by a
// dead consumer for longer than the claim idle time are picked up first.
func (q *redisQueue) Next(ctx context.Context) (*Delivery, error) {
	for {
		if q.closed.Load() {
			return nil, colinkerrors.ErrConnectionClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d := q.claim(ctx); d != nil {
			return d, nil
		}
		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    queueBlock,
		}).Result()
		if stdErrors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if strings.Contains(err.Error(), "NOGROUP") {
				return nil, colinkerrors.ErrConnectionClosed
			}
			if stdErrors.Is(err, redis.ErrClosed) {
				return nil, colinkerrors.ErrConnectionClosed
			}
			return nil, fmt.Errorf("queue %s: %w", q.stream, err)
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				return q.delivery(msg), nil
			}
		}
	}
}

func (q *redisQueue) claim(ctx context.Context) *Delivery {
	if time.Since(q.lastClaim) < q.claimIdle/2 {
		return nil
	}
	q.lastClaim = time.Now()
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    consumerGroup,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    1,
		Consumer: q.consumer,
	}).Result()
	if err != nil {
		if !stdErrors.Is(err, redis.Nil) && ctx.Err() == nil {
			slog.Warn("colink: reclaim pending deliveries failed", "queue", q.stream, "error", err)
		}
		return nil
	}
	if len(msgs) == 0 {
		return nil
	}
	return q.delivery(msgs[0])
}

func (q *redisQueue) delivery(msg redis.XMessage) *Delivery {
	str := func(k string) string {
		s, _ := msg.Values[k].(string)
		return s
	}
	ts, _ := strconv.ParseInt(str("ts"), 10, 64)
	id := msg.ID
	return &Delivery{
		Notification: Notification{
			Type:      ChangeType(str("t")),
			Payload:   []byte(str("p")),
			Timestamp: ts,
			KeyPath:   str("k"),
		},
		ack: func(ctx context.Context) error {
			pipe := q.client.TxPipeline()
			pipe.XAck(ctx, q.stream, consumerGroup, id)
			pipe.XDel(ctx, q.stream, id)
			_, err := pipe.Exec(ctx)
			return err
		},
		touch: func(ctx context.Context) error {
			return q.client.XClaimJustID(ctx, &redis.XClaimArgs{
				Stream:   q.stream,
				Group:    consumerGroup,
				Consumer: q.consumer,
				Messages: []string{id},
			}).Err()
		},
		touchEvery: q.claimIdle / 3,
	}
}

// Close releases the consumer. The queue itself stays registered until
// Unsubscribe.
func (q *redisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

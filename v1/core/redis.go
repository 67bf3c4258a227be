package core

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	colinkerrors "github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/errors"
)

const (
	consumerGroup    = "colink"
	defaultClaimIdle = 30 * time.Second
	queueBlock       = time.Second
)

// Redis implements Service on top of a Redis deployment shared by all users.
type Redis struct {
	client    *redis.Client
	user      string
	claimIdle time.Duration
}

// RedisOption configures a Redis service.
type RedisOption func(*Redis)

// WithClaimIdle sets how long a delivery may stay unacked before another
// consumer of the same queue reclaims it.
func WithClaimIdle(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.claimIdle = d
		}
	}
}

// NewRedis returns a Service acting as userID.
func NewRedis(client *redis.Client, userID string, opts ...RedisOption) *Redis {
	r := &Redis{client: client, user: userID, claimIdle: defaultClaimIdle}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dial connects to the core at addr and authenticates with a user JWT.
// addr is either a redis:// URL or host:port.
func Dial(ctx context.Context, addr, jwt string, opts ...RedisOption) (*Redis, error) {
	userID, err := UserIDFromJWT(jwt)
	if err != nil {
		return nil, err
	}
	var ropts *redis.Options
	if strings.Contains(addr, "://") {
		ropts, err = redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse core addr: %w", err)
		}
	} else {
		ropts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect core: %w", err)
	}
	return NewRedis(client, userID, opts...), nil
}

// AsUser returns a Service sharing the connection but acting as userID.
func (r *Redis) AsUser(userID string) *Redis {
	return &Redis{client: r.client, user: userID, claimIdle: r.claimIdle}
}

// Client exposes the underlying Redis client.
func (r *Redis) Client() *redis.Client { return r.client }

// UserID implements Service.UserID.
func (r *Redis) UserID() string { return r.user }

func (r *Redis) ns(user, key string) string { return user + "::" + key }

func indexKey(user string) string { return "colink:index:" + user }

func (r *Redis) write(ctx context.Context, user, mode, key string, payload []byte) (int64, error) {
	res, err := writeScript.Run(ctx, r.client, nil, mode, r.ns(user, key), key, payload, indexKey(user)).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", mode, key, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("%s %s: unexpected reply %v", mode, key, res)
	}
	ts, _ := strconv.ParseInt(res[1], 10, 64)
	switch res[0] {
	case "exists":
		return 0, fmt.Errorf("%s: %w", key, colinkerrors.ErrAlreadyExists)
	case "notfound":
		return 0, &NotFoundError{Key: key, Timestamp: ts}
	}
	return ts, nil
}

// CreateEntry implements Service.CreateEntry. It fails with ErrAlreadyExists
// when the key holds a live entry.
func (r *Redis) CreateEntry(ctx context.Context, key string, payload []byte) (string, error) {
	ts, err := r.write(ctx, r.user, string(ChangeCreate), key, payload)
	if err != nil {
		return "", err
	}
	return KeyPath(r.user, key, ts), nil
}

// UpdateEntry implements Service.UpdateEntry. Missing keys are created.
func (r *Redis) UpdateEntry(ctx context.Context, key string, payload []byte) (string, error) {
	ts, err := r.write(ctx, r.user, string(ChangeUpdate), key, payload)
	if err != nil {
		return "", err
	}
	return KeyPath(r.user, key, ts), nil
}

// DeleteEntry implements Service.DeleteEntry.
func (r *Redis) DeleteEntry(ctx context.Context, key string) (string, error) {
	ts, err := r.write(ctx, r.user, string(ChangeDelete), key, nil)
	if err != nil {
		return "", err
	}
	return KeyPath(r.user, key, ts), nil
}

// ReadEntry implements Service.ReadEntry. A key containing "::" is read as
// a key path, returning that historical version.
func (r *Redis) ReadEntry(ctx context.Context, key string) ([]byte, error) {
	if strings.Contains(key, "::") {
		v, err := r.client.Get(ctx, "colink:kv:"+key).Bytes()
		if stdErrors.Is(err, redis.Nil) {
			return nil, &NotFoundError{Key: key}
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		return v, nil
	}
	ns := r.ns(r.user, key)
	vals, err := r.client.MGet(ctx, "colink:kv:"+ns, "colink:ts:"+ns).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if vals[0] == nil {
		nf := &NotFoundError{Key: key}
		if s, ok := vals[1].(string); ok {
			nf.Timestamp, _ = strconv.ParseInt(s, 10, 64)
		}
		return nil, nf
	}
	s, _ := vals[0].(string)
	return []byte(s), nil
}

// ReadKeys implements Service.ReadKeys. It returns the live entries whose
// key name lies under prefix ("prefix:..."), sorted by key path. With
// includeHistory every stored version is returned.
func (r *Redis) ReadKeys(ctx context.Context, prefix string, includeHistory bool) ([]Entry, error) {
	names, err := r.client.SMembers(ctx, indexKey(r.user)).Result()
	if err != nil {
		return nil, fmt.Errorf("read keys %s: %w", prefix, err)
	}
	var matched []string
	for _, n := range names {
		if strings.HasPrefix(n, prefix+":") {
			matched = append(matched, n)
		}
	}
	var out []Entry
	for _, name := range matched {
		ns := r.ns(r.user, name)
		if includeHistory {
			msgs, err := r.client.XRange(ctx, "colink:log:"+ns, "-", "+").Result()
			if err != nil {
				return nil, fmt.Errorf("read keys %s: %w", prefix, err)
			}
			for _, m := range msgs {
				if m.Values["t"] == string(ChangeDelete) {
					continue
				}
				ts := strings.SplitN(m.ID, "-", 2)[0]
				p, _ := m.Values["p"].(string)
				out = append(out, Entry{KeyName: name, KeyPath: ns + "@" + ts, Payload: []byte(p)})
			}
			continue
		}
		vals, err := r.client.MGet(ctx, "colink:kv:"+ns, "colink:ts:"+ns).Result()
		if err != nil {
			return nil, fmt.Errorf("read keys %s: %w", prefix, err)
		}
		if vals[0] == nil {
			continue
		}
		p, _ := vals[0].(string)
		ts, _ := vals[1].(string)
		out = append(out, Entry{KeyName: name, KeyPath: ns + "@" + ts, Payload: []byte(p)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyPath < out[j].KeyPath })
	return out, nil
}

// Subscribe implements Service.Subscribe.
func (r *Redis) Subscribe(ctx context.Context, key string, start int64) (string, error) {
	queue := uuid.NewString()
	if start < 0 {
		start = StartNow
	}
	_, err := subscribeScript.Run(ctx, r.client, nil, r.ns(r.user, key), queue, strconv.FormatInt(start, 10)).Result()
	if err != nil {
		return "", fmt.Errorf("subscribe %s: %w", key, err)
	}
	return queue, nil
}

// Unsubscribe implements Service.Unsubscribe.
func (r *Redis) Unsubscribe(ctx context.Context, queue string) error {
	if err := unsubscribeScript.Run(ctx, r.client, nil, queue).Err(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", queue, err)
	}
	return nil
}

// OpenQueue implements Service.OpenQueue. Every open queue handle is a
// separate consumer of the queue's consumer group, so several processes can
// share a queue and each delivery goes to exactly one of them.
func (r *Redis) OpenQueue(ctx context.Context, queue string) (Queue, error) {
	stream := "colink:mq:" + queue
	n, err := r.client.Exists(ctx, stream).Result()
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", queue, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("open queue %s: %w", queue, colinkerrors.ErrNotFound)
	}
	return &redisQueue{
		client:    r.client,
		stream:    stream,
		consumer:  uuid.NewString(),
		claimIdle: r.claimIdle,
	}, nil
}

// RequestInfo implements Service.RequestInfo.
func (r *Redis) RequestInfo(ctx context.Context) (Info, error) {
	if err := r.client.Ping(ctx).Err(); err != nil {
		if stdErrors.Is(err, redis.ErrClosed) {
			return Info{}, colinkerrors.ErrConnectionClosed
		}
		return Info{}, err
	}
	opts := r.client.Options()
	return Info{MQURI: "redis://" + opts.Addr}, nil
}

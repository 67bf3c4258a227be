// Package colinktest provides an in-process core for tests: every user
// lives in its own namespace of one miniredis instance.
package colinktest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/colink"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
)

// Core is an instant core shared by the users of one test.
type Core struct {
	Server *miniredis.Miniredis
	client *redis.Client
	opts   []core.RedisOption
}

// New starts a core that is torn down with t.
func New(t testing.TB, opts ...core.RedisOption) *Core {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return &Core{Server: mr, client: client, opts: opts}
}

// Addr is the core address accepted by core.Dial.
func (c *Core) Addr() string { return c.Server.Addr() }

// Client is the Redis client every user of this core shares.
func (c *Core) Client() *redis.Client { return c.client }

// Service returns the core service of user.
func (c *Core) Service(user string) *core.Redis {
	return core.NewRedis(c.client, user, c.opts...)
}

// JWT issues a token core.Dial accepts for user.
func (c *Core) JWT(t testing.TB, user string) string {
	t.Helper()
	token, err := core.IssueUserJWT(user, []byte("colinktest"), time.Hour)
	if err != nil {
		t.Fatalf("issue jwt: %v", err)
	}
	return token
}

// NewUser returns a handle for user, closed with t.
func (c *Core) NewUser(t testing.TB, user string, opts ...colink.Option) *colink.CoLink {
	t.Helper()
	cl, err := colink.New(c.Service(user), opts...)
	if err != nil {
		t.Fatalf("new user %s: %v", user, err)
	}
	t.Cleanup(func() { _ = cl.Close(context.Background()) })
	return cl
}

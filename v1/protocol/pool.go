package protocol

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/colink"
	colinkerrors "github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/errors"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/remotestorage"
)

const (
	// DefaultLivenessInterval is the mean delay between core health checks.
	DefaultLivenessInterval = 5 * time.Second
	livenessFailures        = 3
)

// ErrCoreUnreachable ends a pool whose liveness checks kept failing.
var ErrCoreUnreachable = fmt.Errorf("core unreachable: %w", colinkerrors.ErrConnectionClosed)

// Pool runs one Runner per registered protocol-and-role.
type Pool struct {
	cl        *colink.CoLink
	handlers  map[string]Handler
	logger    *slog.Logger
	keepAlive bool
	interval  time.Duration
	builtins  bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used by the pool and its runners.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithKeepAliveWhenDisconnected disables liveness checks, so the pool keeps
// running while the core is unreachable.
func WithKeepAliveWhenDisconnected(keep bool) Option {
	return func(p *Pool) { p.keepAlive = keep }
}

// WithLivenessInterval sets the mean delay between health checks.
func WithLivenessInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithoutBuiltins leaves out the remote_storage operators.
func WithoutBuiltins() Option {
	return func(p *Pool) { p.builtins = false }
}

// NewPool returns a pool serving handlers, keyed by "{protocol}:{role}".
// Roles named InitRole run once per protocol before any worker starts.
func NewPool(cl *colink.CoLink, handlers map[string]Handler, opts ...Option) *Pool {
	p := &Pool{
		cl:       cl,
		handlers: make(map[string]Handler, len(handlers)),
		logger:   slog.Default(),
		interval: DefaultLivenessInterval,
		builtins: true,
	}
	for k, h := range handlers {
		p.handlers[k] = h
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.builtins {
		for k, fn := range remotestorage.Operators() {
			if _, ok := p.handlers[k]; !ok {
				p.handlers[k] = HandlerFunc(fn)
			}
		}
	}
	return p
}

func splitProtocolAndRole(s string) (string, string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

// Run initializes every protocol with an init handler, then serves all
// runners until ctx is done or the core stays unreachable. A runner that
// stops on its own is logged; the others keep serving. Cancellation is
// cooperative: Run returns once every in-flight task has finished.
func (p *Pool) Run(ctx context.Context) error {
	workers := make(map[string]Handler)
	inits := make(map[string]Handler)
	for k, h := range p.handlers {
		protocol, role := splitProtocolAndRole(k)
		if role == InitRole {
			inits[protocol] = h
			continue
		}
		workers[k] = h
	}
	for protocol, h := range inits {
		if err := p.initProtocol(ctx, protocol, h); err != nil {
			p.logger.Error("colink: protocol init failed, not serving it", "protocol", protocol, "error", err)
			for k := range workers {
				if pr, _ := splitProtocolAndRole(k); pr == protocol {
					delete(workers, k)
				}
			}
		}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !p.keepAlive {
		go p.liveness(ctx, cancel)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for k, h := range workers {
		k := k
		r, err := NewRunner(k, p.cl, h, p.logger)
		if err != nil {
			p.logger.Error("colink: invalid operator", "operator", k, "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				p.logger.Error("colink: operator stopped", "operator", k, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", k, err))
				mu.Unlock()
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	if cause := context.Cause(ctx); stdErrors.Is(cause, ErrCoreUnreachable) {
		return cause
	}
	return stdErrors.Join(errs...)
}

func initKey(protocol string) string {
	return "_internal:protocols:" + protocol + ":_is_initialized"
}

// initProtocol runs h once across every process of this user.
func (p *Pool) initProtocol(ctx context.Context, protocol string, h Handler) (err error) {
	key := initKey(protocol)
	tok, err := p.cl.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := p.cl.Unlock(context.WithoutCancel(ctx), tok); uerr != nil && err == nil {
			err = uerr
		}
	}()
	if v, err := p.cl.ReadEntry(ctx, key); err == nil && len(v) > 0 && v[0] == 1 {
		return nil
	}
	if err := p.runInit(ctx, h); err != nil {
		return err
	}
	_, err = p.cl.UpdateEntry(ctx, key, []byte{1})
	return err
}

func (p *Pool) runInit(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Start(ctx, p.cl, nil, nil)
}

// liveness polls the core every interval ±25% and cancels the pool after
// three consecutive failures.
func (p *Pool) liveness(ctx context.Context, cancel context.CancelCauseFunc) {
	svc := p.cl.Service()
	failures := 0
	for {
		jitter := time.Duration(rand.Int63n(int64(p.interval)/2+1)) - p.interval/4
		timer := time.NewTimer(p.interval + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		cctx, c := context.WithTimeout(ctx, p.interval)
		_, err := svc.RequestInfo(cctx)
		c()
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		p.logger.Warn("colink: core health check failed", "failures", failures, "error", err)
		if failures >= livenessFailures {
			cancel(ErrCoreUnreachable)
			return
		}
	}
}

// Package app wires a protocol operator process together: configuration,
// logging, tracing, metrics, the core connection and the hint bus.
package app

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/colink"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/config"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/core"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/metrics"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/protocol"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/syncbus"
)

const shutdownTimeout = 10 * time.Second

// Runtime is a started operator process.
type Runtime struct {
	Config   config.RunnerConfig
	Logger   *slog.Logger
	Service  *core.Redis
	CoLink   *colink.CoLink
	Registry *prometheus.Registry

	closers []func(context.Context) error
}

// Start connects to the core described by cfg and sets up the ambient
// services. Close releases them.
func Start(ctx context.Context, cfg config.RunnerConfig) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: cfg.Logger(os.Stderr)}
	slog.SetDefault(rt.Logger)
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close(context.Background())
		}
	}()

	if cfg.TraceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		rt.closers = append(rt.closers, tp.Shutdown)
	}

	svc, err := core.Dial(ctx, cfg.CoreAddr, cfg.JWT)
	if err != nil {
		return nil, fmt.Errorf("connect core: %w", err)
	}
	rt.Service = svc
	rt.closers = append(rt.closers, func(context.Context) error { return svc.Client().Close() })

	bus, err := rt.hintBus(svc)
	if err != nil {
		return nil, err
	}
	opts := []colink.Option{colink.WithLockRetryCap(cfg.LockRetryCap)}
	if bus != nil {
		opts = append(opts, colink.WithBus(syncbus.NewCircuitBreaker(bus, 3, 30*time.Second)))
	}
	if cfg.PublicAddr != "" {
		opts = append(opts, colink.WithPublicAddr(cfg.PublicAddr), colink.WithInboxListenAddr(cfg.InboxListen))
	}
	cl, err := colink.New(svc, opts...)
	if err != nil {
		return nil, err
	}
	rt.CoLink = cl
	rt.closers = append(rt.closers, cl.Close)

	rt.Registry = metrics.NewRegistry()
	metrics.RegisterCoreMetrics(rt.Registry)
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))
		rt.ListenAndServe(cfg.MetricsListen, mux)
	}
	ok = true
	rt.Logger.Info("colink: connected", "user_id", svc.UserID(), "core", cfg.CoreAddr)
	return rt, nil
}

func (rt *Runtime) hintBus(svc *core.Redis) (syncbus.Bus, error) {
	switch rt.Config.HintBus {
	case "", "redis":
		return syncbus.NewRedisBus(svc.Client()), nil
	case "nats":
		nc, err := nats.Connect(rt.Config.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		rt.closers = append(rt.closers, func(context.Context) error { nc.Close(); return nil })
		return syncbus.NewNATSBus(nc), nil
	case "kafka":
		bus, err := syncbus.NewKafkaBus(rt.Config.KafkaBrokers, rt.Config.KafkaTopic, sarama.NewConfig())
		if err != nil {
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		rt.closers = append(rt.closers, func(context.Context) error { bus.Close(); return nil })
		return bus, nil
	default:
		return nil, nil
	}
}

// ListenAndServe serves h on addr until the runtime is closed.
func (rt *Runtime) ListenAndServe(addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			rt.Logger.Error("colink: http server stopped", "addr", addr, "error", err)
		}
	}()
	rt.closers = append(rt.closers, srv.Shutdown)
	rt.Logger.Info("colink: serving http", "addr", addr)
}

// Serve runs a protocol pool with handlers until ctx is done.
func (rt *Runtime) Serve(ctx context.Context, handlers map[string]protocol.Handler, opts ...protocol.Option) error {
	opts = append([]protocol.Option{
		protocol.WithLogger(rt.Logger),
		protocol.WithKeepAliveWhenDisconnected(rt.Config.KeepAliveWhenDisconnected),
		protocol.WithLivenessInterval(rt.Config.LivenessInterval),
	}, opts...)
	return protocol.NewPool(rt.CoLink, handlers, opts...).Run(ctx)
}

// Close releases everything Start set up, last first.
func (rt *Runtime) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return stdErrors.Join(errs...)
}

// WithSignalCancel returns a context cancelled on SIGINT or SIGTERM.
func WithSignalCancel(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// Main runs an operator process serving handlers and exits. It is the
// entry point of protocol operator binaries.
func Main(name string, handlers map[string]protocol.Handler) {
	cmd := &cobra.Command{
		Use:           name,
		Short:         "CoLink protocol operator " + name,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, cancel := WithSignalCancel(cmd.Context())
			defer cancel()
			rt, err := Start(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close(context.Background()) }()
			rt.Logger.Info("colink: operator started", "operators", len(handlers))
			err = rt.Serve(ctx, handlers)
			rt.Logger.Info("colink: operator exiting")
			return err
		},
	}
	config.BindFlags(cmd.Flags())
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// Package config loads the settings of a protocol operator process from
// flags, COLINK_* environment variables and an optional config file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	colinkerrors "github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/errors"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/lock"
	"github.com/CoLearn-Dev/colink-sdk-rust-dev/v1/protocol"
)

// EnvPrefix prefixes every environment variable, e.g. COLINK_ADDR.
const EnvPrefix = "COLINK"

// RunnerConfig is everything an operator process needs at startup.
type RunnerConfig struct {
	CoreAddr                  string
	JWT                       string
	PublicAddr                string
	InboxListen               string
	KeepAliveWhenDisconnected bool
	LivenessInterval          time.Duration
	LockRetryCap              time.Duration
	MetricsListen             string
	LogLevel                  string
	LogFormat                 string
	TraceStdout               bool

	// HintBus carries unlock hints between processes: "redis" (the core's
	// own pub/sub), "nats", "kafka" or "none".
	HintBus      string
	NATSURL      string
	KafkaBrokers []string
	KafkaTopic   string
}

var keys = []string{
	"config", "addr", "jwt", "public-addr", "inbox-listen",
	"keep-alive-when-disconnected", "liveness-interval", "lock-retry-cap",
	"metrics-listen", "log-level", "log-format", "trace-stdout",
	"hint-bus", "nats-url", "kafka-brokers", "kafka-topic",
}

// BindFlags registers the runner flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "path to a config file (yaml, toml or json)")
	fs.StringP("addr", "a", "", "address of the core (redis://host:port or host:port)")
	fs.StringP("jwt", "j", "", "user JWT")
	fs.String("public-addr", "", "address peers reach this process's inbox at; empty disables direct transfer")
	fs.String("inbox-listen", ":0", "local address the inbox listens on")
	fs.Bool("keep-alive-when-disconnected", false, "keep running while the core is unreachable")
	fs.Duration("liveness-interval", protocol.DefaultLivenessInterval, "mean delay between core health checks")
	fs.Duration("lock-retry-cap", lock.DefaultRetryCap, "maximum backoff between lock attempts")
	fs.String("metrics-listen", "", "serve Prometheus metrics on this address (empty disables)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "text", "log format (text or json)")
	fs.Bool("trace-stdout", false, "export traces to stdout")
	fs.String("hint-bus", "redis", "unlock hint transport (redis, nats, kafka or none)")
	fs.String("nats-url", "nats://127.0.0.1:4222", "NATS server for the nats hint bus")
	fs.StringSlice("kafka-brokers", nil, "Kafka brokers for the kafka hint bus")
	fs.String("kafka-topic", "colink-hints", "Kafka topic for the kafka hint bus")
}

// Load resolves the configuration. Flags win over environment variables,
// which win over the config file.
func Load(fs *pflag.FlagSet) (RunnerConfig, error) {
	v := viper.New()
	for _, k := range keys {
		if f := fs.Lookup(k); f != nil {
			if err := v.BindPFlag(k, f); err != nil {
				return RunnerConfig{}, err
			}
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return RunnerConfig{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	cfg := RunnerConfig{
		CoreAddr:                  v.GetString("addr"),
		JWT:                       v.GetString("jwt"),
		PublicAddr:                v.GetString("public-addr"),
		InboxListen:               v.GetString("inbox-listen"),
		KeepAliveWhenDisconnected: v.GetBool("keep-alive-when-disconnected"),
		LivenessInterval:          v.GetDuration("liveness-interval"),
		LockRetryCap:              v.GetDuration("lock-retry-cap"),
		MetricsListen:             v.GetString("metrics-listen"),
		LogLevel:                  strings.ToLower(v.GetString("log-level")),
		LogFormat:                 strings.ToLower(v.GetString("log-format")),
		TraceStdout:               v.GetBool("trace-stdout"),
		HintBus:                   strings.ToLower(v.GetString("hint-bus")),
		NATSURL:                   v.GetString("nats-url"),
		KafkaBrokers:              v.GetStringSlice("kafka-brokers"),
		KafkaTopic:                v.GetString("kafka-topic"),
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings every command needs.
func (c RunnerConfig) Validate() error {
	if c.CoreAddr == "" {
		return fmt.Errorf("addr is required: %w", colinkerrors.ErrBadRequest)
	}
	if c.JWT == "" {
		return fmt.Errorf("jwt is required: %w", colinkerrors.ErrBadRequest)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log format %q: %w", c.LogFormat, colinkerrors.ErrBadRequest)
	}
	switch c.HintBus {
	case "", "none", "redis", "nats":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka hint bus needs kafka-brokers: %w", colinkerrors.ErrBadRequest)
		}
	default:
		return fmt.Errorf("hint bus %q: %w", c.HintBus, colinkerrors.ErrBadRequest)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log level %q: %w", s, colinkerrors.ErrBadRequest)
	}
	return l, nil
}

// Logger builds the process logger writing to w.
func (c RunnerConfig) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

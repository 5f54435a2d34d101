// Package config loads process configuration from QUEUEMON_* environment
// variables and builds the process logger.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	qerrors "github.com/vnykmshr/queuemon/pkg/common/errors"
	"github.com/vnykmshr/queuemon/pkg/common/validation"
	"github.com/vnykmshr/queuemon/pkg/queue/sweeper"
)

// Prefix is stripped from every environment variable name.
const Prefix = "QUEUEMON_"

const module = "config"

// Backend names accepted by QUEUEMON_BACKEND.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds process configuration.
type Config struct {
	Backend          string
	QueueName        string
	RedisAddr        string
	MetricsAddr      string
	MetricsNamespace string
	MaxRedeliveries  int
	AckTimeout       time.Duration
	PollInterval     time.Duration
	SweepSchedule    string
	Workers          int
	LogLevel         string
	LogFormat        string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	k := koanf.New(".")
	provider := env.Provider(Prefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, Prefix))
	})
	if err := k.Load(provider, nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (*Config, error) {
	cfg := &Config{
		Backend:          strings.ToLower(valueOrDefault(k.String("backend"), BackendMemory)),
		QueueName:        valueOrDefault(k.String("queue_name"), "default"),
		RedisAddr:        valueOrDefault(k.String("redis_addr"), "127.0.0.1:6379"),
		MetricsAddr:      valueOrDefault(k.String("metrics_addr"), ":9090"),
		MetricsNamespace: strings.TrimSpace(k.String("metrics_namespace")),
		SweepSchedule:    valueOrDefault(k.String("sweep_schedule"), "@every 1s"),
		LogLevel:         valueOrDefault(k.String("log_level"), "info"),
		LogFormat:        valueOrDefault(k.String("log_format"), "json"),
	}

	var err error
	if cfg.MaxRedeliveries, err = parseInt("max_redeliveries", k.String("max_redeliveries"), 5); err != nil {
		return nil, err
	}
	if cfg.Workers, err = parseInt("workers", k.String("workers"), 4); err != nil {
		return nil, err
	}
	if cfg.AckTimeout, err = parseDuration("ack_timeout", k.String("ack_timeout"), 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = parseDuration("poll_interval", k.String("poll_interval"), 100*time.Millisecond); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field.
func (c *Config) Validate() error {
	if err := validation.ValidateOneOf(module, Prefix+"BACKEND", c.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := validation.ValidateNotEmpty(module, Prefix+"QUEUE_NAME", c.QueueName); err != nil {
		return err
	}
	if err := validation.ValidateNonNegative(module, Prefix+"MAX_REDELIVERIES", c.MaxRedeliveries); err != nil {
		return err
	}
	if err := validation.ValidatePositive(module, Prefix+"WORKERS", c.Workers); err != nil {
		return err
	}
	if err := validation.ValidatePositiveDuration(module, Prefix+"ACK_TIMEOUT", c.AckTimeout); err != nil {
		return err
	}
	if err := validation.ValidatePositiveDuration(module, Prefix+"POLL_INTERVAL", c.PollInterval); err != nil {
		return err
	}
	if _, err := sweeper.ParseSchedule(c.SweepSchedule); err != nil {
		return qerrors.NewValidationError(module, Prefix+"SWEEP_SCHEDULE", c.SweepSchedule, err.Error())
	}
	return nil
}

// NewLogger builds a logger writing to stdout. format is "json" or
// "console"; an unknown level falls back to info.
func NewLogger(format, level string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, format, level)
}

// NewLoggerTo is NewLogger with an explicit writer.
func NewLoggerTo(w io.Writer, format, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := w
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseInt(key, value string, fallback int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, qerrors.NewValidationError(module, Prefix+strings.ToUpper(key), value, "not an integer")
	}
	return n, nil
}

func parseDuration(key, value string, fallback time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, qerrors.NewValidationError(module, Prefix+strings.ToUpper(key), value, "not a duration").
			WithHint("use a Go duration such as 500ms or 30s")
	}
	return d, nil
}

package config

import (
	"fmt"
	"strings"

	eventerrors "github.com/rbaliyan/event/v3/errors"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = fmt.Errorf("invalid configuration: %w", eventerrors.ErrInvalidArgument)

// Validate checks cfg and reports every problem at once.
func Validate(cfg *Config) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.HTTP.Addr == "" {
		add("http.addr is required")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		add("http.max_body_bytes must be positive")
	}
	if cfg.HTTP.RateLimit.Enabled {
		if cfg.HTTP.RateLimit.Rate <= 0 {
			add("http.rate_limit.rate must be positive")
		}
		if cfg.HTTP.RateLimit.Interval <= 0 {
			add("http.rate_limit.interval must be positive")
		}
	}

	if cfg.Mongo.URI == "" {
		add("mongo.uri is required")
	}
	if cfg.Mongo.Database == "" {
		add("mongo.database is required")
	}
	if cfg.Mongo.EventCollection == "" {
		add("mongo.event_collection is required")
	}
	if cfg.Mongo.MaxPoolSize > 0 && cfg.Mongo.MinPoolSize > cfg.Mongo.MaxPoolSize {
		add("mongo.min_pool_size must not exceed mongo.max_pool_size")
	}

	if cfg.Queue.DrainInterval <= 0 {
		add("queue.drain_interval must be positive")
	}
	if cfg.Queue.BatchSize <= 0 {
		add("queue.batch_size must be positive")
	}
	if cfg.Queue.MaxRetries < 0 {
		add("queue.max_retries must not be negative")
	}
	if cfg.Queue.DeadLetter && cfg.Mongo.DeadLetterCollection == "" {
		add("mongo.dead_letter_collection is required when queue.dead_letter is set")
	}

	if cfg.Broker.Enabled && cfg.Broker.Topic == "" {
		add("broker.topic is required when the broker is enabled")
	}
	if cfg.Source.Collection != "" && !cfg.Broker.Enabled {
		add("source.collection requires broker.enabled")
	}

	if cfg.Personalization.Threshold <= 0 {
		add("personalization.threshold must be positive")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json":
	default:
		add("log.format must be text or json")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

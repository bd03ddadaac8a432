package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides: http.addr is read from
// PROGRESS_HTTP_ADDR.
const EnvPrefix = "PROGRESS"

// Loader handles configuration loading and merging.
type Loader struct {
	v          *viper.Viper
	configPath string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// WithConfigPath sets an explicit config file path (YAML, TOML or JSON).
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// Viper exposes the underlying instance so command flags can be bound to keys.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load merges defaults, the config file and the environment, then validates
// the result.
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", l.configPath, err)
			}
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func (l *Loader) setDefaults() {
	d := DefaultConfig()

	l.v.SetDefault("http.addr", d.HTTP.Addr)
	l.v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	l.v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	l.v.SetDefault("http.idle_timeout", d.HTTP.IdleTimeout)
	l.v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
	l.v.SetDefault("http.max_body_bytes", d.HTTP.MaxBodyBytes)
	l.v.SetDefault("http.cors.enabled", d.HTTP.CORS.Enabled)
	l.v.SetDefault("http.cors.allowed_origins", d.HTTP.CORS.AllowedOrigins)
	l.v.SetDefault("http.rate_limit.enabled", d.HTTP.RateLimit.Enabled)
	l.v.SetDefault("http.rate_limit.rate", d.HTTP.RateLimit.Rate)
	l.v.SetDefault("http.rate_limit.burst", d.HTTP.RateLimit.Burst)
	l.v.SetDefault("http.rate_limit.interval", d.HTTP.RateLimit.Interval)

	l.v.SetDefault("mongo.uri", d.Mongo.URI)
	l.v.SetDefault("mongo.database", d.Mongo.Database)
	l.v.SetDefault("mongo.app_name", d.Mongo.AppName)
	l.v.SetDefault("mongo.event_collection", d.Mongo.EventCollection)
	l.v.SetDefault("mongo.dead_letter_collection", d.Mongo.DeadLetterCollection)
	l.v.SetDefault("mongo.resume_token_collection", d.Mongo.ResumeTokenCollection)
	l.v.SetDefault("mongo.min_pool_size", d.Mongo.MinPoolSize)
	l.v.SetDefault("mongo.max_pool_size", d.Mongo.MaxPoolSize)
	l.v.SetDefault("mongo.connect_timeout", d.Mongo.ConnectTimeout)
	l.v.SetDefault("mongo.server_selection_timeout", d.Mongo.ServerSelectionTimeout)
	l.v.SetDefault("mongo.connect_attempts", d.Mongo.ConnectAttempts)
	l.v.SetDefault("mongo.dead_letter_ttl", d.Mongo.DeadLetterTTL)

	l.v.SetDefault("queue.drain_interval", d.Queue.DrainInterval)
	l.v.SetDefault("queue.batch_size", d.Queue.BatchSize)
	l.v.SetDefault("queue.max_retries", d.Queue.MaxRetries)
	l.v.SetDefault("queue.item_timeout", d.Queue.ItemTimeout)
	l.v.SetDefault("queue.max_drain_time", d.Queue.MaxDrainTime)
	l.v.SetDefault("queue.dead_letter", d.Queue.DeadLetter)

	l.v.SetDefault("broker.enabled", d.Broker.Enabled)
	l.v.SetDefault("broker.name", d.Broker.Name)
	l.v.SetDefault("broker.topic", d.Broker.Topic)
	l.v.SetDefault("broker.question_topic", d.Broker.QuestionTopic)
	l.v.SetDefault("broker.buffer_size", d.Broker.BufferSize)
	l.v.SetDefault("broker.breaker.enabled", d.Broker.Breaker.Enabled)
	l.v.SetDefault("broker.breaker.threshold", d.Broker.Breaker.Threshold)
	l.v.SetDefault("broker.breaker.timeout", d.Broker.Breaker.Timeout)
	l.v.SetDefault("broker.breaker.max_requests", d.Broker.Breaker.MaxRequests)

	l.v.SetDefault("source.collection", d.Source.Collection)
	l.v.SetDefault("source.resume_token_id", d.Source.ResumeTokenID)
	l.v.SetDefault("source.batch_size", d.Source.BatchSize)
	l.v.SetDefault("source.max_await_time", d.Source.MaxAwaitTime)

	l.v.SetDefault("personalization.threshold", d.Personalization.Threshold)

	l.v.SetDefault("log.level", d.Log.Level)
	l.v.SetDefault("log.format", d.Log.Format)
}

// Package config loads progressd settings from defaults, an optional config
// file and PROGRESS_* environment variables, in increasing precedence.
package config

import (
	"time"
)

// Config is the full process configuration.
type Config struct {
	HTTP            HTTPConfig            `mapstructure:"http" json:"http"`
	Mongo           MongoConfig           `mapstructure:"mongo" json:"mongo"`
	Queue           QueueConfig           `mapstructure:"queue" json:"queue"`
	Broker          BrokerConfig          `mapstructure:"broker" json:"broker"`
	Source          SourceConfig          `mapstructure:"source" json:"source"`
	Personalization PersonalizationConfig `mapstructure:"personalization" json:"personalization"`
	Log             LogConfig             `mapstructure:"log" json:"log"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string          `mapstructure:"addr" json:"addr"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration   `mapstructure:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64           `mapstructure:"max_body_bytes" json:"max_body_bytes"`
	CORS            CORSConfig      `mapstructure:"cors" json:"cors"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit"`
}

// CORSConfig configures cross-origin requests.
type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" json:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// RateLimitConfig limits event submissions per user.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled" json:"enabled"`
	Rate     int           `mapstructure:"rate" json:"rate"`
	Burst    int           `mapstructure:"burst" json:"burst"`
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

// MongoConfig configures the document store.
type MongoConfig struct {
	URI                    string        `mapstructure:"uri" json:"-"`
	Database               string        `mapstructure:"database" json:"database"`
	AppName                string        `mapstructure:"app_name" json:"app_name"`
	EventCollection        string        `mapstructure:"event_collection" json:"event_collection"`
	DeadLetterCollection   string        `mapstructure:"dead_letter_collection" json:"dead_letter_collection"`
	ResumeTokenCollection  string        `mapstructure:"resume_token_collection" json:"resume_token_collection"`
	MinPoolSize            uint64        `mapstructure:"min_pool_size" json:"min_pool_size"`
	MaxPoolSize            uint64        `mapstructure:"max_pool_size" json:"max_pool_size"`
	ConnectTimeout         time.Duration `mapstructure:"connect_timeout" json:"connect_timeout"`
	ServerSelectionTimeout time.Duration `mapstructure:"server_selection_timeout" json:"server_selection_timeout"`
	ConnectAttempts        int           `mapstructure:"connect_attempts" json:"connect_attempts"`
	DeadLetterTTL          time.Duration `mapstructure:"dead_letter_ttl" json:"dead_letter_ttl"`
}

// QueueConfig configures the in-memory event queue.
type QueueConfig struct {
	DrainInterval time.Duration `mapstructure:"drain_interval" json:"drain_interval"`
	BatchSize     int           `mapstructure:"batch_size" json:"batch_size"`
	MaxRetries    int           `mapstructure:"max_retries" json:"max_retries"`
	ItemTimeout   time.Duration `mapstructure:"item_timeout" json:"item_timeout"`
	MaxDrainTime  time.Duration `mapstructure:"max_drain_time" json:"max_drain_time"`
	DeadLetter    bool          `mapstructure:"dead_letter" json:"dead_letter"`
}

// BrokerConfig configures event republishing.
type BrokerConfig struct {
	Enabled       bool          `mapstructure:"enabled" json:"enabled"`
	Name          string        `mapstructure:"name" json:"name"`
	Topic         string        `mapstructure:"topic" json:"topic"`
	QuestionTopic string        `mapstructure:"question_topic" json:"question_topic"`
	BufferSize    int           `mapstructure:"buffer_size" json:"buffer_size"`
	Breaker       BreakerConfig `mapstructure:"breaker" json:"breaker"`
}

// BreakerConfig configures the publish circuit breaker.
type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled" json:"enabled"`
	Threshold   int           `mapstructure:"threshold" json:"threshold"`
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxRequests int           `mapstructure:"max_requests" json:"max_requests"`
}

// SourceConfig configures the change stream watcher. The watcher is
// disabled while Collection is empty.
type SourceConfig struct {
	Collection    string        `mapstructure:"collection" json:"collection"`
	ResumeTokenID string        `mapstructure:"resume_token_id" json:"resume_token_id"`
	BatchSize     int32         `mapstructure:"batch_size" json:"batch_size"`
	MaxAwaitTime  time.Duration `mapstructure:"max_await_time" json:"max_await_time"`
}

// PersonalizationConfig configures readiness checks.
type PersonalizationConfig struct {
	Threshold int64 `mapstructure:"threshold" json:"threshold"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // text, json
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":3000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
			RateLimit: RateLimitConfig{
				Rate:     100,
				Burst:    200,
				Interval: time.Minute,
			},
		},
		Mongo: MongoConfig{
			URI:                    "mongodb://localhost:27017",
			Database:               "progress",
			AppName:                "progressd",
			EventCollection:        "progress_events",
			DeadLetterCollection:   "_progress_dead_letters",
			ResumeTokenCollection:  "_event_resume_tokens",
			MaxPoolSize:            100,
			ConnectTimeout:         10 * time.Second,
			ServerSelectionTimeout: 10 * time.Second,
			ConnectAttempts:        5,
			DeadLetterTTL:          7 * 24 * time.Hour,
		},
		Queue: QueueConfig{
			DrainInterval: 100 * time.Millisecond,
			BatchSize:     10,
			MaxRetries:    3,
			ItemTimeout:   30 * time.Second,
			MaxDrainTime:  30 * time.Second,
			DeadLetter:    true,
		},
		Broker: BrokerConfig{
			Enabled:       true,
			Name:          "progress",
			Topic:         "events",
			QuestionTopic: "dualmatch:question",
			BufferSize:    1024,
			Breaker: BreakerConfig{
				Enabled:     true,
				Threshold:   5,
				Timeout:     30 * time.Second,
				MaxRequests: 1,
			},
		},
		Source: SourceConfig{
			MaxAwaitTime: time.Second,
		},
		Personalization: PersonalizationConfig{
			Threshold: 50,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

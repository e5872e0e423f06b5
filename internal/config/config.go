// Package config loads syncqueue settings from a JSON file with SYNCQ_*
// environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a time.Duration that reads "5s"-style strings from JSON and env
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Config holds all configuration for the sync queue
type Config struct {
	Store    StoreConfig    `json:"store" envPrefix:"STORE_"`
	Backend  BackendConfig  `json:"backend" envPrefix:"BACKEND_"`
	Queue    QueueConfig    `json:"queue" envPrefix:"QUEUE_"`
	Schedule ScheduleConfig `json:"schedule" envPrefix:"SCHEDULE_"`
	HTTP     HTTPConfig     `json:"http" envPrefix:"HTTP_"`
	Log      LogConfig      `json:"log" envPrefix:"LOG_"`

	Debug   bool `json:"debug" env:"DEBUG"`
	DevMode bool `json:"devMode" env:"DEV_MODE"` // enables X-Debug-Sub instead of signed tokens
}

// StoreConfig selects the operation store. A bare path or file: URL opens
// SQLite; postgres:// opens PostgreSQL.
type StoreConfig struct {
	DSN      string `json:"dsn" env:"DSN"`
	MaxConns int32  `json:"maxConns,omitempty" env:"MAX_CONNS"`
	MinConns int32  `json:"minConns,omitempty" env:"MIN_CONNS"`
}

// BackendConfig describes the remote sync endpoint
type BackendConfig struct {
	BaseURL    string   `json:"baseUrl" env:"BASE_URL"`
	PushPath   string   `json:"pushPath" env:"PUSH_PATH"`
	HealthPath string   `json:"healthPath" env:"HEALTH_PATH"`
	DeviceID   string   `json:"deviceId" env:"DEVICE_ID"`
	Timeout    Duration `json:"timeout" env:"TIMEOUT"`

	// HS256 signing of push requests
	JWTSecret   string   `json:"jwtSecret,omitempty" env:"JWT_SECRET"`
	JWTIssuer   string   `json:"jwtIssuer,omitempty" env:"JWT_ISSUER"`
	JWTAudience string   `json:"jwtAudience,omitempty" env:"JWT_AUDIENCE"`
	Subject     string   `json:"subject,omitempty" env:"SUBJECT"`
	TokenTTL    Duration `json:"tokenTtl" env:"TOKEN_TTL"`
}

// QueueConfig tunes batching and retry
type QueueConfig struct {
	BatchSize         int      `json:"batchSize" env:"BATCH_SIZE"`
	MaxBatchesPerPass int      `json:"maxBatchesPerPass" env:"MAX_BATCHES_PER_PASS"`
	MaxAttempts       int      `json:"maxAttempts" env:"MAX_ATTEMPTS"`
	BaseDelay         Duration `json:"baseDelay" env:"BASE_DELAY"`
	MaxDelay          Duration `json:"maxDelay" env:"MAX_DELAY"`
	MaxJitter         Duration `json:"maxJitter" env:"MAX_JITTER"`
	StaleClaimAfter   Duration `json:"staleClaimAfter" env:"STALE_CLAIM_AFTER"`
}

// ScheduleConfig controls automatic passes
type ScheduleConfig struct {
	Periodic               string   `json:"periodic" env:"PERIODIC"`
	ProbeInterval          Duration `json:"probeInterval" env:"PROBE_INTERVAL"`
	RetryAfterStorageFault Duration `json:"retryAfterStorageFault" env:"RETRY_AFTER_STORAGE_FAULT"`
}

// HTTPConfig configures the local admin API
type HTTPConfig struct {
	Addr string `json:"addr" env:"ADDR"`

	// JWTSecret protects the admin API; dev mode accepts X-Debug-Sub instead
	JWTSecret   string `json:"jwtSecret,omitempty" env:"JWT_SECRET"`
	JWTIssuer   string `json:"jwtIssuer,omitempty" env:"JWT_ISSUER"`
	JWTAudience string `json:"jwtAudience,omitempty" env:"JWT_AUDIENCE"`

	FlushPerMinute int `json:"flushPerMinute" env:"FLUSH_PER_MINUTE"`
	FlushBurst     int `json:"flushBurst" env:"FLUSH_BURST"`
}

// LogConfig configures zerolog output
type LogConfig struct {
	Level  string `json:"level" env:"LEVEL"`
	Pretty bool   `json:"pretty" env:"PRETTY"`

	// File tees logs into a rotating file when set
	File       string `json:"file,omitempty" env:"FILE"`
	MaxSizeMB  int    `json:"maxSizeMb" env:"MAX_SIZE_MB"`
	MaxBackups int    `json:"maxBackups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `json:"maxAgeDays" env:"MAX_AGE_DAYS"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DSN: "syncqueue.db",
		},
		Backend: BackendConfig{
			BaseURL:    "http://localhost:8081",
			PushPath:   "/v1/sync/push",
			HealthPath: "/healthz",
			Timeout:    Duration(30 * time.Second),
			TokenTTL:   Duration(15 * time.Minute),
		},
		Queue: QueueConfig{
			BatchSize:         50,
			MaxBatchesPerPass: 20,
			MaxAttempts:       5,
			BaseDelay:         Duration(2 * time.Second),
			MaxDelay:          Duration(10 * time.Minute),
			MaxJitter:         Duration(time.Second),
			StaleClaimAfter:   Duration(15 * time.Minute),
		},
		Schedule: ScheduleConfig{
			Periodic:               "@every 5m",
			ProbeInterval:          Duration(30 * time.Second),
			RetryAfterStorageFault: Duration(30 * time.Second),
		},
		HTTP: HTTPConfig{
			Addr:           "127.0.0.1:8090",
			FlushPerMinute: 30,
			FlushBurst:     5,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.DSN) == "" {
		return ErrMissingStoreDSN
	}
	if c.Backend.BaseURL == "" {
		return ErrMissingBackendURL
	}
	if !c.DevMode && c.Backend.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return ErrInvalidLogLevel
	}
	return nil
}

// Validate checks batching and retry settings
func (q *QueueConfig) Validate() error {
	if q.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if q.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	if q.BaseDelay <= 0 || (q.MaxDelay > 0 && q.MaxDelay < q.BaseDelay) {
		return ErrInvalidBackoff
	}
	return nil
}

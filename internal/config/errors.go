package config

import "errors"

var (
	// ErrMissingStoreDSN indicates that no store location is configured
	ErrMissingStoreDSN = errors.New("store.dsn is required in configuration")

	// ErrMissingBackendURL indicates that the sync backend is not configured
	ErrMissingBackendURL = errors.New("backend.baseUrl is required in configuration")

	// ErrMissingJWTSecret indicates that requests cannot be signed outside dev mode
	ErrMissingJWTSecret = errors.New("backend.jwtSecret is required when not in dev mode")

	// ErrInvalidBatchSize indicates a non-positive batch size
	ErrInvalidBatchSize = errors.New("queue.batchSize must be greater than zero")

	// ErrInvalidMaxAttempts indicates a non-positive retry ceiling
	ErrInvalidMaxAttempts = errors.New("queue.maxAttempts must be greater than zero")

	// ErrInvalidBackoff indicates inconsistent backoff durations
	ErrInvalidBackoff = errors.New("queue.baseDelay must be positive and not exceed queue.maxDelay")

	// ErrInvalidLogLevel indicates an unknown log level
	ErrInvalidLogLevel = errors.New("log.level must be one of debug, info, warn, error")

	// ErrConfigFileNotFound indicates that the config file was not found
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file has invalid JSON
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")
)

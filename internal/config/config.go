// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration from the environment.
// Unknown variables are ignored; malformed values fall back to documented
// defaults with a warning. Only structurally required settings (store
// URLs, encryption key) fail Load outright.
package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/tgcast/tgcast/internal/log"
	"github.com/tgcast/tgcast/internal/secrets"
)

// Environment variable names recognized by the daemon.
const (
	EnvLogLevel           = "LOG_LEVEL"
	EnvOpsBindAddr        = "OPS_BIND_ADDR"
	EnvSharedStoreURL     = "SHARED_STORE_URL"
	EnvRelationalStoreURL = "RELATIONAL_STORE_URL"
	EnvDataEncryptionKey  = "DATA_ENCRYPTION_KEY"
	EnvRateLimitDefaults  = "RATE_LIMIT_DEFAULTS"

	EnvQueueMaxLengthDefault = "QUEUE_MAX_LENGTH_DEFAULT"

	EnvAutoEndTimeoutDefaultSeconds = "AUTO_END_TIMEOUT_DEFAULT_SECONDS"
	EnvAutoEndWarningPointsSeconds  = "AUTO_END_WARNING_POINTS_SECONDS"

	EnvWorkerBinary                   = "WORKER_BINARY"
	EnvWorkerGracefulStopSeconds      = "WORKER_GRACEFUL_STOP_SECONDS"
	EnvWorkerRestartBackoffSeconds    = "WORKER_RESTART_BACKOFF_SECONDS"
	EnvWorkerRestartAttemptsBeforeErr = "WORKER_RESTART_ATTEMPTS_BEFORE_ERROR"
	EnvWorkerTransientRetries         = "WORKER_TRANSIENT_RETRIES"
	EnvSessionRecoveryInitialSeconds  = "SESSION_RECOVERY_INITIAL_SECONDS"
	EnvSessionRecoveryMaxSeconds      = "SESSION_RECOVERY_MAX_SECONDS"
	EnvPlaceholderMediaPath           = "PLACEHOLDER_MEDIA_PATH"
	EnvTransportDriver                = "TRANSPORT_DRIVER"
	EnvMediaDecoderBinary             = "MEDIA_DECODER_BINARY"
	EnvSchedulerTickSeconds           = "SCHEDULER_TICK_SECONDS"
	EnvSchedulerCatchupGraceSeconds   = "SCHEDULER_CATCHUP_GRACE_SECONDS"
	EnvOTelEnabled                    = "OTEL_ENABLED"
	EnvOTelExporterProtocol           = "OTEL_EXPORTER_PROTOCOL"
)

// RateLimitRule is one bucket's fixed-window allowance.
type RateLimitRule struct {
	Limit         int `json:"limit"`
	WindowSeconds int `json:"window_seconds"`
}

// Window returns the rule's window as a duration.
func (r RateLimitRule) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// Config is the resolved daemon configuration.
type Config struct {
	LogLevel    string
	OpsBindAddr string

	SharedStoreURL     string
	RelationalStoreURL string

	// DataEncryptionKey is the decoded AES-256 envelope key. It is never
	// logged; Validate only reports its length.
	DataEncryptionKey []byte

	RateLimits map[string]RateLimitRule

	QueueMaxLengthDefault int

	AutoEndTimeoutDefault time.Duration
	// AutoEndWarningPoints holds the remaining-seconds marks at which idle
	// warnings fire, sorted descending.
	AutoEndWarningPoints []int

	// WorkerBinary is the executable launched per channel. Empty selects
	// the in-process worker runner (tests, single-binary deployments).
	WorkerBinary                     string
	WorkerGracefulStop               time.Duration
	WorkerRestartBackoff             time.Duration
	WorkerRestartAttemptsBeforeError int
	WorkerTransientRetries           int

	SessionRecoveryInitial time.Duration
	SessionRecoveryMax     time.Duration

	PlaceholderMediaPath string

	// TransportDriver names the registered voice-chat transport; empty
	// selects the stub. MediaDecoderBinary is the decoder executable the
	// worker shells into; empty disables transcoding (pass-through).
	TransportDriver    string
	MediaDecoderBinary string

	SchedulerTick         time.Duration
	SchedulerCatchupGrace time.Duration

	OTelEnabled          bool
	OTelExporterProtocol string
}

// DefaultRateLimits returns the built-in bucket rules. Callers may mutate
// the returned map.
func DefaultRateLimits() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		"standard":     {Limit: 100, WindowSeconds: 60},
		"elevated":     {Limit: 200, WindowSeconds: 60},
		"strict":       {Limit: 10, WindowSeconds: 60},
		"external_api": {Limit: 10, WindowSeconds: 60},
	}
}

// Default returns a Config populated with documented defaults and no
// secrets. Tests build on this instead of the process environment.
func Default() *Config {
	return &Config{
		LogLevel:                         "info",
		OpsBindAddr:                      ":8080",
		RelationalStoreURL:               "file:tgcast.db",
		RateLimits:                       DefaultRateLimits(),
		QueueMaxLengthDefault:            100,
		AutoEndTimeoutDefault:            300 * time.Second,
		AutoEndWarningPoints:             []int{60, 30, 10},
		WorkerGracefulStop:               10 * time.Second,
		WorkerRestartBackoff:             10 * time.Second,
		WorkerRestartAttemptsBeforeError: 5,
		WorkerTransientRetries:           2,
		SessionRecoveryInitial:           60 * time.Second,
		SessionRecoveryMax:               600 * time.Second,
		SchedulerTick:                    60 * time.Second,
		SchedulerCatchupGrace:            300 * time.Second,
	}
}

// Load reads the environment on top of the defaults and validates the
// result.
func Load() (*Config, error) {
	logger := log.WithComponent("config")
	cfg := Default()

	cfg.LogLevel = ParseString(EnvLogLevel, cfg.LogLevel)
	cfg.OpsBindAddr = ParseString(EnvOpsBindAddr, cfg.OpsBindAddr)
	cfg.SharedStoreURL = ParseString(EnvSharedStoreURL, cfg.SharedStoreURL)
	cfg.RelationalStoreURL = ParseString(EnvRelationalStoreURL, cfg.RelationalStoreURL)

	if raw := os.Getenv(EnvDataEncryptionKey); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("config: %s is not valid base64", EnvDataEncryptionKey)
		}
		cfg.DataEncryptionKey = key
	}

	if raw := os.Getenv(EnvRateLimitDefaults); raw != "" {
		overrides := map[string]RateLimitRule{}
		if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
			logger.Warn().
				Str("key", EnvRateLimitDefaults).
				Msg("invalid JSON in environment variable, using built-in limits")
		} else {
			for bucket, rule := range overrides {
				cfg.RateLimits[bucket] = rule
			}
		}
	}

	cfg.QueueMaxLengthDefault = ParseInt(EnvQueueMaxLengthDefault, cfg.QueueMaxLengthDefault)

	cfg.AutoEndTimeoutDefault = secondsVar(EnvAutoEndTimeoutDefaultSeconds, cfg.AutoEndTimeoutDefault)
	cfg.AutoEndWarningPoints = ParseIntSlice(EnvAutoEndWarningPointsSeconds, cfg.AutoEndWarningPoints)

	cfg.WorkerBinary = ParseString(EnvWorkerBinary, cfg.WorkerBinary)
	cfg.WorkerGracefulStop = secondsVar(EnvWorkerGracefulStopSeconds, cfg.WorkerGracefulStop)
	cfg.WorkerRestartBackoff = secondsVar(EnvWorkerRestartBackoffSeconds, cfg.WorkerRestartBackoff)
	cfg.WorkerRestartAttemptsBeforeError = ParseInt(EnvWorkerRestartAttemptsBeforeErr, cfg.WorkerRestartAttemptsBeforeError)
	cfg.WorkerTransientRetries = ParseInt(EnvWorkerTransientRetries, cfg.WorkerTransientRetries)

	cfg.SessionRecoveryInitial = secondsVar(EnvSessionRecoveryInitialSeconds, cfg.SessionRecoveryInitial)
	cfg.SessionRecoveryMax = secondsVar(EnvSessionRecoveryMaxSeconds, cfg.SessionRecoveryMax)

	cfg.PlaceholderMediaPath = ParseString(EnvPlaceholderMediaPath, cfg.PlaceholderMediaPath)
	cfg.TransportDriver = ParseString(EnvTransportDriver, cfg.TransportDriver)
	cfg.MediaDecoderBinary = ParseString(EnvMediaDecoderBinary, cfg.MediaDecoderBinary)

	cfg.SchedulerTick = secondsVar(EnvSchedulerTickSeconds, cfg.SchedulerTick)
	cfg.SchedulerCatchupGrace = secondsVar(EnvSchedulerCatchupGraceSeconds, cfg.SchedulerCatchupGrace)

	cfg.OTelEnabled = ParseBool(EnvOTelEnabled, cfg.OTelEnabled)
	cfg.OTelExporterProtocol = ParseString(EnvOTelExporterProtocol, cfg.OTelExporterProtocol)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// secondsVar reads an integer number of seconds, keeping the default on
// absence or parse failure.
func secondsVar(key string, defaultValue time.Duration) time.Duration {
	secs := ParseInt(key, int(defaultValue/time.Second))
	return time.Duration(secs) * time.Second
}

// Validate checks structural requirements. It normalizes warning points
// (sorted descending, non-positive entries dropped) as a side effect.
func (c *Config) Validate() error {
	var errs []error

	if c.SharedStoreURL == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvSharedStoreURL))
	}
	if c.RelationalStoreURL == "" {
		errs = append(errs, fmt.Errorf("%s is required", EnvRelationalStoreURL))
	}
	if len(c.DataEncryptionKey) != secrets.KeySize {
		errs = append(errs, fmt.Errorf("%s must decode to %d bytes, got %d",
			EnvDataEncryptionKey, secrets.KeySize, len(c.DataEncryptionKey)))
	}
	if c.QueueMaxLengthDefault < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1", EnvQueueMaxLengthDefault))
	}
	if c.AutoEndTimeoutDefault <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", EnvAutoEndTimeoutDefaultSeconds))
	}
	if c.WorkerRestartAttemptsBeforeError < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1", EnvWorkerRestartAttemptsBeforeErr))
	}
	if c.WorkerTransientRetries < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", EnvWorkerTransientRetries))
	}
	if c.SchedulerTick <= 0 || c.SchedulerCatchupGrace < 0 {
		errs = append(errs, fmt.Errorf("%s must be positive and %s non-negative",
			EnvSchedulerTickSeconds, EnvSchedulerCatchupGraceSeconds))
	}
	if c.SessionRecoveryInitial <= 0 || c.SessionRecoveryMax < c.SessionRecoveryInitial {
		errs = append(errs, fmt.Errorf("%s/%s must form a positive, ordered range",
			EnvSessionRecoveryInitialSeconds, EnvSessionRecoveryMaxSeconds))
	}
	for bucket, rule := range c.RateLimits {
		if rule.Limit < 1 || rule.WindowSeconds < 1 {
			errs = append(errs, fmt.Errorf("rate limit bucket %q needs positive limit and window", bucket))
		}
	}

	points := c.AutoEndWarningPoints[:0]
	for _, p := range c.AutoEndWarningPoints {
		if p > 0 {
			points = append(points, p)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(points)))
	c.AutoEndWarningPoints = points

	return errors.Join(errs...)
}

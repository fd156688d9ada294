// SPDX-License-Identifier: MIT

// Package config assembles the boot configuration from the environment.
// Secret names and URLs are opaque to the core; this is the config bag the
// composition root hands to each subsystem.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// PathMapEntry is one server-side <-> encoder-side prefix pair, parsed from
// "encoderID:serverPrefix=encoderPrefix".
type PathMapEntry struct {
	EncoderID     string
	ServerPrefix  string
	EncoderPrefix string
}

// Config is the complete boot configuration.
type Config struct {
	// Server
	Host        string
	Port        int
	EncoderPath string // WebSocket upgrade path for encoder workers
	APIToken    string // bearer token for mutating API routes and the WS upgrade

	// Storage
	DataDir     string
	DBPath      string
	JournalDir  string
	RedisAddr   string // empty: in-memory rate-limit records
	SecretsPass string

	// Logging / telemetry
	LogLevel     string
	OTLPEnabled  bool
	OTLPExporter string
	OTLPEndpoint string
	OTLPSampling float64
	Environment  string

	// Dispatcher policy
	AssignedTimeout      time.Duration
	StallTimeout         time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatMisses      int
	ShortBlock           time.Duration
	DefaultMaxConcurrent int
	DefaultMaxAttempts   int
	PathMappings         []PathMapEntry

	// Recovery / maintenance intervals
	RecoveryInterval      time.Duration
	DownloadPollInterval  time.Duration
	DispatchSweepInterval time.Duration
	ProgressFlushInterval time.Duration
	RateLimitGCInterval   time.Duration

	// Downloads / delivery
	DownloadDir string
	DeliveryDir string
}

// FromEnv reads the FETCHD_* environment into a Config with defaults.
func FromEnv() (*Config, error) {
	dataDir := ParseString("FETCHD_DATA_DIR", "./data")

	cfg := &Config{
		Host:        ParseString("FETCHD_HOST", "0.0.0.0"),
		Port:        ParseInt("FETCHD_PORT", 8484),
		EncoderPath: ParseString("FETCHD_ENCODER_WS_PATH", "/ws/encoder"),
		APIToken:    ParseString("FETCHD_API_TOKEN", ""),

		DataDir:     dataDir,
		DBPath:      ParseString("FETCHD_DB_PATH", filepath.Join(dataDir, "fetchd.db")),
		JournalDir:  ParseString("FETCHD_JOURNAL_DIR", filepath.Join(dataDir, "journal")),
		RedisAddr:   ParseString("FETCHD_REDIS_ADDR", ""),
		SecretsPass: ParseString("FETCHD_SECRETS_PASSPHRASE", ""),

		LogLevel:     ParseString("FETCHD_LOG_LEVEL", "info"),
		OTLPEnabled:  ParseBool("FETCHD_OTLP_ENABLED", false),
		OTLPExporter: ParseString("FETCHD_OTLP_EXPORTER", "http"),
		OTLPEndpoint: ParseString("FETCHD_OTLP_ENDPOINT", "localhost:4318"),
		OTLPSampling: ParseFloat("FETCHD_OTLP_SAMPLING", 0.1),
		Environment:  ParseString("FETCHD_ENVIRONMENT", "production"),

		AssignedTimeout:      ParseDuration("FETCHD_ASSIGNED_TIMEOUT", 30*time.Second),
		StallTimeout:         ParseDuration("FETCHD_STALL_TIMEOUT", 2*time.Minute),
		HeartbeatInterval:    ParseDuration("FETCHD_HEARTBEAT_INTERVAL", 15*time.Second),
		HeartbeatMisses:      ParseInt("FETCHD_HEARTBEAT_MISSES", 3),
		ShortBlock:           ParseDuration("FETCHD_WORKER_BLOCK", 10*time.Second),
		DefaultMaxConcurrent: ParseInt("FETCHD_DEFAULT_MAX_CONCURRENT", 1),
		DefaultMaxAttempts:   ParseInt("FETCHD_MAX_ATTEMPTS", 3),

		RecoveryInterval:      ParseDuration("FETCHD_RECOVERY_INTERVAL", time.Minute),
		DownloadPollInterval:  ParseDuration("FETCHD_DOWNLOAD_POLL_INTERVAL", 15*time.Second),
		DispatchSweepInterval: ParseDuration("FETCHD_DISPATCH_SWEEP_INTERVAL", 15*time.Second),
		ProgressFlushInterval: ParseDuration("FETCHD_PROGRESS_FLUSH_INTERVAL", 30*time.Second),
		RateLimitGCInterval:   ParseDuration("FETCHD_RATELIMIT_GC_INTERVAL", 10*time.Minute),

		DownloadDir: ParseString("FETCHD_DOWNLOAD_DIR", filepath.Join(dataDir, "downloads")),
		DeliveryDir: ParseString("FETCHD_DELIVERY_DIR", filepath.Join(dataDir, "library")),
	}

	mappings, err := parsePathMappings(ParseString("FETCHD_PATH_MAPPINGS", ""))
	if err != nil {
		return nil, err
	}
	cfg.PathMappings = mappings

	return cfg, cfg.Validate()
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if !strings.HasPrefix(c.EncoderPath, "/") {
		return fmt.Errorf("config: encoder WS path must start with /: %q", c.EncoderPath)
	}
	if c.HeartbeatMisses <= 0 {
		return fmt.Errorf("config: heartbeat misses must be positive")
	}
	if c.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("config: max attempts must be positive")
	}
	return nil
}

// parsePathMappings parses "enc1:/srv/media=/mnt/media,enc2:/srv=/data".
func parsePathMappings(raw string) ([]PathMapEntry, error) {
	if raw == "" {
		return nil, nil
	}
	var out []PathMapEntry
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, rest, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("config: path mapping %q: missing encoder id", entry)
		}
		server, encoder, ok := strings.Cut(rest, "=")
		if !ok {
			return nil, fmt.Errorf("config: path mapping %q: missing '='", entry)
		}
		out = append(out, PathMapEntry{
			EncoderID:     strings.TrimSpace(id),
			ServerPrefix:  strings.TrimSpace(server),
			EncoderPrefix: strings.TrimSpace(encoder),
		})
	}
	return out, nil
}

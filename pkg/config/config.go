// Package config holds the server's tunables: fixed operational constants
// and the environment-derived runtime configuration.
package config

import (
	"os"
	"strconv"
	"time"
)

// Server defaults
const (
	DefaultPort        = "8080"
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 10 * time.Second
	ShutdownTimeout    = 30 * time.Second
)

// Job schedules (robfig/cron expressions, UTC). The raw sweep runs hours
// after the rollup slot so a day's events are always counted before they
// become eligible for deletion.
const (
	RollupSchedule      = "5 * * * *"  // hourly at :05
	RawSweepSchedule    = "30 2 * * *" // daily 02:30
	RollupSweepSchedule = "0 3 * * *"  // daily 03:00
	BadgerGCInterval    = 10 * time.Minute
)

// Storage and job timeouts
const (
	IngestTimeout = 5 * time.Second
	QueryTimeout  = 10 * time.Second
	RollupTimeout = 5 * time.Minute
	SweepTimeout  = 5 * time.Minute
	StatsTimeout  = 5 * time.Second
)

// Defaults for env-derived settings
const (
	DefaultRateLimitPerMin  = 100
	DefaultRetentionRawDays = 30
	DefaultRetentionMonths  = 12
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Config is the environment-derived runtime configuration.
type Config struct {
	// Port the HTTP server listens on.
	Port string

	// DataDir holds the badger database and the hashing salt.
	DataDir string

	// Environment selects the logger profile ("production" or anything else).
	Environment string

	// RetentionRawDays bounds how long raw events are kept.
	RetentionRawDays int

	// RetentionRollupMonths bounds how long rollup rows are kept.
	RetentionRollupMonths int

	// RespectDNT drops whole batches from clients sending DNT: 1.
	RespectDNT bool

	// TrackAdmins includes events from administrator sessions. When false,
	// events reporting an administrator role are skipped.
	TrackAdmins bool

	// IngestToken authorizes event submission. Empty disables the check
	// (trusted-network deployments).
	IngestToken string

	// AdminToken authorizes the stats and rules-management endpoints.
	AdminToken string

	// RateLimitPerMin caps ingest requests per client IP per minute.
	RateLimitPerMin int

	// MaxStorageMemoryMB limits badger memory usage (0 = default).
	MaxStorageMemoryMB int64
}

// FromEnv builds a Config from CLICKTALLY_* environment variables, with
// documented defaults.
func FromEnv() Config {
	return Config{
		Port:                  getEnv("CLICKTALLY_PORT", DefaultPort),
		DataDir:               getEnv("CLICKTALLY_DATA_DIR", "./data/clicktally"),
		Environment:           getEnv("CLICKTALLY_ENV", "development"),
		RetentionRawDays:      getEnvInt("CLICKTALLY_RETENTION_RAW_DAYS", DefaultRetentionRawDays),
		RetentionRollupMonths: getEnvInt("CLICKTALLY_RETENTION_ROLLUP_MONTHS", DefaultRetentionMonths),
		RespectDNT:            getEnvBool("CLICKTALLY_RESPECT_DNT", true),
		TrackAdmins:           getEnvBool("CLICKTALLY_TRACK_ADMINS", false),
		IngestToken:           os.Getenv("CLICKTALLY_INGEST_TOKEN"),
		AdminToken:            os.Getenv("CLICKTALLY_ADMIN_TOKEN"),
		RateLimitPerMin:       getEnvInt("CLICKTALLY_RATE_LIMIT_PER_MIN", DefaultRateLimitPerMin),
		MaxStorageMemoryMB:    int64(getEnvInt("CLICKTALLY_MAX_MEMORY_MB", 0)),
	}
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

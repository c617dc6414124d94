package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// Ringing records older than this are swept to missed by the cleanup job.
// A backstop for clients that died mid-ring; live clients time out on
// their own well before this.
const StaleRingWindow = 2 * time.Minute

// Slack added on top of the configured ring timeout before the sweep treats
// a ringing record as abandoned.
const StaleRingGrace = 30 * time.Second

// Default rate limiting
const DefaultRateLimitPerMin = 60

// Bounded retry at the store write boundary for transient errors.
// Conditional-write conflicts are never retried.
const (
	WriteRetryAttempts = 3
	WriteRetryBackoff  = 150 * time.Millisecond
)

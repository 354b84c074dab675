// Package logging provides a minimal logging interface and adapters for execpool.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the pool, sweeper and backends use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - PoolLogger with contextual helpers (component, session key, owner)
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	pool := execpool.New(func(o *execpool.Options) { o.Logger = logger })
//
// Arguments after the message are slog style key/value pairs.
package logging

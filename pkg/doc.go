// Package pkg provides shared utilities for the softata controller stack.
//
// This package contains common functionality used by the command-queue and
// error-handling core, the transport interface, and transport
// implementations, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors shared by the recovery engine
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentEH, "recovery complete", "port", 0)
//
// # Errors
//
// Recovery verdicts are sentinel values and are matched with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrRetry) {
//	    // transient, does not consume the retry budget
//	}
package pkg

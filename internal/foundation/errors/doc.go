// Package errors provides foundational, type-safe error primitives used across the
// risk pipeline.
//
// This package contains classified error types and helpers for robust error handling,
// including a fluent builder API for constructing ClassifiedError values with context.
//
// Key features:
//   - ErrorCategory: Broad error classification (config, provider, git, scan, etc.)
//   - ErrorSeverity: Impact level (error, warning, info)
//   - RetryStrategy: Retry behavior (never, immediate, backoff, rate-limit, user)
//   - ClassifiedError: Structured error with category, severity, and context
//   - ErrorBuilder: Fluent API for creating classified errors
//   - HTTP and CLI adapters for error presentation
//
// The task runtime maps RetryStrategy to its requeue policy: backoff errors are
// redelivered with exponential delay, rate-limit errors wait out the provider
// window, and never/user errors go straight to the dead letter queue.
//
// Example usage:
//
//	err := errors.NewError(errors.CategoryGit, "clone failed").
//		WithSeverity(errors.SeverityError).
//		WithRetry(errors.RetryBackoff).
//		WithContext("url", repoURL).
//		WithCause(originalErr).
//		Build()
package errors

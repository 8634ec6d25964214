package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifiedError(t *testing.T) {
	t.Run("Basic error creation", func(t *testing.T) {
		err := NewError(CategoryConfig, "invalid configuration").
			WithSeverity(SeverityFatal).
			WithContext("file", "config.yaml").
			Build()

		if err.Category() != CategoryConfig {
			t.Errorf("expected category %s, got %s", CategoryConfig, err.Category())
		}
		if err.Severity() != SeverityFatal {
			t.Errorf("expected severity %s, got %s", SeverityFatal, err.Severity())
		}
		if err.Message() != "invalid configuration" {
			t.Errorf("expected message 'invalid configuration', got %s", err.Message())
		}

		file, exists := err.Context().GetString("file")
		if !exists || file != "config.yaml" {
			t.Errorf("expected context file=config.yaml, got %v", file)
		}
	})

	t.Run("Error detection", func(t *testing.T) {
		err := ConfigError("test error").Build()

		if !IsClassified(err) {
			t.Error("expected error to be classified")
		}

		if !HasCategory(err, CategoryConfig) {
			t.Error("expected error to have config category")
		}

		if !HasSeverity(err, SeverityFatal) {
			t.Error("expected error to have fatal severity")
		}

		if err.CanRetry() {
			t.Error("expected config error to not be retryable")
		}

		if !err.IsFatal() {
			t.Error("expected config error to be fatal")
		}
	})

	t.Run("Detection through wrapped chains", func(t *testing.T) {
		inner := GitError("fetch failed").Build()
		wrapped := fmt.Errorf("ingesting build 42: %w", inner)

		if !IsClassified(wrapped) {
			t.Error("expected wrapped error to remain classified")
		}
		if GetCategory(wrapped) != CategoryGit {
			t.Errorf("expected git category through the chain, got %s", GetCategory(wrapped))
		}
		if GetRetryStrategy(wrapped) != RetryBackoff {
			t.Errorf("expected backoff strategy through the chain, got %s", GetRetryStrategy(wrapped))
		}
	})

	t.Run("Missing resource detection", func(t *testing.T) {
		err := MissingResourceError("git_worktree unavailable").
			WithContext("resource", "git_worktree").
			Build()

		if !IsMissingResource(err) {
			t.Error("expected missing resource detection")
		}
		if err.CanRetry() {
			t.Error("missing resources degrade, they are not retried")
		}
		if !err.IsSeverity(SeverityWarning) {
			t.Errorf("expected warning severity, got %s", err.Severity())
		}
		if !IsMissingResource(fmt.Errorf("node gh_pr_age: %w", err)) {
			t.Error("expected detection through wrapped chain")
		}
	})

	t.Run("Rate limit detection", func(t *testing.T) {
		err := RateLimitError("secondary rate limit").Build()
		if !IsRateLimited(err) {
			t.Error("expected rate limit detection")
		}
		if !err.IsTransient() {
			t.Error("rate limited errors are transient")
		}
	})

	t.Run("WithContext does not mutate the original", func(t *testing.T) {
		base := GitError("clone failed").WithContext("attempt", 1).Build()
		derived := base.WithContext("attempt", 2)

		v, _ := base.Context().Get("attempt")
		if v != 1 {
			t.Errorf("expected original context untouched, got attempt=%v", v)
		}
		v, _ = derived.Context().Get("attempt")
		if v != 2 {
			t.Errorf("expected derived context updated, got attempt=%v", v)
		}
	})
}

func TestErrorBuilder(t *testing.T) {
	t.Run("Fluent API", func(t *testing.T) {
		originalErr := errors.New("original error")
		err := WrapError(originalErr, CategoryNetwork, "network failure").
			Warning().
			Retryable().
			WithContext("host", "api.github.com").
			WithContext("port", 443).
			Build()

		if err.Category() != CategoryNetwork {
			t.Errorf("expected category %s, got %s", CategoryNetwork, err.Category())
		}
		if err.Severity() != SeverityWarning {
			t.Errorf("expected severity %s, got %s", SeverityWarning, err.Severity())
		}
		if err.RetryStrategy() != RetryBackoff {
			t.Errorf("expected retry strategy %s, got %s", RetryBackoff, err.RetryStrategy())
		}
		if !errors.Is(err, originalErr) {
			t.Error("expected error to wrap original error")
		}

		host, _ := err.Context().GetString("host")
		if host != "api.github.com" {
			t.Errorf("expected host context 'api.github.com', got %s", host)
		}
	})

	t.Run("WithCause", func(t *testing.T) {
		cause := errors.New("disk full")
		err := FileSystemError("writing worktree").WithCause(cause).Build()
		if !errors.Is(err, cause) {
			t.Error("expected cause to be wrapped")
		}
	})

	t.Run("Convenience constructors", func(t *testing.T) {
		tests := []struct {
			name     string
			builder  *ErrorBuilder
			category ErrorCategory
			severity ErrorSeverity
			retry    RetryStrategy
		}{
			{"ConfigError", ConfigError("test"), CategoryConfig, SeverityFatal, RetryNever},
			{"ValidationError", ValidationError("test"), CategoryValidation, SeverityFatal, RetryNever},
			{"AuthError", AuthError("test"), CategoryAuth, SeverityError, RetryUserAction},
			{"NotFoundError", NotFoundError("test"), CategoryNotFound, SeverityError, RetryNever},
			{"ConflictError", ConflictError("test"), CategoryConflict, SeverityError, RetryNever},
			{"NetworkError", NetworkError("test"), CategoryNetwork, SeverityError, RetryBackoff},
			{"ProviderError", ProviderError("test"), CategoryProvider, SeverityError, RetryBackoff},
			{"RateLimitError", RateLimitError("test"), CategoryProvider, SeverityError, RetryRateLimit},
			{"GitError", GitError("test"), CategoryGit, SeverityError, RetryBackoff},
			{"ScanError", ScanError("test"), CategoryScan, SeverityError, RetryBackoff},
			{"FeatureError", FeatureError("test"), CategoryFeature, SeverityError, RetryNever},
			{"DatasetError", DatasetError("test"), CategoryDataset, SeverityFatal, RetryNever},
			{"MissingResourceError", MissingResourceError("test"), CategoryMissingResource, SeverityWarning, RetryNever},
			{"StoreError", StoreError("test"), CategoryStore, SeverityError, RetryBackoff},
			{"FileSystemError", FileSystemError("test"), CategoryFileSystem, SeverityError, RetryBackoff},
			{"TaskError", TaskError("test"), CategoryTask, SeverityFatal, RetryNever},
			{"RuntimeError", RuntimeError("test"), CategoryRuntime, SeverityFatal, RetryNever},
			{"InternalError", InternalError("test"), CategoryInternal, SeverityFatal, RetryNever},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := tt.builder.Build()
				if err.Category() != tt.category {
					t.Errorf("expected category %s, got %s", tt.category, err.Category())
				}
				if err.Severity() != tt.severity {
					t.Errorf("expected severity %s, got %s", tt.severity, err.Severity())
				}
				if err.RetryStrategy() != tt.retry {
					t.Errorf("expected retry strategy %s, got %s", tt.retry, err.RetryStrategy())
				}
			})
		}
	})
}

func TestErrorContext(t *testing.T) {
	t.Run("Context operations", func(t *testing.T) {
		ctx := make(ErrorContext)
		ctx = ctx.Set("key1", "value1")
		ctx = ctx.Set("key2", 42)

		value1, exists1 := ctx.GetString("key1")
		if !exists1 || value1 != "value1" {
			t.Errorf("expected key1=value1, got %v", value1)
		}

		value2, exists2 := ctx.Get("key2")
		if !exists2 || value2 != 42 {
			t.Errorf("expected key2=42, got %v", value2)
		}

		_, exists3 := ctx.Get("nonexistent")
		if exists3 {
			t.Error("expected nonexistent key to not exist")
		}
	})

	t.Run("Context merge", func(t *testing.T) {
		ctx1 := make(ErrorContext)
		ctx1 = ctx1.Set("key1", "value1")
		ctx1 = ctx1.Set("shared", "original")

		ctx2 := make(ErrorContext)
		ctx2 = ctx2.Set("key2", "value2")
		ctx2 = ctx2.Set("shared", "overridden")

		merged := ctx1.Merge(ctx2)

		value1, _ := merged.GetString("key1")
		value2, _ := merged.GetString("key2")
		shared, _ := merged.GetString("shared")

		if value1 != "value1" {
			t.Errorf("expected key1=value1, got %s", value1)
		}
		if value2 != "value2" {
			t.Errorf("expected key2=value2, got %s", value2)
		}
		if shared != "overridden" {
			t.Errorf("expected shared=overridden, got %s", shared)
		}
	})
}

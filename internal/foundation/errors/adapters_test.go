package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPStatusCodes(t *testing.T) {
	adapter := NewHTTPErrorAdapter(nil)

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", ValidationError("bad strategy").Build(), http.StatusBadRequest},
		{"not found", NotFoundError("scenario missing").Build(), http.StatusNotFound},
		{"conflict", ConflictError("already processing").Build(), http.StatusConflict},
		{"provider", ProviderError("upstream 500").Build(), http.StatusBadGateway},
		{"rate limited", RateLimitError("slow down").Build(), http.StatusTooManyRequests},
		{"missing resource", MissingResourceError("no worktree").Build(), http.StatusUnprocessableEntity},
		{"task", TaskError("handler panic").Build(), http.StatusServiceUnavailable},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := adapter.StatusCodeFor(tt.err); got != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, got)
			}
		})
	}
}

func TestWriteErrorResponse(t *testing.T) {
	adapter := NewHTTPErrorAdapter(nil)

	err := ConflictError("scenario busy").
		WithContext("scenario_id", int64(7)).
		Build()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/scenarios/7/process", nil)
	adapter.WriteErrorResponse(rec, req, err)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json content type, got %q", ct)
	}

	var payload HTTPErrorResponse
	if jerr := json.Unmarshal(rec.Body.Bytes(), &payload); jerr != nil {
		t.Fatalf("unmarshal response: %v", jerr)
	}
	if payload.Error != "scenario busy" {
		t.Errorf("expected message 'scenario busy', got %q", payload.Error)
	}
	if payload.Code != string(CategoryConflict) {
		t.Errorf("expected code %q, got %q", CategoryConflict, payload.Code)
	}
}

func TestCLIExitCodes(t *testing.T) {
	adapter := NewCLIErrorAdapter(false, nil)

	tests := []struct {
		name string
		err  error
		code int
	}{
		{"nil", nil, 0},
		{"validation", ValidationError("bad flag").Build(), 2},
		{"not found", NotFoundError("no scenario").Build(), 4},
		{"auth", AuthError("token rejected").Build(), 5},
		{"config", ConfigError("missing redis addr").Build(), 7},
		{"git", GitError("clone failed").Build(), 8},
		{"store", StoreError("migration failed").Build(), 11},
		{"runtime", RuntimeError("worker wedged").Build(), 12},
		{"internal", InternalError("unreachable").Build(), 10},
		{"unclassified", errors.New("boom"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := adapter.ExitCodeFor(tt.err); got != tt.code {
				t.Errorf("expected exit code %d, got %d", tt.code, got)
			}
		})
	}
}

func TestCLIFormatError(t *testing.T) {
	t.Run("verbose shows full classification", func(t *testing.T) {
		adapter := NewCLIErrorAdapter(true, nil)
		msg := adapter.FormatError(GitError("fetch failed").Build())
		if msg != "[git:error] fetch failed" {
			t.Errorf("unexpected verbose format: %q", msg)
		}
	})

	t.Run("user-facing categories keep their message", func(t *testing.T) {
		adapter := NewCLIErrorAdapter(false, nil)
		msg := adapter.FormatError(ValidationError("unknown split strategy").Build())
		if msg != "Error: unknown split strategy" {
			t.Errorf("unexpected format: %q", msg)
		}
	})

	t.Run("infrastructure categories point at -v", func(t *testing.T) {
		adapter := NewCLIErrorAdapter(false, nil)
		msg := adapter.FormatError(InternalError("nil registry").Build())
		if msg != "Error: nil registry (use -v for details)" {
			t.Errorf("unexpected format: %q", msg)
		}
	})
}

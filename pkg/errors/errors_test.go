package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details/Context maps not initialized")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeConnectionTimeout, "timeout").Retryable {
			t.Error("ConnectionTimeout should be retryable by default")
		}
		if NewError(ErrCodeNotFound, "missing").Retryable {
			t.Error("NotFound should not be retryable by default")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code     ErrorCode
		expected ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeNetworkError, CategoryConnection},
		{ErrCodeStorageIO, CategoryStorage},
		{ErrCodeNotFound, CategoryNamespace},
		{ErrCodeTypeMismatch, CategoryNamespace},
		{ErrCodePathInvalid, CategoryNamespace},
		{ErrCodeNotEmpty, CategoryNamespace},
		{ErrCodeLimitExceeded, CategoryResource},
		{ErrCodeNotInitialized, CategoryState},
		{ErrCodeOperationCanceled, CategoryOperation},
		{ErrCodeInternalError, CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if result := GetCategory(tt.code); result != tt.expected {
				t.Errorf("GetCategory(%v) = %v, want %v", tt.code, result, tt.expected)
			}
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	err := NotFound("/Users/Guest/note.txt").WithComponent("vfs").WithOperation("read")
	msg := err.Error()
	if !strings.Contains(msg, "[vfs:read]") || !strings.Contains(msg, "NOT_FOUND") {
		t.Errorf("Error() = %q, want component, operation and code", msg)
	}

	detailed := err.String()
	if !strings.HasPrefix(detailed, "FSError{") {
		t.Errorf("String() = %q, want FSError{ prefix", detailed)
	}
}

func TestErrorsIsAndAs(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk on fire")
	wrapped := fmt.Errorf("flush: %w", BackendIO("write", "/a/b", cause))

	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should find the original cause")
	}
	if !errors.Is(wrapped, NewError(ErrCodeStorageIO, "")) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(wrapped, NewError(ErrCodeNotFound, "")) {
		t.Error("errors.Is should not match a different code")
	}

	var fsErr *FSError
	if !errors.As(wrapped, &fsErr) {
		t.Fatal("errors.As should extract *FSError")
	}
	if fsErr.Context["path"] != "/a/b" {
		t.Errorf("Context[path] = %q, want /a/b", fsErr.Context["path"])
	}
}

func TestBackendIOCancellation(t *testing.T) {
	t.Parallel()

	err := BackendIO("read", "/x", context.Canceled)
	if err.Code != ErrCodeOperationCanceled {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeOperationCanceled)
	}
}

func TestCodeHelpers(t *testing.T) {
	t.Parallel()

	if CodeOf(nil) != "" {
		t.Error("CodeOf(nil) should be empty")
	}
	if CodeOf(errors.New("plain")) != ErrCodeInternalError {
		t.Error("plain errors should map to INTERNAL_ERROR")
	}
	if !IsNotFound(fmt.Errorf("wrap: %w", NotFound("/x"))) {
		t.Error("IsNotFound should see through wrapping")
	}
	if !HasCode(InvalidPath("..", "dot segment"), ErrCodePathInvalid) {
		t.Error("HasCode should match PATH_INVALID")
	}
	if !IsRetryable(NewError(ErrCodeNetworkError, "reset")) {
		t.Error("network errors should be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors are never retryable")
	}
}

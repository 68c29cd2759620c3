package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfFindsWrappedError(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(InferenceFailure, "forward pass failed", cause)
	wrapped := fmt.Errorf("request failed: %w", err)

	kind, ok := KindOf(wrapped)
	if !ok || kind != InferenceFailure {
		t.Fatalf("expected InferenceFailure, got %v (%v)", kind, ok)
	}
}

func TestKindOfReturnsFalseForPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	if ok {
		t.Fatal("expected ok=false for a non-apperr error")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(TooLong, "exceeds max_input_length", errors.New("512 > 256"))
	want := "too_long: exceeds max_input_length: 512 > 256"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestErrorMessageWithoutCause(t *testing.T) {
	err := New(EmptyInput, "inputs must be non-empty")
	want := "empty_input: inputs must be non-empty"
	if got := err.Error(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(StorageUnavailable, "db down", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

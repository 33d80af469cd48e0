package aierr

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify_WrapsPlainErrors(t *testing.T) {
	err := Classify(StageText, errors.New("Network error"))

	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("Expected *Error, got %T", err)
	}
	if e.Kind != KindGeneration {
		t.Errorf("Expected base kind, got %s", e.Kind)
	}
	if err.Error() != "Text generation failed: Network error" {
		t.Errorf("Unexpected message: %q", err.Error())
	}
}

func TestClassify_KeepsTypedErrors(t *testing.T) {
	original := New(KindInvalidModel, "bad model")
	err := Classify(StageImage, original)

	if err != original {
		t.Errorf("Expected the typed error to pass through unchanged, got %v", err)
	}

	wrapped := fmt.Errorf("adapter: %w", original)
	if got := Classify(StageImage, wrapped); got != wrapped {
		t.Errorf("Expected wrapped typed error to pass through, got %v", got)
	}
}

func TestClassify_Nil(t *testing.T) {
	if Classify(StageText, nil) != nil {
		t.Error("Expected nil for nil error")
	}
}

func TestClassifyPanic(t *testing.T) {
	err := ClassifyPanic(StageEmbedding, "boom")
	if err.Error() != "Embedding generation failed: boom" {
		t.Errorf("Unexpected message: %q", err.Error())
	}

	typed := New(KindResponsibleAI, "filtered")
	if ClassifyPanic(StageImage, typed) != error(typed) {
		t.Error("Expected typed panic value to pass through")
	}
}

func TestKindOf(t *testing.T) {
	if _, ok := KindOf(errors.New("x")); ok {
		t.Error("Plain errors have no kind")
	}
	k, ok := KindOf(fmt.Errorf("ctx: %w", New(KindRateLimitExceeded, "slow down")))
	if !ok || k != KindRateLimitExceeded {
		t.Errorf("Expected rate limit kind, got %v %v", k, ok)
	}
	if !IsKind(ErrQuotaExceeded, KindGeneration) {
		t.Error("Quota error should be the base kind")
	}
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Resource: "API key", ID: "missing"}
	if err.Error() != "API key not found: missing" {
		t.Errorf("Unexpected message: %q", err.Error())
	}
	if !IsNotFound(fmt.Errorf("wrapped: %w", err)) {
		t.Error("Expected IsNotFound through wrapping")
	}
}

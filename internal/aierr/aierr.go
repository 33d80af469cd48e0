// Package aierr defines the closed set of failures a generation call can end with.
package aierr

import (
	"errors"
	"fmt"
)

// Kind discriminates generation failures. The zero value is the unnamed base case.
type Kind int

const (
	KindGeneration Kind = iota
	KindInvalidModel
	KindProviderConfiguration
	KindResponsibleAI
	KindRateLimitExceeded
)

func (k Kind) String() string {
	switch k {
	case KindGeneration:
		return "ai_generation"
	case KindInvalidModel:
		return "invalid_model"
	case KindProviderConfiguration:
		return "provider_configuration"
	case KindResponsibleAI:
		return "responsible_ai"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the single error type of the taxonomy.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap keeps err as the cause while presenting message to callers.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// ErrQuotaExceeded is returned when an API key spent more than its monthly limit.
var ErrQuotaExceeded = New(KindGeneration, "API key quota exceeded")

// KindOf reports the kind of the first taxonomy error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Stage labels the generation step a wrapped failure came from.
type Stage string

const (
	StageText      Stage = "Text"
	StageImage     Stage = "Image"
	StageEmbedding Stage = "Embedding"
)

// Classify returns taxonomy errors unchanged and wraps anything else into the base kind.
func Classify(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Wrap(KindGeneration, err, fmt.Sprintf("%s generation failed: %s", stage, err.Error()))
}

// ClassifyPanic wraps a recovered panic value, which may not be an error at all.
func ClassifyPanic(stage Stage, v any) error {
	if err, ok := v.(error); ok {
		return Classify(stage, err)
	}
	return New(KindGeneration, fmt.Sprintf("%s generation failed: %v", stage, v))
}

// NotFoundError reports a missing model or API key. It sits outside the taxonomy
// and is never wrapped by Classify callers.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

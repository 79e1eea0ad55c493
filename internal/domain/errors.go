package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrEmptyInput    = errors.New("input_text or input_images is required")
	ErrEmptyImageURL = errors.New("input_images must not contain empty urls")
)

// TurnErrorKind classifies why a turn failed.
type TurnErrorKind string

const (
	TurnErrorBackend     TurnErrorKind = "backend"
	TurnErrorPersistence TurnErrorKind = "persistence"
	TurnErrorInvalid     TurnErrorKind = "invalid"
)

// TurnError is a failed turn. It always carries a trace id; ResponseID is
// set only when one had been allocated before the failure.
type TurnError struct {
	Kind       TurnErrorKind
	TraceID    string
	ResponseID string
	Err        error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed (%s, trace %s): %v", e.Kind, e.TraceID, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

// AsTurnError extracts a *TurnError from err.
func AsTurnError(err error) (*TurnError, bool) {
	var te *TurnError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

package followup

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when an event is not accepted in the current state.
	ErrInvalidTransition = errors.New("followup: invalid transition")
	// ErrStorageConflict is returned when a concurrent writer won the version check.
	ErrStorageConflict = errors.New("followup: storage conflict")
	// ErrNotFound is returned when the conversation does not exist.
	ErrNotFound = errors.New("followup: conversation not found")
	// ErrDuplicateFollowUp is returned when (patient, follow-up date) already has a conversation.
	ErrDuplicateFollowUp = errors.New("followup: follow-up already exists for patient and date")
	// ErrOpenConversationExists is returned when the patient already has an open conversation.
	ErrOpenConversationExists = errors.New("followup: patient has an open conversation")
	// ErrInvalidEvent is returned when an event is malformed regardless of state.
	ErrInvalidEvent = errors.New("followup: invalid event")
	// ErrForbidden is returned when a doctor acts on a conversation they do not own.
	ErrForbidden = errors.New("followup: doctor does not own conversation")
)

// TransitionError describes a rejected (state, event) pair.
type TransitionError struct {
	State State
	Event EventKind
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("followup: invalid transition: %s in %s", e.Event, e.State)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func invalid(state State, ev Event) error {
	return &TransitionError{State: state, Event: ev.Kind()}
}

// FailureKind classifies AI client failures.
type FailureKind string

const (
	FailureTimeout      FailureKind = "timeout"
	FailureModelError   FailureKind = "model_error"
	FailureInvalidInput FailureKind = "invalid_input"
)

// ExtractionError is returned by an Extractor.
type ExtractionError struct {
	Kind FailureKind
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("followup: extraction %s: %v", e.Kind, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// DraftError is returned by a Drafter.
type DraftError struct {
	Kind FailureKind
	Err  error
}

func (e *DraftError) Error() string {
	return fmt.Sprintf("followup: draft %s: %v", e.Kind, e.Err)
}

func (e *DraftError) Unwrap() error { return e.Err }

// SendError is returned by a Sender when the channel could not deliver.
type SendError struct {
	Channel   string
	Retryable bool
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("followup: send via %s: %v", e.Channel, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ClassifyFailure maps an AI error onto its kind. Errors that carry no kind
// are treated as timeouts when the deadline passed and model errors otherwise.
func ClassifyFailure(err error) FailureKind {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	var de *DraftError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureModelError
}

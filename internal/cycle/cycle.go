// ABOUTME: Error taxonomy and stage names shared by every step of a conversation cycle
// ABOUTME: Failures carry a Kind, the Stage they happened in, and whether the user turn was kept

package cycle

import (
	"context"
	"errors"
	"fmt"
)

// Stage names a step of the cycle state machine.
type Stage string

const (
	StageReceived           Stage = "received"
	StageTranscribing       Stage = "transcribing"
	StageAppendingUser      Stage = "appending_user"
	StageCompleting         Stage = "completing"
	StageAppendingAssistant Stage = "appending_assistant"
	StageSynthesizing       Stage = "synthesizing"
	StageDelivered          Stage = "delivered"
	StageFailed             Stage = "failed"
)

// Kind classifies a failure independently of where it happened.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindSessionNotFound     Kind = "SessionNotFound"
	KindSessionClosed       Kind = "SessionClosed"
	KindSessionBusy         Kind = "SessionBusy"
	KindTranscriptionFailed Kind = "TranscriptionFailed"
	KindSynthesisFailed     Kind = "SynthesisFailed"
	KindModelUnavailable    Kind = "ModelUnavailable"
	KindModelRejected       Kind = "ModelRejected"
	KindContextTooLarge     Kind = "ContextTooLarge"
	KindUnsupportedFormat   Kind = "UnsupportedFormat"
	KindEmptyInput          Kind = "EmptyInput"
	KindInternal            Kind = "Internal"
)

// Sentinels for errors.Is matching on kind alone.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrSessionNotFound     = &Error{Kind: KindSessionNotFound}
	ErrSessionClosed       = &Error{Kind: KindSessionClosed}
	ErrSessionBusy         = &Error{Kind: KindSessionBusy}
	ErrTranscriptionFailed = &Error{Kind: KindTranscriptionFailed}
	ErrSynthesisFailed     = &Error{Kind: KindSynthesisFailed}
	ErrModelUnavailable    = &Error{Kind: KindModelUnavailable}
	ErrModelRejected       = &Error{Kind: KindModelRejected}
	ErrContextTooLarge     = &Error{Kind: KindContextTooLarge}
	ErrUnsupportedFormat   = &Error{Kind: KindUnsupportedFormat}
	ErrEmptyInput          = &Error{Kind: KindEmptyInput}
	ErrInternal            = &Error{Kind: KindInternal}
)

// Error is a classified cycle failure.
type Error struct {
	Kind   Kind
	Stage  Stage
	Detail string
	// UserTurnRecorded is true once the user turn of the failing cycle is durable.
	UserTurnRecorded bool
	Err              error
}

// New creates an error of the given kind without an underlying cause.
func New(kind Kind, stage Stage, detail string) *Error {
	return &Error{Kind: kind, Stage: stage, Detail: detail}
}

// Wrap classifies err as kind. The cause stays reachable through errors.Unwrap.
func Wrap(kind Kind, stage Stage, err error) *Error {
	e := &Error{Kind: kind, Stage: stage, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg = string(e.Stage) + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, and by stage when the target names one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Stage == "" || t.Stage == e.Stage
}

// At re-homes err into stage, keeping its kind when it is already classified.
// Deadline expiry maps to the failure kind of the stage it interrupted.
func At(stage Stage, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		out := *ce
		out.Stage = stage
		return &out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(timeoutKind(stage), stage, err)
	}
	return Wrap(KindInternal, stage, err)
}

func timeoutKind(stage Stage) Kind {
	switch stage {
	case StageTranscribing:
		return KindTranscriptionFailed
	case StageSynthesizing:
		return KindSynthesisFailed
	case StageCompleting:
		return KindModelUnavailable
	default:
		return KindInternal
	}
}

// KindOf reports the kind of err, or KindInternal when it is unclassified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// Transient reports whether err is worth retrying in the completing stage.
func Transient(err error) bool {
	return KindOf(err) == KindModelUnavailable
}

// Errorf is shorthand for New with a formatted detail.
func Errorf(kind Kind, stage Stage, format string, args ...any) *Error {
	return New(kind, stage, fmt.Sprintf(format, args...))
}

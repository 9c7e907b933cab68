// ABOUTME: Tests for cycle error classification and stage mapping
// ABOUTME: Covers errors.Is matching, timeout conversion and kind extraction

package cycle

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := New(KindSessionBusy, StageAppendingUser, "lease held")

	assert.True(t, errors.Is(err, ErrSessionBusy))
	assert.False(t, errors.Is(err, ErrSessionClosed))

	wrapped := fmt.Errorf("submitting: %w", err)
	assert.True(t, errors.Is(wrapped, ErrSessionBusy))
}

func TestError_IsMatchesStageWhenTargetHasOne(t *testing.T) {
	err := New(KindModelUnavailable, StageCompleting, "503")

	assert.True(t, errors.Is(err, &Error{Kind: KindModelUnavailable, Stage: StageCompleting}))
	assert.False(t, errors.Is(err, &Error{Kind: KindModelUnavailable, Stage: StageTranscribing}))
}

func TestError_Message(t *testing.T) {
	err := New(KindTranscriptionFailed, StageTranscribing, "empty transcript")
	assert.Equal(t, "transcribing: TranscriptionFailed: empty transcript", err.Error())

	bare := &Error{Kind: KindInternal}
	assert.Equal(t, "Internal", bare.Error())
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindModelUnavailable, StageCompleting, cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "connection refused", err.Detail)
}

func TestAt_RehomesClassifiedError(t *testing.T) {
	orig := New(KindContextTooLarge, "", "too many tokens")
	err := At(StageCompleting, orig)

	require.NotNil(t, err)
	assert.Equal(t, KindContextTooLarge, err.Kind)
	assert.Equal(t, StageCompleting, err.Stage)
	assert.Empty(t, orig.Stage, "original must not be mutated")
}

func TestAt_TimeoutsMapToStageFailure(t *testing.T) {
	tests := []struct {
		stage Stage
		want  Kind
	}{
		{StageTranscribing, KindTranscriptionFailed},
		{StageCompleting, KindModelUnavailable},
		{StageSynthesizing, KindSynthesisFailed},
		{StageAppendingUser, KindInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			err := At(tt.stage, fmt.Errorf("call: %w", context.DeadlineExceeded))
			assert.Equal(t, tt.want, err.Kind)
			assert.Equal(t, tt.stage, err.Stage)
		})
	}
}

func TestAt_Nil(t *testing.T) {
	assert.Nil(t, At(StageCompleting, nil))
}

func TestKindOfAndTransient(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindModelRejected, KindOf(New(KindModelRejected, StageCompleting, "")))

	assert.True(t, Transient(New(KindModelUnavailable, "", "")))
	assert.False(t, Transient(New(KindModelRejected, "", "")))
	assert.False(t, Transient(errors.New("plain")))
}

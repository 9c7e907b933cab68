// ABOUTME: Unit tests for caller context helpers
// ABOUTME: Tests WithCaller, FromContext and CallerID propagation

package auth

import (
	"context"
	"testing"
)

func TestWithCaller_RoundTrip(t *testing.T) {
	ctx := WithCaller(context.Background(), &Caller{ID: "user-1"})

	got := FromContext(ctx)
	if got == nil {
		t.Fatal("FromContext() = nil, want caller")
	}
	if got.ID != "user-1" {
		t.Errorf("FromContext().ID = %q, want %q", got.ID, "user-1")
	}
	if id := CallerID(ctx); id != "user-1" {
		t.Errorf("CallerID() = %q, want %q", id, "user-1")
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
	if id := CallerID(context.Background()); id != "anonymous" {
		t.Errorf("CallerID() = %q, want anonymous", id)
	}
}

func TestFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), callerContextKey{}, "not-a-caller")
	if got := FromContext(ctx); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

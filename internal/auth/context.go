// ABOUTME: Caller identity carried through request handlers
// ABOUTME: Provides WithCaller/FromContext for propagating the token subject via context

package auth

import (
	"context"
)

// Caller is the authenticated identity extracted from a request.
type Caller struct {
	ID string // the token's "sub" claim
}

// callerContextKey is the key type for storing Caller in context.Context.
type callerContextKey struct{}

// WithCaller returns a new context with the Caller attached.
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// FromContext retrieves the Caller from the context, returning nil if not present.
func FromContext(ctx context.Context) *Caller {
	caller, ok := ctx.Value(callerContextKey{}).(*Caller)
	if !ok {
		return nil
	}
	return caller
}

// CallerID returns the caller's ID, or "anonymous" when the request carried no identity.
func CallerID(ctx context.Context) string {
	if c := FromContext(ctx); c != nil && c.ID != "" {
		return c.ID
	}
	return "anonymous"
}

// Package contextkeys defines typed context keys shared across packages.
package contextkeys

import (
	"context"

	"github.com/faros/cockpit-gateway/pkg/session"
)

// Key is the type for context keys used across the service
type Key string

const (
	// UserKey carries the authenticated *session.User
	UserKey Key = "user"
	// SessionKey carries the browser *session.Session
	SessionKey Key = "browser_session"
	// OperationKey carries the parsed relay operation
	OperationKey Key = "operation"
)

// WithUser attaches the authenticated user to the context
func WithUser(ctx context.Context, user *session.User) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// UserFrom extracts the authenticated user from the context
func UserFrom(ctx context.Context) (*session.User, bool) {
	user, ok := ctx.Value(UserKey).(*session.User)
	return user, ok
}

// WithSession attaches the browser session to the context
func WithSession(ctx context.Context, sess *session.Session) context.Context {
	return context.WithValue(ctx, SessionKey, sess)
}

// SessionFrom extracts the browser session from the context
func SessionFrom(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(SessionKey).(*session.Session)
	return sess, ok
}

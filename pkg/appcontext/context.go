// Package appcontext holds the process-wide application object and the
// request-scoped context values.
package appcontext

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

// String returns the string representation of the context key.
func (c contextKey) String() string {
	return string(c)
}

// ContextRequestID is the context key for the id of an intercepted request.
var (
	ContextRequestID = contextKey("requestID")
)

// WithRequestID returns a new context carrying id. An empty id is replaced
// with a fresh one.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, ContextRequestID, id)
}

// GetRequestID retrieves the request id from the context.
func GetRequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ContextRequestID).(string)
	return id, ok
}

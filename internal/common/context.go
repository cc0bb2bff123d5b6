package common

import (
	"context"

	"github.com/google/uuid"
)

// Context keys for storing values in context
type contextKey string

const (
	ContextKeyRequestID    contextKey = "request_id"
	ContextKeySubmissionID contextKey = "submission_id"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// RequestIDFromContext extracts the request ID from context, minting one when absent.
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok && requestID != "" {
		return requestID
	}
	return uuid.NewString()
}

// WithSubmissionID adds a submission ID to the context
func WithSubmissionID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ContextKeySubmissionID, id)
}

// SubmissionIDFromContext extracts the submission ID from context
func SubmissionIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ContextKeySubmissionID).(uuid.UUID)
	return id, ok
}

package core

import (
	"context"

	"github.com/google/uuid"
)

// JobIDEnv is the environment variable carrying the job ID into commands.
const JobIDEnv = "BUILDQUEUE_JOB_ID"

type jobIDKey struct{}

// WithJobID adds a job ID to the context
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobIDFrom retrieves the job ID from context
func JobIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(jobIDKey{}).(string); ok {
		return id
	}
	return ""
}

// NewJobID generates a new job ID
func NewJobID() string {
	return uuid.New().String()
}

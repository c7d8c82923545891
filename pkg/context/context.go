// Package context carries run and cell identifiers through a matrix run
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Context keys for run tracing.
// Using unexported struct pointers prevents key collisions.
var (
	runIDKey     = &struct{}{}
	projectKey   = &struct{}{}
	pythonKey    = &struct{}{}
	tagKey       = &struct{}{}
	operationKey = &struct{}{}
	startTimeKey = &struct{}{}
)

const unknownRun = "unknown-run"

// WithRunID adds a run ID to the context, generating one if empty
func WithRunID(parent context.Context, runID string) context.Context {
	if runID == "" {
		runID = GenerateRunID()
	}
	return context.WithValue(parent, runIDKey, runID)
}

// GetRunID retrieves the run ID from context
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok && id != "" {
		return id
	}
	return unknownRun
}

// WithProject tags the context with the project being processed
func WithProject(parent context.Context, project string) context.Context {
	return context.WithValue(parent, projectKey, project)
}

// GetProject returns the project name or ""
func GetProject(ctx context.Context) string {
	p, _ := ctx.Value(projectKey).(string)
	return p
}

// WithPython tags the context with the interpreter version being processed
func WithPython(parent context.Context, version string) context.Context {
	return context.WithValue(parent, pythonKey, version)
}

// GetPython returns the interpreter version or ""
func GetPython(ctx context.Context) string {
	v, _ := ctx.Value(pythonKey).(string)
	return v
}

// WithTag tags the context with the VCS tag being built
func WithTag(parent context.Context, tag string) context.Context {
	return context.WithValue(parent, tagKey, tag)
}

// GetTag returns the tag or ""
func GetTag(ctx context.Context) string {
	t, _ := ctx.Value(tagKey).(string)
	return t
}

// WithOperation adds an operation name to the context
func WithOperation(parent context.Context, operation string) context.Context {
	return context.WithValue(parent, operationKey, operation)
}

// GetOperation retrieves the operation name from context
func GetOperation(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok && op != "" {
		return op
	}
	return ""
}

// WithStartTime adds the operation start time to the context
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetDuration returns the time elapsed since the start time in context, or 0
func GetDuration(ctx context.Context) time.Duration {
	if t, ok := ctx.Value(startTimeKey).(time.Time); ok {
		return time.Since(t)
	}
	return 0
}

// GenerateRunID creates a new unique run ID
func GenerateRunID() string {
	return "run_" + uuid.New().String()
}

// NewRun returns a context carrying a fresh run ID and start time
func NewRun(parent context.Context) context.Context {
	ctx := parent
	if GetRunID(ctx) == unknownRun {
		ctx = WithRunID(ctx, "")
	}
	return WithStartTime(ctx, time.Now())
}

// TracingFields returns the tracing values present in ctx
func TracingFields(ctx context.Context) map[string]interface{} {
	fields := map[string]interface{}{}
	if id := GetRunID(ctx); id != unknownRun {
		fields["run_id"] = id
	}
	if p := GetProject(ctx); p != "" {
		fields["project"] = p
	}
	if v := GetPython(ctx); v != "" {
		fields["python"] = v
	}
	if t := GetTag(ctx); t != "" {
		fields["tag"] = t
	}
	if op := GetOperation(ctx); op != "" {
		fields["operation"] = op
	}
	return fields
}

package queue

import (
	"context"
	"fmt"
	"log/slog"
)

// PanicError indicates a job handler panicked. Spec.md's Fail algebra (§4.5)
// applies the same retry/backoff decision whether Fail is reached by an
// explicit error return, a context cancellation, or a recovered panic — so,
// unlike the teacher's dead-letter-bound PanicError, this one flows through
// the ordinary Fail path and is distinguished only for logging and the
// ErrorHandler hook.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// ErrorHandler is a telemetry hook invoked whenever a job handler panics, or
// returns an error without having called Job.Complete or Job.Fail itself,
// for integration with external error tracking. It cannot
// change retry behavior — that's governed entirely by spec.md §4.5 — only
// observe it.
type ErrorHandler interface {
	HandleError(ctx context.Context, jobType string, externalID string, err error)
	HandlePanic(ctx context.Context, jobType string, externalID string, panicVal any, stackTrace string)
}

// DefaultErrorHandler logs with slog, matching the teacher's
// DefaultErrorHandler.
type DefaultErrorHandler struct{}

func (DefaultErrorHandler) HandleError(ctx context.Context, jobType, externalID string, err error) {
	slog.ErrorContext(ctx, "job failed",
		slog.String("job_type", jobType),
		slog.String("job_id", externalID),
		slog.String("error", err.Error()))
}

func (DefaultErrorHandler) HandlePanic(ctx context.Context, jobType, externalID string, panicVal any, stackTrace string) {
	slog.ErrorContext(ctx, "job panicked",
		slog.String("job_type", jobType),
		slog.String("job_id", externalID),
		slog.Any("panic_value", panicVal),
		slog.String("stack_trace", stackTrace))
}

package task

import "fmt"

// ValidationError reports a malformed request or payload. Validation
// failures are returned synchronously before any dispatch begins.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a task id that was referenced but never registered.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// ExecutionError reports a task that ran and failed: a non-zero process
// exit or a subagent executor error. It is captured inside the TaskResult
// and never interrupts sibling tasks.
type ExecutionError struct {
	TaskID  string
	Message string
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// TimeoutError reports a task that exceeded its wall-clock budget.
type TimeoutError struct {
	TaskID  string
	Seconds int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Task timed out after %ds", e.Seconds)
}

// Package runner executes individual tasks: it spawns sub-recipe and text
// instruction tasks as child processes of the agent binary and hands
// subagent tasks to an in-process executor. Every failure is folded into the
// task's Result; the runner never aborts a batch.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nibzard/fanout-go/internal/task"
	"github.com/nibzard/fanout-go/internal/tracker"
)

// Config carries the process-spawning knobs for command tasks.
type Config struct {
	// Binary is the agent executable spawned for sub_recipe and
	// text_instruction tasks.
	Binary string
	// WorkDir is the working directory for spawned processes. Empty means
	// inherit.
	WorkDir string
	// Env is appended to the inherited environment, KEY=VALUE form.
	Env []string
	// DefaultTimeout overrides the built-in per-task budget for tasks
	// that do not set timeout_in_seconds. Zero keeps the built-in.
	DefaultTimeout time.Duration
}

// Runner turns tasks into results.
type Runner struct {
	cfg      Config
	subagent SubagentExecutor
	logger   *log.Logger
	tracer   trace.Tracer
}

// New creates a runner. A nil subagent executor makes subagent tasks fail
// with a validation error instead of panicking.
func New(cfg Config, subagent SubagentExecutor, logger *log.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		subagent: subagent,
		logger:   logger,
		tracer:   otel.Tracer("fanout/runner"),
	}
}

// Process runs one task to completion under its wall-clock budget and
// returns its terminal result. Live output is streamed through the tracker
// as it arrives.
func (r *Runner) Process(ctx context.Context, t task.Task, tr *tracker.Tracker) task.Result {
	ctx, span := r.tracer.Start(ctx, "task.process", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.type", t.Type),
	))
	defer span.End()

	timeout := t.Timeout()
	if t.TimeoutInSeconds == nil && r.cfg.DefaultTimeout > 0 {
		timeout = r.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tr.StartTask(t.ID)

	var (
		data any
		err  error
	)
	switch t.Type {
	case task.TypeSubRecipe, task.TypeTextInstruction:
		data, err = r.runCommand(ctx, t, tr)
	case task.TypeSubagent:
		data, err = r.runSubagent(ctx, t)
	default:
		err = task.Validationf("unsupported task type %q", t.Type)
	}

	result := r.finish(ctx, t, tr, data, err, int(timeout/time.Second))
	if result.Status == task.StatusFailed {
		span.SetStatus(codes.Error, result.Error)
	}
	tr.CompleteTask(result)
	return result
}

// finish folds the raw outcome into a Result, mapping a deadline overrun to
// the timeout error shape with whatever output the task produced so far.
func (r *Runner) finish(ctx context.Context, t task.Task, tr *tracker.Tracker, data any, err error, seconds int) task.Result {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		terr := &task.TimeoutError{TaskID: t.ID, Seconds: seconds}
		return task.Result{
			TaskID: t.ID,
			Status: task.StatusFailed,
			Error:  terr.Error(),
			Data:   map[string]any{"partial_output": tr.CurrentOutput(t.ID)},
		}
	}
	if err != nil {
		return task.Result{TaskID: t.ID, Status: task.StatusFailed, Error: err.Error()}
	}
	return task.Result{TaskID: t.ID, Status: task.StatusCompleted, Data: data}
}

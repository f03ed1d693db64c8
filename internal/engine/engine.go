// Package engine orchestrates batch execution: it validates requests,
// schedules tasks sequentially or across a bounded worker pool, and
// aggregates results into a single response.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nibzard/fanout-go/internal/task"
	"github.com/nibzard/fanout-go/internal/tracker"
)

// DefaultMaxWorkers caps the pool when a parallel request does not set
// max_workers.
const DefaultMaxWorkers = 10

// Processor executes one task. The runner is the production implementation;
// tests substitute fakes.
type Processor interface {
	Process(ctx context.Context, t task.Task, tr *tracker.Tracker) task.Result
}

// Options tunes the engine.
type Options struct {
	// MaxWorkers caps the parallel pool when the request omits
	// max_workers. Zero means DefaultMaxWorkers.
	MaxWorkers int
	// TrackerOptions are threaded into every batch tracker. Tests use
	// them to collapse throttle and grace intervals.
	TrackerOptions []tracker.Option
}

// Engine runs batches of tasks.
type Engine struct {
	manager  *task.Manager
	proc     Processor
	notifier tracker.Notifier
	logger   *log.Logger
	tracer   trace.Tracer
	opts     Options
}

// New wires an engine. The manager registers batch cancellation scopes; the
// notifier receives progress events for every batch.
func New(manager *task.Manager, proc Processor, notifier tracker.Notifier, logger *log.Logger, opts Options) *Engine {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	return &Engine{
		manager:  manager,
		proc:     proc,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer("fanout/engine"),
		opts:     opts,
	}
}

// Response is the aggregate outcome of one batch.
type Response struct {
	Status         string        `json:"status"`
	Results        []task.Result `json:"results"`
	Stats          tracker.Stats `json:"stats"`
	FailureSummary string        `json:"failure_summary,omitempty"`
}

// Batch statuses.
const (
	StatusSuccess        = "success"
	StatusPartialFailure = "partial_failure"
	StatusFailure        = "failure"
)

// Execute runs every task in the request and returns the aggregated
// response. Task failures are data, not errors: the error return is reserved
// for the batch being unable to run at all.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := e.tracer.Start(ctx, "batch.execute", trace.WithAttributes(
		attribute.Int("batch.tasks", len(req.Tasks)),
		attribute.String("batch.mode", string(req.Mode)),
	))
	defer span.End()

	if len(req.Tasks) == 0 {
		return &Response{Status: StatusSuccess, Results: []task.Result{}}, nil
	}

	start := time.Now()
	if secs := req.TimeoutDefault(); secs > 0 {
		for i := range req.Tasks {
			if req.Tasks[i].TimeoutInSeconds == nil {
				s := secs
				req.Tasks[i].TimeoutInSeconds = &s
			}
		}
	}
	e.manager.SaveTasks(req.Tasks)
	scope := task.NewScope(ctx)
	e.manager.RegisterExecution(scope)
	defer scope.Cancel()

	mode := tracker.DisplayMultiple
	if len(req.Tasks) == 1 {
		mode = tracker.DisplaySingle
	}
	tr := tracker.New(req.Tasks, mode, e.notifier, e.logger, e.opts.TrackerOptions...)

	workers := 1
	if req.Mode == task.ModeParallel {
		workers = req.WorkerCap()
		if workers <= 0 {
			workers = e.opts.MaxWorkers
		}
		if workers > len(req.Tasks) {
			workers = len(req.Tasks)
		}
	}
	e.logger.Info("executing batch",
		"tasks", len(req.Tasks),
		"mode", req.Mode,
		"workers", workers)

	switch req.Mode {
	case task.ModeParallel:
		e.runParallel(scope, req.Tasks, tr, workers)
	default:
		e.runSequential(scope, req.Tasks, tr)
	}

	tr.SendTasksComplete()
	return e.buildResponse(req.Tasks, tr, time.Since(start)), nil
}

// runSequential processes tasks one at a time in input order. A batch cancel
// stops dispatch between tasks; the in-flight task runs to its own
// completion or timeout, so the processor gets a context detached from the
// scope.
func (e *Engine) runSequential(scope *task.Scope, tasks []task.Task, tr *tracker.Tracker) {
	runCtx := context.WithoutCancel(scope.Context())
	for _, tk := range tasks {
		if scope.Cancelled() {
			tr.CompleteTask(cancelledResult(tk.ID))
			continue
		}
		e.proc.Process(runCtx, tk, tr)
	}
}

// cancelledResult is the terminal record for a task skipped by a batch cancel.
func cancelledResult(id string) task.Result {
	return task.Result{
		TaskID: id,
		Status: task.StatusFailed,
		Error:  "task execution cancelled",
	}
}

// buildResponse folds tracker state into the batch response.
func (e *Engine) buildResponse(tasks []task.Task, tr *tracker.Tracker, elapsed time.Duration) *Response {
	counts := tr.Counts()
	stats := tracker.Stats{
		TotalTasks:      counts.Total,
		Completed:       counts.Completed,
		Failed:          counts.Failed,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
	if counts.Total > 0 {
		stats.SuccessRate = float64(counts.Completed) / float64(counts.Total) * 100
	}

	status := StatusSuccess
	switch {
	case counts.Failed == counts.Total:
		status = StatusFailure
	case counts.Failed > 0:
		status = StatusPartialFailure
	}

	resp := &Response{
		Status:  status,
		Results: tr.Results(),
		Stats:   stats,
	}
	if counts.Failed > 0 {
		resp.FailureSummary = formatFailureSummary(tasks, resp.Results, tr)
	}
	return resp
}

// formatFailureSummary renders the human-readable digest attached to
// responses with failures: one entry per failed task with its error and the
// tail of whatever output it produced.
func formatFailureSummary(tasks []task.Task, results []task.Result, tr *tracker.Tracker) string {
	names := make(map[string]string, len(tasks))
	for _, tk := range tasks {
		names[tk.ID] = tk.Name()
	}
	var failed []string
	for _, res := range results {
		if res.Status != task.StatusFailed {
			continue
		}
		name := names[res.TaskID]
		if name == "" {
			name = res.TaskID
		}
		failed = append(failed, fmt.Sprintf("- %s: %s\n  output: %s",
			name, res.Error, outputTail(tr.CurrentOutput(res.TaskID))))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d tasks failed:\n", len(failed), len(tasks))
	b.WriteString(strings.Join(failed, "\n"))
	return b.String()
}

// outputTail reduces a task's buffered output to its last non-empty line.
func outputTail(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	tail := strings.TrimSpace(lines[len(lines)-1])
	if tail == "" {
		return "No output captured"
	}
	const maxLen = 200
	if len(tail) > maxLen {
		tail = tail[:maxLen] + "..."
	}
	return tail
}

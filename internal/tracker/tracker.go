// Package tracker maintains per-batch task state and emits throttled
// progress notifications while tasks execute.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nibzard/fanout-go/internal/task"
)

const (
	// defaultUpdateInterval throttles tasks_update snapshots. Lifecycle
	// transitions bypass the throttle so starts and completions are never
	// hidden by it.
	defaultUpdateInterval = time.Second

	// defaultCompletionGrace gives slow consumers a moment to drain the
	// final tasks_complete event before the batch returns.
	defaultCompletionGrace = 500 * time.Millisecond
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source. Tests use this to drive the throttle.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithUpdateInterval overrides the tasks_update throttle interval.
func WithUpdateInterval(d time.Duration) Option {
	return func(t *Tracker) { t.interval = d }
}

// WithCompletionGrace overrides the post-completion drain pause.
func WithCompletionGrace(d time.Duration) Option {
	return func(t *Tracker) { t.grace = d }
}

// Tracker owns the mutable state of one batch: a status record per task plus
// its rolling output buffer. All mutation goes through the tracker, which
// decides when a change is worth a notification.
type Tracker struct {
	mu    sync.Mutex
	infos map[string]*task.Info
	order []string

	mode     DisplayMode
	notifier Notifier
	logger   *log.Logger

	now      func() time.Time
	interval time.Duration
	grace    time.Duration

	started    time.Time
	lastUpdate time.Time
	sentFirst  bool
}

// New creates a tracker for one batch with every task Pending.
func New(tasks []task.Task, mode DisplayMode, notifier Notifier, logger *log.Logger, opts ...Option) *Tracker {
	if notifier == nil {
		notifier = NullNotifier{}
	}
	t := &Tracker{
		infos:    make(map[string]*task.Info, len(tasks)),
		order:    make([]string, 0, len(tasks)),
		mode:     mode,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		interval: defaultUpdateInterval,
		grace:    defaultCompletionGrace,
	}
	for _, tk := range tasks {
		if _, ok := t.infos[tk.ID]; ok {
			continue
		}
		t.infos[tk.ID] = task.NewInfo(tk)
		t.order = append(t.order, tk.ID)
	}
	for _, opt := range opts {
		opt(t)
	}
	t.started = t.now()
	return t
}

// StartTask transitions a task to Running and pushes a snapshot immediately.
func (t *Tracker) StartTask(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.infos[id]
	if !ok {
		return
	}
	if !info.MarkRunning(t.now()) {
		return
	}
	t.logger.Debug("task started", "task", id, "name", info.Task.Name())
	t.sendUpdateLocked(true)
}

// CompleteTask records the terminal result for a task and pushes a snapshot
// immediately. Later results for the same task are ignored.
func (t *Tracker) CompleteTask(result task.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.infos[result.TaskID]
	if !ok {
		return
	}
	if !info.MarkDone(result, t.now()) {
		return
	}
	if result.Status == task.StatusFailed {
		t.logger.Warn("task failed", "task", result.TaskID, "error", result.Error)
	} else {
		t.logger.Debug("task completed", "task", result.TaskID)
	}
	t.sendUpdateLocked(true)
}

// SendLiveOutput records one line of child output. In single display mode
// the line is forwarded verbatim; in multiple mode it lands in the task's
// buffer and rides the next throttled snapshot.
func (t *Tracker) SendLiveOutput(id, line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.infos[id]
	if !ok {
		return
	}
	info.AppendOutput(line)
	switch t.mode {
	case DisplaySingle:
		t.notifier.Notify(Notification{
			Type:    NotificationType,
			Subtype: SubtypeLineOutput,
			TaskID:  id,
			Output:  line,
		})
	default:
		t.sendUpdateLocked(false)
	}
}

// CurrentOutput returns the buffered output for a task, used to attach
// partial output to timeout failures.
func (t *Tracker) CurrentOutput(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.infos[id]
	if !ok {
		return ""
	}
	return info.CurrentOutput()
}

// Counts tallies the batch by status.
func (t *Tracker) Counts() task.StatusCounts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return task.CountByStatus(t.infos)
}

// Results returns terminal results in the batch's input order. Tasks that
// never reported are absent.
func (t *Tracker) Results() []task.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	results := make([]task.Result, 0, len(t.order))
	for _, id := range t.order {
		if info := t.infos[id]; info.Result != nil {
			results = append(results, *info.Result)
		}
	}
	return results
}

// SendTasksComplete emits the final tasks_complete event with aggregate
// stats, then pauses briefly so consumers can drain it.
func (t *Tracker) SendTasksComplete() {
	t.mu.Lock()
	counts := task.CountByStatus(t.infos)
	stats := &Stats{
		TotalTasks:      counts.Total,
		Completed:       counts.Completed,
		Failed:          counts.Failed,
		ExecutionTimeMs: t.now().Sub(t.started).Milliseconds(),
	}
	if counts.Total > 0 {
		stats.SuccessRate = float64(counts.Completed) / float64(counts.Total) * 100
	}
	results := make([]task.Result, 0, len(t.order))
	var failed []FailedTask
	for _, id := range t.order {
		info := t.infos[id]
		if info.Result == nil {
			continue
		}
		results = append(results, *info.Result)
		if info.Result.Status == task.StatusFailed {
			failed = append(failed, FailedTask{
				ID:    id,
				Name:  info.Task.Name(),
				Error: info.Result.Error,
			})
		}
	}
	grace := t.grace
	t.notifier.Notify(Notification{
		Type:        NotificationType,
		Subtype:     SubtypeTasksComplete,
		Results:     results,
		FailedTasks: failed,
		Stats:       stats,
	})
	t.mu.Unlock()

	t.logger.Info("batch finished",
		"total", stats.TotalTasks,
		"completed", stats.Completed,
		"failed", stats.Failed,
		"success_rate", stats.SuccessRate)
	if grace > 0 {
		time.Sleep(grace)
	}
}

// sendUpdateLocked emits a tasks_update snapshot in multiple display mode.
// Non-forced sends are throttled to one per interval; the first snapshot of
// a batch always goes through so consumers see the initial roster.
func (t *Tracker) sendUpdateLocked(force bool) {
	if t.mode != DisplayMultiple {
		return
	}
	now := t.now()
	if !force && t.sentFirst && now.Sub(t.lastUpdate) < t.interval {
		return
	}
	t.lastUpdate = now
	t.sentFirst = true
	counts := task.CountByStatus(t.infos)
	t.notifier.Notify(Notification{
		Type:    NotificationType,
		Subtype: SubtypeTasksUpdate,
		Tasks:   t.snapshotLocked(now),
		Stats: &Stats{
			TotalTasks: counts.Total,
			Pending:    counts.Pending,
			Running:    counts.Running,
			Completed:  counts.Completed,
			Failed:     counts.Failed,
		},
	})
}

// snapshotLocked builds per-task progress rows in input order. Running tasks
// sort first so active work stays visible at the top of long batches.
func (t *Tracker) snapshotLocked(now time.Time) []TaskProgress {
	rows := make([]TaskProgress, 0, len(t.order))
	for _, id := range t.order {
		info := t.infos[id]
		rows = append(rows, TaskProgress{
			ID:            id,
			TaskType:      info.Task.Type,
			TaskName:      info.Task.Name(),
			Status:        info.Status,
			DurationSecs:  info.DurationSeconds(now),
			CurrentOutput: info.CurrentOutput(),
			Error:         info.Error(),
			TaskMetadata:  info.Task.Metadata(),
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Status == task.StatusRunning && rows[j].Status != task.StatusRunning
	})
	return rows
}

package tracker

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/nibzard/fanout-go/internal/task"
)

// NotificationType tags every event emitted by the tracker so consumers can
// route task-execution traffic without inspecting payloads.
const NotificationType = "task_execution"

// Event subtypes.
const (
	SubtypeLineOutput    = "line_output"
	SubtypeTasksUpdate   = "tasks_update"
	SubtypeTasksComplete = "tasks_complete"
)

// DisplayMode selects how progress is surfaced while a batch runs.
type DisplayMode string

const (
	// DisplaySingle streams each output line as its own line_output event.
	// Used when one task has the console to itself.
	DisplaySingle DisplayMode = "single"
	// DisplayMultiple coalesces progress into throttled tasks_update
	// snapshots covering the whole batch.
	DisplayMultiple DisplayMode = "multiple"
)

// TaskProgress is one task's row in a tasks_update snapshot. TaskMetadata
// carries sub-recipe command parameters rendered as "k=v,k=v".
type TaskProgress struct {
	ID            string      `json:"id"`
	TaskType      string      `json:"task_type"`
	TaskName      string      `json:"task_name"`
	Status        task.Status `json:"status"`
	DurationSecs  *float64    `json:"duration_secs,omitempty"`
	CurrentOutput string      `json:"current_output,omitempty"`
	Error         string      `json:"error,omitempty"`
	TaskMetadata  string      `json:"task_metadata,omitempty"`
}

// Stats summarizes a batch. SuccessRate is completed/total as a percentage.
// Pending and Running are only meaningful on in-flight snapshots.
type Stats struct {
	TotalTasks      int     `json:"total_tasks"`
	Pending         int     `json:"pending,omitempty"`
	Running         int     `json:"running,omitempty"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	SuccessRate     float64 `json:"success_rate"`
	ExecutionTimeMs int64   `json:"execution_time_ms"`
}

// FailedTask is one entry in the final summary's failure digest.
type FailedTask struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

// Notification is the wire envelope for all tracker events. Fields beyond
// Type and Subtype are populated per subtype: TaskID and Output for
// line_output, Tasks for tasks_update, Results and Stats for tasks_complete.
type Notification struct {
	Type        string         `json:"type"`
	Subtype     string         `json:"subtype"`
	TaskID      string         `json:"task_id,omitempty"`
	Output      string         `json:"output,omitempty"`
	Tasks       []TaskProgress `json:"tasks,omitempty"`
	Results     []task.Result  `json:"results,omitempty"`
	FailedTasks []FailedTask   `json:"failed_tasks,omitempty"`
	Stats       *Stats         `json:"stats,omitempty"`
}

// Notifier delivers tracker events to whoever is listening. Implementations
// must not block: the tracker calls Notify while holding its lock.
type Notifier interface {
	Notify(n Notification)
}

// NullNotifier discards every event.
type NullNotifier struct{}

func (NullNotifier) Notify(Notification) {}

// ChannelNotifier forwards events to a channel, dropping when the receiver
// falls behind. Progress events are advisory; a dropped snapshot is
// superseded by the next one.
type ChannelNotifier struct {
	ch chan Notification
}

// NewChannelNotifier creates a notifier with the given buffer size.
func NewChannelNotifier(buffer int) *ChannelNotifier {
	return &ChannelNotifier{ch: make(chan Notification, buffer)}
}

// Events returns the receive side of the notifier.
func (c *ChannelNotifier) Events() <-chan Notification {
	return c.ch
}

// Notify enqueues the event without blocking.
func (c *ChannelNotifier) Notify(n Notification) {
	select {
	case c.ch <- n:
	default:
	}
}

// Close releases the channel once no more events will be sent.
func (c *ChannelNotifier) Close() {
	close(c.ch)
}

// WriterNotifier renders each event as one JSON line, for consumers reading
// a stream (a console, a pipe to the host agent).
type WriterNotifier struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriterNotifier creates a notifier encoding onto w.
func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{enc: json.NewEncoder(w)}
}

// Notify writes the event. Encoding errors are dropped; progress is
// advisory and must never fail a batch.
func (n *WriterNotifier) Notify(ev Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_ = n.enc.Encode(ev)
}

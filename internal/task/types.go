// Package task defines the task model shared by the tracker, runner and engine.
package task

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Task types accepted by the execution engine.
const (
	TypeSubRecipe       = "sub_recipe"
	TypeTextInstruction = "text_instruction"
	TypeSubagent        = "subagent"
)

// DefaultTimeout is the per-task wall-clock budget when the task does not
// carry its own timeout_in_seconds.
const DefaultTimeout = 300 * time.Second

// Status is the per-task state machine. Transitions are monotonic:
// Pending -> Running -> {Completed, Failed}.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ExecutionMode selects how a batch is scheduled.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// NormalizeMode maps an input string to an ExecutionMode.
// The empty string defaults to sequential.
func NormalizeMode(mode string) (ExecutionMode, bool) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", string(ModeSequential):
		return ModeSequential, true
	case string(ModeParallel):
		return ModeParallel, true
	default:
		return "", false
	}
}

// Extension filter modes for spawned subagents.
const (
	FilterInclude = "include"
	FilterExclude = "exclude"
	FilterNone    = "none"
)

// ExtensionFilter selects which tool extensions a spawned subagent may load.
type ExtensionFilter struct {
	Mode       string   `json:"mode"`
	Extensions []string `json:"extensions,omitempty"`
}

// Task is an immutable description of one unit of work. The payload is
// variant-specific structured data keyed by task_type.
type Task struct {
	ID               string           `json:"id"`
	Type             string           `json:"task_type"`
	Payload          map[string]any   `json:"payload"`
	TimeoutInSeconds *int             `json:"timeout_in_seconds,omitempty"`
	ExtensionFilter  *ExtensionFilter `json:"extension_filter,omitempty"`
}

// Timeout returns the wall-clock budget for this task.
func (t Task) Timeout() time.Duration {
	if t.TimeoutInSeconds != nil && *t.TimeoutInSeconds > 0 {
		return time.Duration(*t.TimeoutInSeconds) * time.Second
	}
	return DefaultTimeout
}

// TimeoutSeconds returns the budget in whole seconds, for error messages.
func (t Task) TimeoutSeconds() int {
	return int(t.Timeout() / time.Second)
}

// SubRecipe returns the sub_recipe payload object for sub_recipe tasks.
func (t Task) SubRecipe() map[string]any {
	if t.Type != TypeSubRecipe {
		return nil
	}
	sr, _ := t.Payload["sub_recipe"].(map[string]any)
	return sr
}

// SubRecipeName returns the recipe name, or "" when absent.
func (t Task) SubRecipeName() string {
	name, _ := t.SubRecipe()["name"].(string)
	return name
}

// SubRecipePath returns the recipe file path, or "" when absent.
func (t Task) SubRecipePath() string {
	path, _ := t.SubRecipe()["recipe_path"].(string)
	return path
}

// CommandParameters returns the --params key/value map for sub_recipe tasks.
func (t Task) CommandParameters() map[string]any {
	params, _ := t.SubRecipe()["command_parameters"].(map[string]any)
	return params
}

// TextInstruction returns the raw instruction text for text_instruction tasks.
func (t Task) TextInstruction() string {
	if t.Type == TypeSubRecipe {
		return ""
	}
	text, _ := t.Payload["text_instruction"].(string)
	return text
}

// SubagentMessage returns the message handed to a nested subagent.
func (t Task) SubagentMessage() string {
	msg, _ := t.Payload["message"].(string)
	return msg
}

// SubagentRecipeName returns the recipe_name override for subagent tasks.
func (t Task) SubagentRecipeName() string {
	name, _ := t.Payload["recipe_name"].(string)
	return name
}

// SubagentInstructions returns the instructions override for subagent tasks.
func (t Task) SubagentInstructions() string {
	instr, _ := t.Payload["instructions"].(string)
	return instr
}

// SubagentMaxTurns returns the max_turns override, or 0 when absent.
func (t Task) SubagentMaxTurns() int {
	if v, ok := t.Payload["max_turns"].(float64); ok {
		return int(v)
	}
	return 0
}

// Metadata renders sub-recipe command parameters as "k=v,k=v" for progress
// rows. Other task types have no metadata.
func (t Task) Metadata() string {
	params := t.CommandParameters()
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(pairs, ",")
}

// Name returns a human-readable identifier for progress summaries:
// the sub-recipe name when present, otherwise the instruction or message
// head, otherwise the task id.
func (t Task) Name() string {
	if name := t.SubRecipeName(); name != "" {
		return name
	}
	if text := t.TextInstruction(); text != "" {
		return truncateName(text)
	}
	if msg := t.SubagentMessage(); msg != "" {
		return truncateName(msg)
	}
	return t.ID
}

func truncateName(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxLen = 50
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

// Result is the terminal outcome of one task. Error is set iff the task
// failed; Data may carry partial_output on a timeout failure.
type Result struct {
	TaskID string `json:"task_id"`
	Status Status `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// maxOutputBytes bounds the per-task rolling output buffer. Only the tail
// is kept; partial_output on timeout reports the most recent lines.
const maxOutputBytes = 64 * 1024

// Info is the mutable per-batch state for one task. It is owned by the
// tracker; all mutation goes through its methods under the tracker's lock.
type Info struct {
	Task      Task
	Status    Status
	StartTime time.Time
	EndTime   time.Time
	Result    *Result

	output []byte
}

// NewInfo creates the Pending bookkeeping record for a task.
func NewInfo(t Task) *Info {
	return &Info{Task: t, Status: StatusPending}
}

// MarkRunning transitions Pending -> Running, recording the start time once.
// Any other transition is ignored to keep the state machine monotonic.
func (i *Info) MarkRunning(now time.Time) bool {
	if i.Status != StatusPending {
		return false
	}
	i.Status = StatusRunning
	i.StartTime = now
	return true
}

// MarkDone records the terminal result exactly once.
func (i *Info) MarkDone(result Result, now time.Time) bool {
	if i.Status.Terminal() {
		return false
	}
	i.Status = result.Status
	i.EndTime = now
	i.Result = &result
	return true
}

// AppendOutput adds one output line to the rolling buffer, trimming the
// head when the buffer exceeds its bound.
func (i *Info) AppendOutput(line string) {
	i.output = append(i.output, line...)
	i.output = append(i.output, '\n')
	if len(i.output) > maxOutputBytes {
		i.output = i.output[len(i.output)-maxOutputBytes:]
	}
}

// CurrentOutput returns the buffered output accumulated so far.
func (i *Info) CurrentOutput() string {
	return string(i.output)
}

// Error returns the failure message from the recorded result, if any.
func (i *Info) Error() string {
	if i.Result == nil {
		return ""
	}
	return i.Result.Error
}

// DurationSeconds returns the elapsed run time: end-start once terminal,
// now-start while running, and nil before the task started.
func (i *Info) DurationSeconds(now time.Time) *float64 {
	if i.StartTime.IsZero() {
		return nil
	}
	end := now
	if !i.EndTime.IsZero() {
		end = i.EndTime
	}
	secs := end.Sub(i.StartTime).Seconds()
	return &secs
}

// StatusCounts is the by-status tally used in progress notifications.
type StatusCounts struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
}

// CountByStatus tallies a set of task infos by status.
func CountByStatus(infos map[string]*Info) StatusCounts {
	counts := StatusCounts{Total: len(infos)}
	for _, info := range infos {
		switch info.Status {
		case StatusPending:
			counts.Pending++
		case StatusRunning:
			counts.Running++
		case StatusCompleted:
			counts.Completed++
		case StatusFailed:
			counts.Failed++
		}
	}
	return counts
}

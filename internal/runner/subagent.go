package runner

import (
	"context"

	"github.com/nibzard/fanout-go/internal/task"
)

// defaultMaxTurns bounds a spawned subagent's conversation when the task
// does not set its own limit.
const defaultMaxTurns = 10

// SubagentArgs is the validated request handed to the subagent executor.
// Exactly one of RecipeName and Instructions is set.
type SubagentArgs struct {
	Message         string
	RecipeName      string
	Instructions    string
	MaxTurns        int
	ExtensionFilter *task.ExtensionFilter
}

// SubagentExecutor runs a nested agent conversation in-process and returns
// its textual outcome. The engine injects the framework's implementation;
// tests inject fakes.
type SubagentExecutor func(ctx context.Context, args SubagentArgs) (string, error)

// runSubagent validates the payload and delegates to the executor.
func (r *Runner) runSubagent(ctx context.Context, t task.Task) (any, error) {
	if r.subagent == nil {
		return nil, task.Validationf("subagent task %s: no subagent executor configured", t.ID)
	}
	args, err := buildSubagentArgs(t)
	if err != nil {
		return nil, err
	}
	out, err := r.subagent(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &task.ExecutionError{TaskID: t.ID, Message: err.Error()}
	}
	return map[string]any{
		"subagent_result": out,
		"task_id":         t.ID,
	}, nil
}

// buildSubagentArgs extracts and validates subagent fields from the payload.
func buildSubagentArgs(t task.Task) (SubagentArgs, error) {
	msg := t.SubagentMessage()
	if msg == "" {
		return SubagentArgs{}, task.Validationf("subagent task %s has no message", t.ID)
	}
	recipe := t.SubagentRecipeName()
	instructions := t.SubagentInstructions()
	if recipe != "" && instructions != "" {
		return SubagentArgs{}, task.Validationf(
			"subagent task %s sets both recipe_name and instructions", t.ID)
	}
	if recipe == "" && instructions == "" {
		return SubagentArgs{}, task.Validationf(
			"subagent task %s needs recipe_name or instructions", t.ID)
	}
	maxTurns := t.SubagentMaxTurns()
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return SubagentArgs{
		Message:         msg,
		RecipeName:      recipe,
		Instructions:    instructions,
		MaxTurns:        maxTurns,
		ExtensionFilter: t.ExtensionFilter,
	}, nil
}

package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/nibzard/fanout-go/internal/task"
	"github.com/nibzard/fanout-go/internal/tracker"
)

// scanBufSize sizes the line scanners. Agent binaries emit long NDJSON
// lines that overflow bufio's default token limit.
const scanBufSize = 1024 * 1024

// runCommand spawns the agent binary for a command task, streams its stdout
// line by line, and returns the structured result parsed from the output
// tail. A non-zero exit becomes an ExecutionError carrying stderr.
func (r *Runner) runCommand(ctx context.Context, t task.Task, tr *tracker.Tracker) (any, error) {
	args, err := commandArgs(t)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	cmd.Dir = r.cfg.WorkDir
	if len(r.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), r.cfg.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &task.ExecutionError{TaskID: t.ID, Message: fmt.Sprintf("stdout pipe: %v", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &task.ExecutionError{TaskID: t.ID, Message: fmt.Sprintf("stderr pipe: %v", err)}
	}

	r.logger.Debug("spawning task process", "task", t.ID, "binary", r.cfg.Binary, "args", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, &task.ExecutionError{TaskID: t.ID, Message: fmt.Sprintf("failed to start %s: %v", r.cfg.Binary, err)}
	}

	var (
		wg       sync.WaitGroup
		lastLine string
		errBuf   strings.Builder
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), scanBufSize)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) != "" {
				lastLine = line
			}
			tr.SendLiveOutput(t.ID, line)
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), scanBufSize)
		for scanner.Scan() {
			errBuf.WriteString(scanner.Text())
			errBuf.WriteByte('\n')
		}
	}()

	// Drain both pipes before Wait closes them.
	wg.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		// The deadline or a batch cancel killed the child; the caller
		// shapes the final error from the context.
		return nil, ctx.Err()
	}
	if waitErr != nil {
		msg := fmt.Sprintf("Command failed:\n%s", strings.TrimRight(errBuf.String(), "\n"))
		return nil, &task.ExecutionError{TaskID: t.ID, Message: msg}
	}

	if parsed, ok := extractJSONTail(lastLine); ok {
		return parsed, nil
	}
	return map[string]any{"output": tr.CurrentOutput(t.ID)}, nil
}

// extractJSONTail pulls a structured summary from the last non-empty stdout
// line. Agent binaries print a trailing JSON object after their free-form
// output; anything before the first brace is noise. Best effort: stray or
// nested braces in unrelated text can defeat it.
func extractJSONTail(line string) (any, bool) {
	start := strings.IndexByte(line, '{')
	end := strings.LastIndexByte(line, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	var parsed any
	if err := json.Unmarshal([]byte(line[start:end+1]), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

// commandArgs builds the child argv for a command task.
func commandArgs(t task.Task) ([]string, error) {
	switch t.Type {
	case task.TypeSubRecipe:
		path := t.SubRecipePath()
		if path == "" {
			return nil, task.Validationf("sub_recipe task %s has no recipe_path", t.ID)
		}
		args := []string{"run", "--recipe", path, "--no-session"}
		params := t.CommandParameters()
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, "--params", fmt.Sprintf("%s=%v", k, params[k]))
		}
		return args, nil
	case task.TypeTextInstruction:
		text := t.TextInstruction()
		if text == "" {
			return nil, task.Validationf("text_instruction task %s has no instruction text", t.ID)
		}
		return []string{"run", "--text", text}, nil
	default:
		return nil, task.Validationf("task type %q is not a command task", t.Type)
	}
}

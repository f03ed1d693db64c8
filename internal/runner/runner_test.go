package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/nibzard/fanout-go/internal/task"
	"github.com/nibzard/fanout-go/internal/tracker"
)

func quietLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

// writeScript drops a fake agent binary into a temp dir. Tests drive the
// runner against shell scripts instead of a real agent.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTracker(tasks ...task.Task) *tracker.Tracker {
	return tracker.New(tasks, tracker.DisplayMultiple, nil, quietLogger(),
		tracker.WithCompletionGrace(0))
}

func textTask(id, instruction string) task.Task {
	return task.Task{
		ID:      id,
		Type:    task.TypeTextInstruction,
		Payload: map[string]any{"text_instruction": instruction},
	}
}

func TestProcessCommandSuccess(t *testing.T) {
	bin := writeScript(t, `echo "working on it"
echo 'all done {"answer": 42}'`)
	tk := textTask("t1", "do the thing")
	tr := newTracker(tk)
	r := New(Config{Binary: bin}, nil, quietLogger())

	result := r.Process(context.Background(), tk, tr)
	if result.Status != task.StatusCompleted {
		t.Fatalf("status = %s, error = %q", result.Status, result.Error)
	}
	data, ok := result.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T %v", result.Data, result.Data)
	}
	if data["answer"] != float64(42) {
		t.Errorf("parsed tail = %v", data)
	}
	if got := tr.CurrentOutput("t1"); !strings.Contains(got, "working on it") {
		t.Errorf("live output not captured: %q", got)
	}
}

func TestProcessCommandWithoutJSONTail(t *testing.T) {
	bin := writeScript(t, `echo plain text output`)
	tk := textTask("t1", "say something")
	tr := newTracker(tk)
	r := New(Config{Binary: bin}, nil, quietLogger())

	result := r.Process(context.Background(), tk, tr)
	if result.Status != task.StatusCompleted {
		t.Fatalf("status = %s, error = %q", result.Status, result.Error)
	}
	data, ok := result.Data.(map[string]any)
	if !ok || !strings.Contains(data["output"].(string), "plain text output") {
		t.Errorf("data = %v", result.Data)
	}
}

func TestProcessCommandFailure(t *testing.T) {
	bin := writeScript(t, `echo "something broke" >&2
exit 3`)
	tk := textTask("t1", "break")
	tr := newTracker(tk)
	r := New(Config{Binary: bin}, nil, quietLogger())

	result := r.Process(context.Background(), tk, tr)
	if result.Status != task.StatusFailed {
		t.Fatalf("status = %s, want Failed", result.Status)
	}
	if !strings.HasPrefix(result.Error, "Command failed:") {
		t.Errorf("error = %q", result.Error)
	}
	if !strings.Contains(result.Error, "something broke") {
		t.Errorf("stderr not captured in error: %q", result.Error)
	}
}

func TestProcessTimeout(t *testing.T) {
	bin := writeScript(t, `echo "made some progress"
sleep 5`)
	timeout := 1
	tk := textTask("t1", "stall")
	tk.TimeoutInSeconds = &timeout
	tr := newTracker(tk)
	r := New(Config{Binary: bin}, nil, quietLogger())

	result := r.Process(context.Background(), tk, tr)
	if result.Status != task.StatusFailed {
		t.Fatalf("status = %s, want Failed", result.Status)
	}
	if result.Error != "Task timed out after 1s" {
		t.Errorf("error = %q", result.Error)
	}
	data, ok := result.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T", result.Data)
	}
	if !strings.Contains(data["partial_output"].(string), "made some progress") {
		t.Errorf("partial_output = %v", data["partial_output"])
	}
}

func TestProcessSubagent(t *testing.T) {
	t.Run("executor result is wrapped", func(t *testing.T) {
		var captured SubagentArgs
		exec := func(ctx context.Context, args SubagentArgs) (string, error) {
			captured = args
			return "done", nil
		}
		tk := task.Task{
			ID:      "s1",
			Type:    task.TypeSubagent,
			Payload: map[string]any{"message": "summarize", "recipe_name": "digest"},
		}
		tr := newTracker(tk)
		r := New(Config{}, exec, quietLogger())

		result := r.Process(context.Background(), tk, tr)
		if result.Status != task.StatusCompleted {
			t.Fatalf("status = %s, error = %q", result.Status, result.Error)
		}
		if captured.Message != "summarize" || captured.MaxTurns != defaultMaxTurns {
			t.Errorf("executor args = %+v", captured)
		}
		data, ok := result.Data.(map[string]any)
		if !ok || data["subagent_result"] != "done" || data["task_id"] != "s1" {
			t.Errorf("data = %v", result.Data)
		}
	})

	t.Run("executor error becomes failure", func(t *testing.T) {
		exec := func(ctx context.Context, args SubagentArgs) (string, error) {
			return "", errors.New("model refused")
		}
		tk := task.Task{
			ID:      "s1",
			Type:    task.TypeSubagent,
			Payload: map[string]any{"message": "summarize", "instructions": "be brief"},
		}
		tr := newTracker(tk)
		r := New(Config{}, exec, quietLogger())

		result := r.Process(context.Background(), tk, tr)
		if result.Status != task.StatusFailed || result.Error != "model refused" {
			t.Errorf("result = %+v", result)
		}
	})
}

func TestBuildSubagentArgs(t *testing.T) {
	t.Run("recipe and instructions are mutually exclusive", func(t *testing.T) {
		tk := task.Task{
			ID:   "s1",
			Type: task.TypeSubagent,
			Payload: map[string]any{
				"message":      "go",
				"recipe_name":  "weather",
				"instructions": "be brief",
			},
		}
		_, err := buildSubagentArgs(tk)
		var verr *task.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("want ValidationError, got %T %v", err, err)
		}
	})

	t.Run("missing message rejected", func(t *testing.T) {
		tk := task.Task{ID: "s1", Type: task.TypeSubagent, Payload: map[string]any{}}
		if _, err := buildSubagentArgs(tk); err == nil {
			t.Fatal("want error for missing message")
		}
	})

	t.Run("neither recipe nor instructions rejected", func(t *testing.T) {
		tk := task.Task{
			ID:      "s1",
			Type:    task.TypeSubagent,
			Payload: map[string]any{"message": "go"},
		}
		_, err := buildSubagentArgs(tk)
		var verr *task.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("want ValidationError, got %T %v", err, err)
		}
	})

	t.Run("explicit max_turns kept", func(t *testing.T) {
		tk := task.Task{
			ID:   "s1",
			Type: task.TypeSubagent,
			Payload: map[string]any{
				"message":      "go",
				"instructions": "short answers",
				"max_turns":    float64(3),
			},
		}
		args, err := buildSubagentArgs(tk)
		if err != nil {
			t.Fatal(err)
		}
		if args.MaxTurns != 3 {
			t.Errorf("MaxTurns = %d", args.MaxTurns)
		}
	})
}

func TestProcessUnsupportedType(t *testing.T) {
	tk := task.Task{ID: "x1", Type: "mystery", Payload: map[string]any{}}
	tr := newTracker(tk)
	r := New(Config{Binary: "/bin/true"}, nil, quietLogger())

	result := r.Process(context.Background(), tk, tr)
	if result.Status != task.StatusFailed {
		t.Fatalf("status = %s", result.Status)
	}
	if !strings.Contains(result.Error, "unsupported task type") {
		t.Errorf("error = %q", result.Error)
	}
}

func TestCommandArgs(t *testing.T) {
	t.Run("sub_recipe with sorted params", func(t *testing.T) {
		tk := task.Task{
			ID:   "r1",
			Type: task.TypeSubRecipe,
			Payload: map[string]any{
				"sub_recipe": map[string]any{
					"name":        "weather",
					"recipe_path": "/recipes/weather.yaml",
					"command_parameters": map[string]any{
						"units": "metric",
						"city":  "Ljubljana",
					},
				},
			},
		}
		args, err := commandArgs(tk)
		if err != nil {
			t.Fatal(err)
		}
		want := []string{
			"run", "--recipe", "/recipes/weather.yaml", "--no-session",
			"--params", "city=Ljubljana",
			"--params", "units=metric",
		}
		if !reflect.DeepEqual(args, want) {
			t.Errorf("args = %v, want %v", args, want)
		}
	})

	t.Run("sub_recipe without path rejected", func(t *testing.T) {
		tk := task.Task{
			ID:      "r1",
			Type:    task.TypeSubRecipe,
			Payload: map[string]any{"sub_recipe": map[string]any{"name": "weather"}},
		}
		if _, err := commandArgs(tk); err == nil {
			t.Fatal("want error for missing recipe_path")
		}
	})

	t.Run("text_instruction", func(t *testing.T) {
		args, err := commandArgs(textTask("t1", "echo hi"))
		if err != nil {
			t.Fatal(err)
		}
		// The text form spawns without --no-session; only recipe runs
		// carry it.
		want := []string{"run", "--text", "echo hi"}
		if !reflect.DeepEqual(args, want) {
			t.Errorf("args = %v, want %v", args, want)
		}
	})
}

func TestExtractJSONTail(t *testing.T) {
	tests := []struct {
		name string
		line string
		ok   bool
	}{
		{"bare object", `{"a":1}`, true},
		{"object with prefix and suffix", `result: {"a":1} done`, true},
		{"no braces", "plain text", false},
		{"unbalanced", "{not json", false},
		{"invalid json inside braces", "{nope}", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := extractJSONTail(tt.line)
			if ok != tt.ok {
				t.Errorf("extractJSONTail(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			}
		})
	}
}

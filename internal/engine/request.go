package engine

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nibzard/fanout-go/internal/task"
)

// requestSchemaJSON is the structural contract for an execute request.
// Semantic rules (mode names, payload field combinations) are checked in Go
// after decoding so their error messages name the offending task.
const requestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "tasks": {
      "type": "array",
      "items": {"$ref": "#/$defs/task"}
    },
    "execution_mode": {"type": "string"},
    "max_workers": {"type": "integer", "minimum": 1},
    "initial_workers": {"type": "integer", "minimum": 1},
    "config": {
      "type": "object",
      "properties": {
        "max_workers": {"type": "integer", "minimum": 1},
        "timeout_seconds": {"type": "integer", "minimum": 1},
        "initial_workers": {"type": "integer", "minimum": 1}
      }
    }
  },
  "$defs": {
    "task": {
      "type": "object",
      "required": ["id", "task_type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "task_type": {"type": "string"},
        "payload": {"type": "object"},
        "timeout_in_seconds": {"type": "integer", "minimum": 1},
        "extension_filter": {
          "type": "object",
          "required": ["mode"],
          "properties": {
            "mode": {"type": "string", "enum": ["include", "exclude", "none"]},
            "extensions": {"type": "array", "items": {"type": "string"}}
          }
        }
      }
    }
  }
}`

var requestSchema = jsonschema.MustCompileString("execute_tasks.json", requestSchemaJSON)

// RequestConfig is the inline pool configuration a request may carry. It
// overrides engine-level settings for this batch only.
type RequestConfig struct {
	MaxWorkers     int `json:"max_workers,omitempty"`
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	InitialWorkers int `json:"initial_workers,omitempty"`
}

// Request is a validated batch execution request.
type Request struct {
	Tasks          []task.Task    `json:"tasks"`
	ExecutionMode  string         `json:"execution_mode,omitempty"`
	MaxWorkers     int            `json:"max_workers,omitempty"`
	InitialWorkers int            `json:"initial_workers,omitempty"`
	Config         *RequestConfig `json:"config,omitempty"`

	// Mode is the normalized form of ExecutionMode, set by ParseRequest.
	Mode task.ExecutionMode `json:"-"`
}

// WorkerCap returns the request's parallel pool cap: the inline config block
// wins over the top-level field; zero means the engine default applies.
func (r *Request) WorkerCap() int {
	if r.Config != nil && r.Config.MaxWorkers > 0 {
		return r.Config.MaxWorkers
	}
	return r.MaxWorkers
}

// TimeoutDefault returns the request-level per-task timeout override in
// seconds, or zero when unset.
func (r *Request) TimeoutDefault() int {
	if r.Config != nil {
		return r.Config.TimeoutSeconds
	}
	return 0
}

// ParseRequest decodes and validates an execute request. A tasks field
// holding a single object is accepted as a one-element batch. Validation is
// fail fast: the whole request is rejected before anything runs.
func ParseRequest(data []byte) (*Request, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, task.Validationf("request is not valid JSON: %v", err)
	}
	if obj, ok := raw.(map[string]any); ok {
		if single, ok := obj["tasks"].(map[string]any); ok {
			obj["tasks"] = []any{single}
		}
	}
	if err := requestSchema.Validate(raw); err != nil {
		return nil, task.Validationf("%v", err)
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, task.Validationf("request: %v", err)
	}
	var req Request
	if err := json.Unmarshal(normalized, &req); err != nil {
		return nil, task.Validationf("request: %v", err)
	}

	mode, ok := task.NormalizeMode(req.ExecutionMode)
	if !ok {
		return nil, task.Validationf("unknown execution_mode %q", req.ExecutionMode)
	}
	req.Mode = mode

	seen := make(map[string]bool, len(req.Tasks))
	for _, tk := range req.Tasks {
		if seen[tk.ID] {
			return nil, task.Validationf("duplicate task id %q", tk.ID)
		}
		seen[tk.ID] = true
		if err := validateTask(tk); err != nil {
			return nil, err
		}
	}
	return &req, nil
}

// validateTask checks the variant-specific payload rules.
func validateTask(tk task.Task) error {
	switch tk.Type {
	case task.TypeSubRecipe:
		if tk.SubRecipePath() == "" {
			return task.Validationf("sub_recipe task %s has no recipe_path", tk.ID)
		}
	case task.TypeTextInstruction:
		if tk.TextInstruction() == "" {
			return task.Validationf("text_instruction task %s has no instruction text", tk.ID)
		}
	case task.TypeSubagent:
		if tk.SubagentMessage() == "" {
			return task.Validationf("subagent task %s has no message", tk.ID)
		}
		recipe, instructions := tk.SubagentRecipeName(), tk.SubagentInstructions()
		if recipe != "" && instructions != "" {
			return task.Validationf("subagent task %s sets both recipe_name and instructions", tk.ID)
		}
		if recipe == "" && instructions == "" {
			return task.Validationf("subagent task %s needs recipe_name or instructions", tk.ID)
		}
	default:
		return task.Validationf("task %s has unknown task_type %q", tk.ID, tk.Type)
	}
	return nil
}

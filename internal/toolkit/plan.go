package toolkit

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MaxPlannedCalls caps how many tool invocations one planning pass may
// request.
const MaxPlannedCalls = 3

// PlannedCall is one tool invocation as the planner emits it.
type PlannedCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Plan is the planner's structured output.
type Plan struct {
	Calls  []PlannedCall `json:"calls"`
	Intent string        `json:"intent"`
}

// PlanSchema returns the JSON schema enforced on the planning call.
// The tool enum, the call cap, and the required fields here are the
// contract; Request() is the other half that turns a conforming plan
// into typed work.
func PlanSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "calls": {
      "type": "array",
      "maxItems": ` + fmt.Sprint(MaxPlannedCalls) + `,
      "items": {
        "type": "object",
        "properties": {
          "tool": {
            "type": "string",
            "enum": ["none", "calc", "note_set", "note_get", "list_files", "write_file", "memory_search", "index_path"]
          },
          "args": {"type": "object"}
        },
        "required": ["tool"]
      }
    },
    "intent": {"type": "string"}
  },
  "required": ["calls", "intent"]
}`)
}

// ParsePlan decodes planner output. Markdown fences around the JSON
// are tolerated; anything else malformed is an error and the caller
// degrades to running no tools.
func ParsePlan(text string) (Plan, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(text), &plan); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	if len(plan.Calls) > MaxPlannedCalls {
		plan.Calls = plan.Calls[:MaxPlannedCalls]
	}
	return plan, nil
}

// Request converts a planned call into its typed request. The "none"
// tool yields (nil, nil): a deliberate decision to use no tool.
func (c PlannedCall) Request() (Request, error) {
	switch c.Tool {
	case ToolNone, "":
		return nil, nil
	case ToolCalc:
		expr := argString(c.Args, "expr", "expression")
		if expr == "" {
			return nil, fmt.Errorf("calc: missing expr")
		}
		return CalcRequest{Expr: expr}, nil
	case ToolNoteSet:
		key := argString(c.Args, "key")
		if key == "" {
			return nil, fmt.Errorf("note_set: missing key")
		}
		return NoteSetRequest{Key: key, Value: argString(c.Args, "value")}, nil
	case ToolNoteGet:
		key := argString(c.Args, "key")
		if key == "" {
			return nil, fmt.Errorf("note_get: missing key")
		}
		return NoteGetRequest{Key: key}, nil
	case ToolListFiles:
		dir := argString(c.Args, "dir", "path")
		if dir == "" {
			return nil, fmt.Errorf("list_files: missing dir")
		}
		return ListFilesRequest{Dir: dir}, nil
	case ToolWriteFile:
		path := argString(c.Args, "path")
		if path == "" {
			return nil, fmt.Errorf("write_file: missing path")
		}
		return WriteFileRequest{
			Path:      path,
			Content:   argString(c.Args, "content"),
			Overwrite: argBool(c.Args, "overwrite"),
		}, nil
	case ToolMemorySearch:
		query := argString(c.Args, "query")
		if query == "" {
			return nil, fmt.Errorf("memory_search: missing query")
		}
		return MemorySearchRequest{Query: query, Limit: argInt(c.Args, "limit")}, nil
	case ToolIndexPath:
		path := argString(c.Args, "path")
		if path == "" {
			return nil, fmt.Errorf("index_path: missing path")
		}
		return IndexPathRequest{
			Path:      path,
			ChunkSize: argInt(c.Args, "chunk_size"),
			Overlap:   argInt(c.Args, "overlap"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown tool %q", c.Tool)
	}
}

func argString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k].(string); ok {
			return v
		}
	}
	return ""
}

func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

package pipeline

import (
	"encoding/json"
	"fmt"
)

// ToolCandidate is a tool invocation detected on a chat page. The detector
// assigns IDs per detected occurrence; Name and Args never change once
// observed. Args is model-controlled and may be malformed.
type ToolCandidate struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args any    `json:"args"`
}

// DedupKey is the composite identity used to collapse duplicate detections:
// tool name plus the canonical serialization of the arguments. Two candidates
// with the same key are one logical call, whatever their IDs.
func (c ToolCandidate) DedupKey() string {
	return c.Name + ":" + canonicalArgs(c.Args)
}

// canonicalArgs produces a deterministic serialization of candidate
// arguments. String arguments that hold valid JSON are parsed and
// re-marshaled so that formatting differences collapse; Go's map marshaling
// sorts keys, which keeps object key order stable.
func canonicalArgs(args any) string {
	switch v := args.(type) {
	case nil:
		return "null"
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return v
		}
		b, err := json.Marshal(parsed)
		if err != nil {
			return v
		}
		return string(b)
	default:
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Sprintf("%v", args)
		}
		return string(b)
	}
}

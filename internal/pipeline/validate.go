package pipeline

import "encoding/json"

// Validation messages surfaced as the tool's result when arguments are
// rejected. Invalid status is permanent for the lifetime of an ID — args do
// not change after detection, so there is no re-validation.
const (
	msgInvalidJSON   = "Invalid JSON arguments"
	msgNotObjectArgs = "Arguments must be a valid JSON object or array"
)

// ValidateArgs classifies candidate arguments as executable or not.
// String arguments must parse as JSON; non-string arguments must be null,
// an object, or an array. Everything else is a primitive smuggled in by the
// model and is rejected.
func ValidateArgs(args any) (ok bool, reason string) {
	if raw, isRaw := args.(json.RawMessage); isRaw {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return false, msgInvalidJSON
		}
		return true, ""
	}

	switch v := args.(type) {
	case nil:
		return true, ""
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return false, msgInvalidJSON
		}
		return true, ""
	case map[string]any, []any:
		return true, ""
	default:
		return false, msgNotObjectArgs
	}
}

// normalizedArgs returns the value handed to the executor: string arguments
// holding JSON are parsed so the wire payload carries structure, not a quoted
// blob. Callers must have validated args first.
func normalizedArgs(args any) any {
	s, isStr := args.(string)
	if !isStr {
		return args
	}
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return args
	}
	return parsed
}

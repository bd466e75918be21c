package registry

// ToolDefinition represents a tool registered with the bridge.
// Loaded from the tool_definitions table.
type ToolDefinition struct {
	ID             string
	ToolName       string
	Description    string
	Enabled        bool
	ArgumentSchema map[string]any // JSON Schema, nil if not set
}

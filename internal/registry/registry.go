package registry

import "context"

// ToolRegistry provides definitions for tools the bridge is allowed to run.
type ToolRegistry interface {
	// GetTool returns the ToolDefinition for a tool name.
	// Returns nil if the tool is not registered (unregistered tool path).
	GetTool(ctx context.Context, toolName string) (*ToolDefinition, error)
}

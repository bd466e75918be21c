package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

// SchemaPreflight guards executions with the registry: disabled tools are
// refused and registered argument schemas are enforced before the executor
// is ever called. Unregistered tools pass through untouched.
type SchemaPreflight struct {
	registry ToolRegistry
	logger   *zap.Logger
}

// NewSchemaPreflight creates a preflight backed by the given registry.
func NewSchemaPreflight(reg ToolRegistry, logger *zap.Logger) *SchemaPreflight {
	return &SchemaPreflight{registry: reg, logger: logger}
}

// Check implements the driver's preflight hook.
func (p *SchemaPreflight) Check(ctx context.Context, name string, args any) error {
	td, err := p.registry.GetTool(ctx, name)
	if err != nil {
		// Registry lookup failures degrade to the unregistered tool path
		// rather than blocking execution.
		p.logger.Warn("tool registry lookup failed",
			zap.String("tool_name", name),
			zap.Error(err),
		)
		return nil
	}
	if td == nil {
		return nil
	}
	if !td.Enabled {
		return fmt.Errorf("tool %q is disabled", name)
	}
	if td.ArgumentSchema == nil {
		return nil
	}
	return validateSchema(args, td.ArgumentSchema)
}

func validateSchema(args any, schema map[string]any) error {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("invalid argument_schema: %w", err)
	}

	var schemaObj any
	if err := json.Unmarshal(schemaBytes, &schemaObj); err != nil {
		return fmt.Errorf("schema unmarshal error: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaObj); err != nil {
		return fmt.Errorf("schema compile error: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("schema compile error: %w", err)
	}

	// Round-trip the arguments so typed values hit the validator as plain
	// JSON values.
	argBytes, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments are not serializable: %w", err)
	}
	var argObj any
	if err := json.Unmarshal(argBytes, &argObj); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}

	if err := sch.Validate(argObj); err != nil {
		return fmt.Errorf("schema validation failed: %v", err)
	}

	return nil
}

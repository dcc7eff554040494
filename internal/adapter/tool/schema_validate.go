package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"athena/internal/domain"
)

// SchemaValidatingTool wraps a Tool and checks that every key listed in the
// schema's top-level "required" array is present before delegating. Types and
// nested constraints are left to the tool itself.
type SchemaValidatingTool struct {
	inner    domain.Tool
	required *jsonschema.Schema
}

// WithSchemaValidation compiles the tool's parameter schema and wraps the tool
// with required-key validation. It returns an error if the schema is not a
// valid JSON Schema document. Tools without a schema are returned unchanged.
func WithSchemaValidation(t domain.Tool) (domain.Tool, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return t, nil
	}

	if _, err := compileSchema(raw); err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", t.Name(), err)
	}

	var doc struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("read schema for %q: %w", t.Name(), err)
	}
	if len(doc.Required) == 0 {
		return t, nil
	}

	reduced, err := json.Marshal(map[string]any{"type": "object", "required": doc.Required})
	if err != nil {
		return nil, err
	}
	compiled, err := compileSchema(reduced)
	if err != nil {
		return nil, fmt.Errorf("compile required keys for %q: %w", t.Name(), err)
	}
	return &SchemaValidatingTool{inner: t, required: compiled}, nil
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

func (s *SchemaValidatingTool) Name() string              { return s.inner.Name() }
func (s *SchemaValidatingTool) Description() string       { return s.inner.Description() }
func (s *SchemaValidatingTool) Schema() domain.ToolSchema { return s.inner.Schema() }

func (s *SchemaValidatingTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("invalid JSON: %v", err)}, nil
	}
	if err := s.required.Validate(v); err != nil {
		return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("schema validation failed: %v", err)}, nil
	}
	return s.inner.Execute(ctx, params)
}

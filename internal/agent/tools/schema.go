package tools

import (
	"fmt"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

// Schema is the declared shape of a tool's parameters. It covers the subset
// of JSON Schema the catalog needs: typed properties, required fields, enums
// and typed array items.
type Schema struct {
	Properties map[string]Property
	Required   []string
}

// Property describes one parameter.
type Property struct {
	Type        string // string, integer, number, boolean, array, object
	Description string
	Enum        []string
	Items       *Property
}

// AsMap renders the schema in JSON-Schema form for the model catalog.
func (s Schema) AsMap() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = p.asMap()
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

func (p Property) asMap() map[string]any {
	m := map[string]any{"type": p.Type}
	if p.Description != "" {
		m["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		m["enum"] = p.Enum
	}
	if p.Items != nil {
		m["items"] = p.Items.asMap()
	}
	return m
}

// Validate checks decoded params against the schema. Violations wrap
// domain.ErrSchemaInvalid so the loop reports them to the model as a
// tool-role error instead of failing the job.
func (s Schema) Validate(params map[string]any) error {
	for _, req := range s.Required {
		if _, ok := params[req]; !ok {
			return fmt.Errorf("%w: missing required parameter %q", domain.ErrSchemaInvalid, req)
		}
	}
	for name, val := range params {
		prop, ok := s.Properties[name]
		if !ok {
			return fmt.Errorf("%w: unknown parameter %q", domain.ErrSchemaInvalid, name)
		}
		if err := prop.check(name, val); err != nil {
			return err
		}
	}
	return nil
}

func (p Property) check(name string, val any) error {
	switch p.Type {
	case "string":
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("%w: parameter %q must be a string", domain.ErrSchemaInvalid, name)
		}
		if len(p.Enum) > 0 {
			for _, e := range p.Enum {
				if s == e {
					return nil
				}
			}
			return fmt.Errorf("%w: parameter %q must be one of %v", domain.ErrSchemaInvalid, name, p.Enum)
		}
	case "integer":
		// JSON numbers decode as float64; accept whole floats and ints.
		switch n := val.(type) {
		case float64:
			if n != float64(int64(n)) {
				return fmt.Errorf("%w: parameter %q must be an integer", domain.ErrSchemaInvalid, name)
			}
		case int, int64:
		default:
			return fmt.Errorf("%w: parameter %q must be an integer", domain.ErrSchemaInvalid, name)
		}
	case "number":
		switch val.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("%w: parameter %q must be a number", domain.ErrSchemaInvalid, name)
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("%w: parameter %q must be a boolean", domain.ErrSchemaInvalid, name)
		}
	case "array":
		arr, ok := val.([]any)
		if !ok {
			return fmt.Errorf("%w: parameter %q must be an array", domain.ErrSchemaInvalid, name)
		}
		if p.Items != nil {
			for i, item := range arr {
				if err := p.Items.check(fmt.Sprintf("%s[%d]", name, i), item); err != nil {
					return err
				}
			}
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			return fmt.Errorf("%w: parameter %q must be an object", domain.ErrSchemaInvalid, name)
		}
	default:
		return fmt.Errorf("%w: parameter %q has unsupported schema type %q", domain.ErrSchemaInvalid, name, p.Type)
	}
	return nil
}

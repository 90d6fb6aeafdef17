// Package schema holds the canonical artifact schemas and validates JSON
// artifacts against them by registry name.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// projectIRSchema is the structural contract for the project intermediate
// representation produced by the generate-IR links.
const projectIRSchema = `{
  "type": "object",
  "required": ["name", "nodes", "connections", "groups"],
  "properties": {
    "name": {"type": "string"},
    "description": {"type": "string"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "role", "node_type"],
        "properties": {
          "name": {"type": "string"},
          "role": {"type": "string"},
          "node_type": {"type": "string"},
          "architecture": {"type": "string"},
          "operating_system": {"type": "string"},
          "template_hint": {"type": "string"},
          "parent_group": {"type": ["string", "null"]},
          "interfaces": {"type": "array"},
          "services": {"type": "array"},
          "metadata": {"type": "object"}
        }
      }
    },
    "connections": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source_node", "target_node"],
        "properties": {
          "source_node": {"type": "string"},
          "target_node": {"type": "string"},
          "connection_type": {"type": "string"},
          "bidirectional": {"type": "boolean"},
          "confidence": {"type": "number"}
        }
      }
    },
    "groups": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "member_nodes"],
        "properties": {
          "name": {"type": "string"},
          "member_nodes": {"type": "array", "items": {"type": "string"}},
          "parent_group": {"type": ["string", "null"]},
          "group_type": {"type": "string"}
        }
      }
    },
    "workflow": {
      "type": "object",
      "properties": {
        "steps": {"type": "array"}
      }
    },
    "metadata": {"type": "object"}
  }
}`

var (
	compileOnce sync.Once
	registry    map[string]*jsonschema.Schema
	compileErr  error
)

func compiled() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		sources := map[string]string{
			"project_ir":            projectIRSchema,
			"forgechain.project.ir": projectIRSchema,
		}
		registry = make(map[string]*jsonschema.Schema, len(sources))
		for name, source := range sources {
			compiler := jsonschema.NewCompiler()
			if err := compiler.AddResource(name+".json", strings.NewReader(source)); err != nil {
				compileErr = fmt.Errorf("schema: register %s: %w", name, err)
				return
			}
			s, err := compiler.Compile(name + ".json")
			if err != nil {
				compileErr = fmt.Errorf("schema: compile %s: %w", name, err)
				return
			}
			registry[name] = s
		}
	})
	return registry, compileErr
}

// Known reports whether a schema name is registered.
func Known(name string) bool {
	reg, err := compiled()
	if err != nil {
		return false
	}
	_, ok := reg[name]
	return ok
}

// Names returns the registered schema names.
func Names() []string {
	reg, err := compiled()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(reg))
	for name := range reg {
		names = append(names, name)
	}
	return names
}

// Validate checks a decoded JSON document against a registered schema.
// Unknown schema names are not an error; callers decide whether a missing
// schema is fatal via Known.
func Validate(name string, doc any) error {
	reg, err := compiled()
	if err != nil {
		return err
	}
	s, ok := reg[name]
	if !ok {
		return nil
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("schema: %s: %w", name, err)
	}
	return nil
}

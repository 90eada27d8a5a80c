// Package openapi publishes the dictionary import format of a uow.Model as an
// OpenAPI document: one component schema per entity and one import operation
// per entity accepting a single input or a list of inputs.
package openapi

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goliatone/go-uow"
)

// Generator renders OpenAPI documents for a model.
type Generator struct {
	config generatorConfig
}

// NewGenerator constructs a generator with the supplied options applied over
// the defaults.
func NewGenerator(opts ...GeneratorOption) *Generator {
	cfg := defaultGeneratorConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Generator{config: cfg}
}

// Generate is shorthand for NewGenerator(opts...).Generate(model).
func Generate(model *uow.Model, opts ...GeneratorOption) (map[string]any, error) {
	return NewGenerator(opts...).Generate(model)
}

// Generate returns the OpenAPI document describing the import input of every
// entity in model.
func (g *Generator) Generate(model *uow.Model) (map[string]any, error) {
	if model == nil {
		return nil, fmt.Errorf("openapi: model cannot be nil")
	}
	entities, err := g.selectEntities(model)
	if err != nil {
		return nil, err
	}

	registry := newComponentRegistry()
	schemas := map[string]any{}
	for _, name := range publishedEntities(model, entities) {
		entity, _ := model.Entity(name)
		schema, err := entitySchema(entity, registry)
		if err != nil {
			return nil, err
		}
		schemas[registry.name(name)] = schema
	}

	return newDocumentBuilder(g.config, registry, entities).build(schemas)
}

func (g *Generator) selectEntities(model *uow.Model) ([]string, error) {
	if len(g.config.entities) == 0 {
		return model.Names(), nil
	}
	selected := make([]string, 0, len(g.config.entities))
	seen := map[string]struct{}{}
	for _, name := range g.config.entities {
		if _, ok := model.Entity(name); !ok {
			return nil, fmt.Errorf("openapi: unknown entity %q", name)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		selected = append(selected, name)
	}
	sort.Strings(selected)
	return selected, nil
}

// publishedEntities returns the selected entities plus every entity reachable
// through their relationships.
func publishedEntities(model *uow.Model, roots []string) []string {
	seen := map[string]struct{}{}
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		entity, _ := model.Entity(name)
		for _, rel := range entity.Relationships {
			queue = append(queue, rel.Target)
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func entitySchema(entity uow.EntityType, registry *componentRegistry) (map[string]any, error) {
	root := newPropertyNode()
	identity := map[string]struct{}{}
	for _, key := range entity.IdentityKeys {
		identity[key] = struct{}{}
	}

	for _, attr := range entity.Attributes {
		schema := attributeSchema(attr)
		_, required := identity[attr.Name]
		if required {
			delete(schema, "nullable")
		}
		if err := root.insert(splitKey(attr.ImportKey()), schema, required); err != nil {
			return nil, fmt.Errorf("openapi: %s.%s: %w", entity.Name, attr.Name, err)
		}
	}
	for _, rel := range entity.Relationships {
		if err := root.insert(splitKey(rel.ImportKey()), relationshipSchema(rel, registry), false); err != nil {
			return nil, fmt.Errorf("openapi: %s.%s: %w", entity.Name, rel.Name, err)
		}
	}

	schema := root.schema()
	schema["x-entity"] = entity.Name
	if len(entity.IdentityKeys) > 0 {
		schema["x-identity-keys"] = append([]string(nil), entity.IdentityKeys...)
	}
	return schema, nil
}

func attributeSchema(attr uow.Attribute) map[string]any {
	var schema map[string]any
	switch attr.Kind {
	case uow.KindString:
		schema = map[string]any{"type": "string"}
	case uow.KindInt:
		schema = map[string]any{"type": "integer", "format": "int64"}
	case uow.KindFloat:
		schema = map[string]any{"type": "number", "format": "double"}
	case uow.KindBool:
		schema = map[string]any{"type": "boolean"}
	case uow.KindTime:
		schema = map[string]any{"type": "string", "format": "date-time"}
	case uow.KindBinary:
		schema = map[string]any{"type": "string", "format": "byte"}
	default:
		schema = map[string]any{}
	}
	// null clears the attribute unless the import policy ignores nulls.
	schema["nullable"] = true
	return schema
}

func relationshipSchema(rel uow.Relationship, registry *componentRegistry) map[string]any {
	item := map[string]any{
		"oneOf": []any{
			map[string]any{"$ref": registry.ref(rel.Target)},
			map[string]any{"type": "string", "description": "id of an existing " + rel.Target},
		},
	}
	if !rel.ToMany {
		item["nullable"] = true
		return item
	}
	return map[string]any{
		"type":     "array",
		"items":    item,
		"nullable": true,
	}
}

func splitKey(key string) []string {
	return strings.Split(key, ".")
}

// propertyNode builds nested object schemas from dotted input keys.
type propertyNode struct {
	leaf     map[string]any
	children map[string]*propertyNode
	required map[string]struct{}
}

func newPropertyNode() *propertyNode {
	return &propertyNode{
		children: map[string]*propertyNode{},
		required: map[string]struct{}{},
	}
}

func (n *propertyNode) insert(path []string, schema map[string]any, required bool) error {
	head := path[0]
	if head == "" {
		return fmt.Errorf("empty segment in input key %q", strings.Join(path, "."))
	}
	child, exists := n.children[head]
	if len(path) == 1 {
		if exists {
			return fmt.Errorf("input key segment %q is declared twice", head)
		}
		n.children[head] = &propertyNode{leaf: schema}
	} else {
		if !exists {
			child = newPropertyNode()
			n.children[head] = child
		} else if child.leaf != nil {
			return fmt.Errorf("input key segment %q is both a value and an object", head)
		}
		if err := child.insert(path[1:], schema, required); err != nil {
			return err
		}
	}
	if required {
		n.required[head] = struct{}{}
	}
	return nil
}

func (n *propertyNode) schema() map[string]any {
	if n.leaf != nil {
		return n.leaf
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	properties := make(map[string]any, len(names))
	for _, name := range names {
		properties[name] = n.children[name].schema()
	}
	out := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": true,
	}
	if len(n.required) > 0 {
		required := make([]string, 0, len(n.required))
		for name := range n.required {
			required = append(required, name)
		}
		sort.Strings(required)
		out["required"] = required
	}
	return out
}

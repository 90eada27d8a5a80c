package uow

import (
	"fmt"
	"sort"
	"strings"
)

// AttributeKind is the declared value type of an attribute.
type AttributeKind int

const (
	KindAny AttributeKind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
	KindBinary
)

var attributeKindNames = map[AttributeKind]string{
	KindAny:    "any",
	KindString: "string",
	KindInt:    "int",
	KindFloat:  "float",
	KindBool:   "bool",
	KindTime:   "time",
	KindBinary: "binary",
}

func (k AttributeKind) String() string {
	if name, ok := attributeKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("AttributeKind(%d)", int(k))
}

// Attribute is a scalar or blob field of an entity. InputKey names the import
// input key (dotted paths address nested maps) and defaults to Name.
type Attribute struct {
	Name     string
	Kind     AttributeKind
	InputKey string
}

// ImportKey returns the input key the Importer reads the attribute from.
func (a Attribute) ImportKey() string {
	if a.InputKey != "" {
		return a.InputKey
	}
	return a.Name
}

// Relationship references records of the Target entity. To-one values are a
// RecordID, to-many values a []RecordID.
type Relationship struct {
	Name     string
	Target   string
	ToMany   bool
	InputKey string
}

// ImportKey returns the input key the Importer reads the relationship from.
func (r Relationship) ImportKey() string {
	if r.InputKey != "" {
		return r.InputKey
	}
	return r.Name
}

// EntityType describes one record type. IdentityKeys name the attributes the
// Importer uses to find an existing record.
type EntityType struct {
	Name          string
	Attributes    []Attribute
	Relationships []Relationship
	IdentityKeys  []string
}

// Attribute returns the attribute called name.
func (e EntityType) Attribute(name string) (Attribute, bool) {
	for _, attr := range e.Attributes {
		if attr.Name == name {
			return attr, true
		}
	}
	return Attribute{}, false
}

// Relationship returns the relationship called name.
func (e EntityType) Relationship(name string) (Relationship, bool) {
	for _, rel := range e.Relationships {
		if rel.Name == name {
			return rel, true
		}
	}
	return Relationship{}, false
}

// Fields returns attribute names followed by relationship names in
// declaration order.
func (e EntityType) Fields() []string {
	fields := make([]string, 0, len(e.Attributes)+len(e.Relationships))
	for _, attr := range e.Attributes {
		fields = append(fields, attr.Name)
	}
	for _, rel := range e.Relationships {
		fields = append(fields, rel.Name)
	}
	return fields
}

func (e EntityType) hasField(name string) bool {
	if _, ok := e.Attribute(name); ok {
		return true
	}
	_, ok := e.Relationship(name)
	return ok
}

func (e EntityType) clone() EntityType {
	out := e
	out.Attributes = append([]Attribute(nil), e.Attributes...)
	out.Relationships = append([]Relationship(nil), e.Relationships...)
	out.IdentityKeys = append([]string(nil), e.IdentityKeys...)
	return out
}

// Model is the immutable set of entity types known to a Manager.
type Model struct {
	entities map[string]EntityType
	names    []string
}

// NewModel validates entities and returns a Model. Entity and field names
// must be unique, identity keys must name attributes and relationship
// targets must be declared.
func NewModel(entities ...EntityType) (*Model, error) {
	m := &Model{entities: make(map[string]EntityType, len(entities))}
	for _, entity := range entities {
		name := strings.TrimSpace(entity.Name)
		if name == "" {
			return nil, modelError("entity name must not be empty")
		}
		if _, exists := m.entities[name]; exists {
			return nil, modelError("entity %q declared twice", name)
		}
		entity = entity.clone()
		entity.Name = name
		if err := validateFields(entity); err != nil {
			return nil, err
		}
		m.entities[name] = entity
		m.names = append(m.names, name)
	}
	for _, name := range m.names {
		for _, rel := range m.entities[name].Relationships {
			if _, ok := m.entities[rel.Target]; !ok {
				return nil, modelError("%s.%s targets unknown entity %q", name, rel.Name, rel.Target)
			}
		}
	}
	sort.Strings(m.names)
	return m, nil
}

func validateFields(entity EntityType) error {
	seen := map[string]struct{}{}
	for _, field := range entity.Fields() {
		if field == "" {
			return modelError("%s declares an unnamed field", entity.Name)
		}
		if field == idKey {
			return modelError("%s field %q is reserved", entity.Name, field)
		}
		if _, dup := seen[field]; dup {
			return modelError("%s declares field %q twice", entity.Name, field)
		}
		seen[field] = struct{}{}
	}
	for _, key := range entity.IdentityKeys {
		if _, ok := entity.Attribute(key); !ok {
			return modelError("%s identity key %q is not an attribute", entity.Name, key)
		}
	}
	return nil
}

// Entity returns the entity type called name.
func (m *Model) Entity(name string) (EntityType, bool) {
	if m == nil {
		return EntityType{}, false
	}
	entity, ok := m.entities[name]
	if !ok {
		return EntityType{}, false
	}
	return entity.clone(), true
}

// Names returns the entity names sorted alphabetically.
func (m *Model) Names() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.names...)
}

func (m *Model) entity(name string) (EntityType, error) {
	if m != nil {
		if entity, ok := m.entities[name]; ok {
			return entity, nil
		}
	}
	return EntityType{}, fmt.Errorf("uow: entity %q: %w", name, ErrUnknownEntity)
}

func modelError(format string, args ...any) error {
	return &ConfigurationError{Op: "model", Err: fmt.Errorf("%w: %s", ErrInvalidModel, fmt.Sprintf(format, args...))}
}

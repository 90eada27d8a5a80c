package openapi

import (
	"fmt"
	"regexp"
)

// componentRegistry hands out one component name per entity.
type componentRegistry struct {
	names     map[string]string
	usedNames map[string]struct{}
}

func newComponentRegistry() *componentRegistry {
	return &componentRegistry{
		names:     map[string]string{},
		usedNames: map[string]struct{}{},
	}
}

func (r *componentRegistry) name(entity string) string {
	if name, ok := r.names[entity]; ok {
		return name
	}
	name := r.uniqueName(sanitizeComponentName(entity) + "Input")
	r.names[entity] = name
	return name
}

func (r *componentRegistry) ref(entity string) string {
	return fmt.Sprintf("#/components/schemas/%s", r.name(entity))
}

func (r *componentRegistry) uniqueName(name string) string {
	safe := sanitizeComponentName(name)
	if safe == "" {
		safe = "Schema"
	}
	if _, exists := r.usedNames[safe]; !exists {
		r.usedNames[safe] = struct{}{}
		return safe
	}
	suffix := 1
	for {
		candidate := fmt.Sprintf("%s%d", safe, suffix)
		if _, exists := r.usedNames[candidate]; !exists {
			r.usedNames[candidate] = struct{}{}
			return candidate
		}
		suffix++
	}
}

var componentNameRegexp = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

func sanitizeComponentName(name string) string {
	name = componentNameRegexp.ReplaceAllString(name, "_")
	name = trimUnderscores(name)
	if name == "" {
		return ""
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	return name
}

func trimUnderscores(input string) string {
	start := 0
	for start < len(input) && input[start] == '_' {
		start++
	}
	end := len(input)
	for end > start && input[end-1] == '_' {
		end--
	}
	return input[start:end]
}

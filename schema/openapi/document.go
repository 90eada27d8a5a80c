package openapi

import (
	"fmt"
	"sort"
)

type documentBuilder struct {
	config   generatorConfig
	registry *componentRegistry
	entities []string
}

func newDocumentBuilder(config generatorConfig, registry *componentRegistry, entities []string) *documentBuilder {
	return &documentBuilder{
		config:   config,
		registry: registry,
		entities: entities,
	}
}

func (b *documentBuilder) build(schemas map[string]any) (map[string]any, error) {
	document := map[string]any{
		"openapi": b.config.openAPIVersion,
		"info":    b.buildInfo(),
		"paths":   b.buildPaths(),
	}
	if len(schemas) > 0 {
		document["components"] = map[string]any{
			"schemas": schemas,
		}
	}

	if err := validateDocument(document); err != nil {
		return nil, err
	}
	return document, nil
}

func (b *documentBuilder) buildInfo() map[string]any {
	info := map[string]any{
		"title":   b.config.info.Title,
		"version": b.config.info.Version,
	}
	if b.config.info.Description != "" {
		info["description"] = b.config.info.Description
	}
	return info
}

func (b *documentBuilder) buildPaths() map[string]any {
	paths := make(map[string]any, len(b.entities))
	for _, entity := range b.entities {
		paths[b.config.imports.path(entity)] = map[string]any{
			"post": b.buildOperation(entity),
		}
	}
	return paths
}

// buildOperation accepts one input (ImportOne) or, unless single record
// imports were requested, a list (ImportMany).
func (b *documentBuilder) buildOperation(entity string) map[string]any {
	ref := map[string]any{"$ref": b.registry.ref(entity)}
	body := ref
	if !b.config.imports.single {
		body = map[string]any{
			"oneOf": []any{
				ref,
				map[string]any{"type": "array", "items": ref},
			},
		}
	}

	statuses := make([]string, 0, len(b.config.responses))
	for status := range b.config.responses {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	responses := make(map[string]any, len(statuses))
	for _, status := range statuses {
		responses[status] = map[string]any{
			"description": b.config.responses[status].Description,
		}
	}

	operation := map[string]any{
		"operationId": b.config.imports.operation(entity),
		"summary":     fmt.Sprintf("Import %s records", entity),
		"requestBody": map[string]any{
			"required": true,
			"content": map[string]any{
				b.config.contentType: map[string]any{"schema": body},
			},
		},
		"responses": responses,
	}
	if policy := b.config.imports.policy; policy != nil {
		operation["description"] = b.config.imports.policyNote()
		operation["x-import-policy"] = map[string]any{
			"overwriteWithServerChanges": policy.OverwriteWithServerChanges,
			"ignoreNullValueOverwrites":  policy.IgnoreNullValueOverwrites,
		}
	}
	return operation
}

func validateDocument(document map[string]any) error {
	if document == nil {
		return fmt.Errorf("openapi: document cannot be nil")
	}
	openapi, _ := document["openapi"].(string)
	if openapi == "" {
		return fmt.Errorf("openapi: document missing version string")
	}
	info, _ := document["info"].(map[string]any)
	if info == nil {
		return fmt.Errorf("openapi: document missing info section")
	}
	if title, _ := info["title"].(string); title == "" {
		return fmt.Errorf("openapi: info.title must be set")
	}
	if version, _ := info["version"].(string); version == "" {
		return fmt.Errorf("openapi: info.version must be set")
	}
	paths, _ := document["paths"].(map[string]any)
	if len(paths) == 0 {
		return fmt.Errorf("openapi: document must define at least one path")
	}
	for pathKey, pathValue := range paths {
		pathItem, _ := pathValue.(map[string]any)
		if len(pathItem) == 0 {
			return fmt.Errorf("openapi: path %q missing operations", pathKey)
		}
		for method, operationValue := range pathItem {
			operation, _ := operationValue.(map[string]any)
			if operation == nil {
				return fmt.Errorf("openapi: operation %s %s invalid payload", method, pathKey)
			}
			if _, ok := operation["operationId"].(string); !ok {
				return fmt.Errorf("openapi: operation %s %s missing operationId", method, pathKey)
			}
			requestBody, _ := operation["requestBody"].(map[string]any)
			if requestBody == nil {
				return fmt.Errorf("openapi: operation %s %s missing requestBody", method, pathKey)
			}
			if content, _ := requestBody["content"].(map[string]any); len(content) == 0 {
				return fmt.Errorf("openapi: operation %s %s requestBody missing content", method, pathKey)
			}
			if responses, _ := operation["responses"].(map[string]any); len(responses) == 0 {
				return fmt.Errorf("openapi: operation %s %s missing responses", method, pathKey)
			}
		}
	}
	return nil
}

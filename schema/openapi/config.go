package openapi

import (
	"strings"

	"github.com/goliatone/go-uow"
)

type generatorConfig struct {
	openAPIVersion string
	info           openapiInfo
	imports        importEndpoints
	contentType    string
	responses      map[string]responseConfig
	entities       []string
}

type openapiInfo struct {
	Title       string
	Version     string
	Description string
}

type responseConfig struct {
	Description string
}

// importEndpoints describes where each entity's import operation lives and
// what the server does with the payload.
type importEndpoints struct {
	prefix      string
	paths       map[string]string
	operationID string
	single      bool
	policy      *uow.ImportPolicy
}

// path returns the import path of entity: an explicit override, or the
// prefix followed by the entity name.
func (e importEndpoints) path(entity string) string {
	if path, ok := e.paths[entity]; ok {
		return path
	}
	return e.prefix + "/" + entity
}

func (e importEndpoints) operation(entity string) string {
	return e.operationID + sanitizeComponentName(entity)
}

// policyNote explains to clients how existing records are treated, or
// returns "" when no policy was published.
func (e importEndpoints) policyNote() string {
	if e.policy == nil {
		return ""
	}
	if !e.policy.OverwriteWithServerChanges {
		return "Records matched by identity keys are left unchanged; only new records are created."
	}
	if e.policy.IgnoreNullValueOverwrites {
		return "Records matched by identity keys are updated; absent or null fields keep their current values."
	}
	return "Records matched by identity keys are updated; absent or null fields are cleared."
}

func defaultGeneratorConfig() generatorConfig {
	return generatorConfig{
		openAPIVersion: "3.0.3",
		info: openapiInfo{
			Title:   "Import Schema",
			Version: "1.0.0",
		},
		imports: importEndpoints{
			prefix:      "/import",
			operationID: "import",
		},
		contentType: "application/json",
		responses: map[string]responseConfig{
			"200": {Description: "Imported"},
			"422": {Description: "Import failed"},
		},
	}
}

// GeneratorOption configures the OpenAPI generator behaviour.
type GeneratorOption func(*generatorConfig)

// WithOpenAPIVersion overrides the OpenAPI version string (default: 3.0.3).
func WithOpenAPIVersion(version string) GeneratorOption {
	return func(cfg *generatorConfig) {
		if version == "" {
			return
		}
		cfg.openAPIVersion = version
	}
}

// InfoOption configures optional fields on the OpenAPI info section.
type InfoOption func(*openapiInfo)

// WithInfoDescription sets the optional description field for the info section.
func WithInfoDescription(description string) InfoOption {
	return func(info *openapiInfo) {
		info.Description = description
	}
}

// WithInfo configures the OpenAPI info block. Empty strings retain the
// existing values.
func WithInfo(title, version string, opts ...InfoOption) GeneratorOption {
	return func(cfg *generatorConfig) {
		if title != "" {
			cfg.info.Title = title
		}
		if version != "" {
			cfg.info.Version = version
		}
		for _, opt := range opts {
			if opt != nil {
				opt(&cfg.info)
			}
		}
	}
}

// WithPathPrefix sets the prefix of the per-entity import paths
// (default: /import).
func WithPathPrefix(prefix string) GeneratorOption {
	return func(cfg *generatorConfig) {
		cfg.imports.prefix = strings.TrimRight(normalizePath(prefix), "/")
	}
}

// WithEntityPath publishes the import of entity at path instead of under
// the prefix.
func WithEntityPath(entity, path string) GeneratorOption {
	return func(cfg *generatorConfig) {
		path = normalizePath(path)
		if entity == "" || path == "" {
			return
		}
		if cfg.imports.paths == nil {
			cfg.imports.paths = map[string]string{}
		}
		cfg.imports.paths[entity] = path
	}
}

// WithOperationIDPrefix sets what precedes the entity name in operation ids
// (default: import, giving importStation).
func WithOperationIDPrefix(prefix string) GeneratorOption {
	return func(cfg *generatorConfig) {
		if prefix == "" {
			return
		}
		cfg.imports.operationID = prefix
	}
}

// WithSingleRecordImports limits request bodies to one input, for servers
// that call ImportOne only.
func WithSingleRecordImports() GeneratorOption {
	return func(cfg *generatorConfig) {
		cfg.imports.single = true
	}
}

// WithImportPolicy documents the policy the server imports with, both as
// operation description and as the x-import-policy extension.
func WithImportPolicy(policy uow.ImportPolicy) GeneratorOption {
	return func(cfg *generatorConfig) {
		cfg.imports.policy = &policy
	}
}

// WithContentType sets the content type of the import request bodies.
func WithContentType(contentType string) GeneratorOption {
	return func(cfg *generatorConfig) {
		if contentType == "" {
			return
		}
		cfg.contentType = contentType
	}
}

// WithResponse registers or overrides a response for the provided status code.
func WithResponse(status, description string) GeneratorOption {
	return func(cfg *generatorConfig) {
		if status == "" {
			return
		}
		if cfg.responses == nil {
			cfg.responses = map[string]responseConfig{}
		}
		resp := cfg.responses[status]
		if description != "" {
			resp.Description = description
		}
		cfg.responses[status] = resp
	}
}

// WithEntities restricts the generated paths to the named entities. Targets
// of their relationships are still published as components.
func WithEntities(names ...string) GeneratorOption {
	return func(cfg *generatorConfig) {
		cfg.entities = append(cfg.entities[:0:0], names...)
	}
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

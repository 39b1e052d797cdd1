// Package tools implements the HAIP tool registry: qualified tool names,
// JSON Schema-validated descriptors, and the Handler contract a transaction
// binds to on TRANSACTION_START. Namespacing and qualified-name parsing are
// grounded on the teacher's tools package; schema validation reuses its
// gojsonschema-backed SchemaValidator pattern.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// NamespaceSep separates a namespace from a local tool name in a qualified
// name, e.g. "mcp__fs__read".
const NamespaceSep = "__"

// ParseQualifiedName splits a qualified tool name on the first NamespaceSep.
func ParseQualifiedName(name string) (namespace, localName string) {
	ns, local, found := strings.Cut(name, NamespaceSep)
	if !found {
		return "", name
	}
	return ns, local
}

// QualifyName joins a namespace and local name with NamespaceSep. An empty
// namespace returns localName unchanged.
func QualifyName(namespace, localName string) string {
	if namespace == "" {
		return localName
	}
	return namespace + NamespaceSep + localName
}

// Descriptor is a normalized tool definition advertised via TOOL_LIST /
// TOOL_SCHEMA and used to validate TRANSACTION_START tool_params.
type Descriptor struct {
	Name        string          `json:"name" yaml:"name"`
	Namespace   string          `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Description string          `json:"description" yaml:"description"`
	InputSchema json.RawMessage `json:"input_schema" yaml:"input_schema"`
}

// QualifiedName returns the descriptor's fully qualified name.
func (d *Descriptor) QualifiedName() string {
	return QualifyName(d.Namespace, d.Name)
}

// Handler is implemented by code bound to a transaction's tool. Inbound
// user-channel envelopes and binary audio chunks belonging to the
// transaction are routed to it; a nil return from HandleMessage/
// HandleAudioChunk means "continue the transaction"; a non-nil error is
// reported to the peer as an ERROR with code PROTOCOL_VIOLATION, and the
// transaction stays open.
type Handler interface {
	// Schema returns the tool's descriptor, including its input schema.
	Schema() *Descriptor
	// HandleMessage processes a text/JSON payload delivered on the
	// transaction's channel.
	HandleMessage(ctx context.Context, payload json.RawMessage) error
	// HandleAudioChunk processes a binary audio frame (bin_len/bin_mime)
	// delivered on the transaction's channel.
	HandleAudioChunk(ctx context.Context, mimeType string, data []byte) error
}

// ValidationError reports a tool_params/argument schema failure.
type ValidationError struct {
	Tool   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: argument validation failed: %s", e.Tool, e.Detail)
}

// Registry is the process-wide table of registered tools and their
// handlers, shared read-only across sessions once populated at startup.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	validator *schemaValidator
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler), validator: newSchemaValidator()}
}

// Register binds a Handler under its descriptor's qualified name. Returns
// an error if the name is already registered or the input schema doesn't
// compile.
func (r *Registry) Register(h Handler) error {
	d := h.Schema()
	name := d.QualifiedName()
	if name == "" {
		return fmt.Errorf("tools: descriptor has empty name")
	}
	if _, err := r.validator.compile(name, d.InputSchema); err != nil {
		return fmt.Errorf("tools: %s: invalid input schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("tools: %s already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Get returns the handler for a qualified tool name, or false if unknown.
func (r *Registry) Get(qualifiedName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[qualifiedName]
	return h, ok
}

// List returns every registered descriptor, for TOOL_LIST responses.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Schema())
	}
	return out
}

// ValidateParams validates tool_params from a TRANSACTION_START against the
// named tool's input schema.
func (r *Registry) ValidateParams(qualifiedName string, params json.RawMessage) error {
	h, ok := r.Get(qualifiedName)
	if !ok {
		return fmt.Errorf("tools: %s not registered", qualifiedName)
	}
	return r.validator.validate(qualifiedName, h.Schema().InputSchema, params)
}

// schemaValidator compiles and caches gojsonschema schemas keyed by tool
// name, mirroring the teacher's SchemaValidator cache-by-content pattern
// but keyed by tool identity since schemas are registered once at startup.
type schemaValidator struct {
	mu     sync.Mutex
	cached map[string]*gojsonschema.Schema
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{cached: make(map[string]*gojsonschema.Schema)}
}

func (v *schemaValidator) compile(name string, schema json.RawMessage) (*gojsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cached[name]; ok {
		return s, nil
	}
	if len(schema) == 0 {
		// No schema declared: accept anything.
		v.cached[name] = nil
		return nil, nil
	}
	loader := gojsonschema.NewBytesLoader(schema)
	s, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, err
	}
	v.cached[name] = s
	return s, nil
}

func (v *schemaValidator) validate(name string, schema, data json.RawMessage) error {
	s, err := v.compile(name, schema)
	if err != nil {
		return fmt.Errorf("tools: %s: invalid schema: %w", name, err)
	}
	if s == nil {
		return nil
	}
	if len(data) == 0 {
		data = []byte("{}")
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("tools: %s: validation error: %w", name, err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, e := range result.Errors() {
			msgs[i] = e.String()
		}
		return &ValidationError{Tool: name, Detail: strings.Join(msgs, "; ")}
	}
	return nil
}

// Package toolschema reflects JSON schemas from Go argument types and
// validates tool arguments against the schemas workers advertise.
package toolschema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ggoodman/mcp-client-go/mcp"
)

// Reflect returns the JSON schema of T as an inline object schema. Field
// names follow json tags; descriptions and constraints come from jsonschema
// tags.
func Reflect[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: true,
	}
	s := r.Reflect(new(T))
	s.Version = ""
	s.ID = ""
	b, err := json.Marshal(s)
	if err != nil {
		// Reflected schemas contain only marshalable values.
		panic(fmt.Sprintf("toolschema: marshal reflected schema: %v", err))
	}
	return b
}

// ValidationError lists every way a set of arguments violates a tool's
// input schema.
type ValidationError struct {
	Tool     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// Validator checks arguments against compiled input schemas. Tools it does
// not know, and tools whose schema failed to compile, are not checked: the
// worker remains the authority on its own arguments.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
	broken  map[string]error
}

// NewValidator compiles the input schema of every tool.
func NewValidator(tools []mcp.Tool) *Validator {
	v := &Validator{}
	v.Load(tools)
	return v
}

// Load replaces the compiled schemas.
func (v *Validator) Load(tools []mcp.Tool) {
	schemas := make(map[string]*gojsonschema.Schema, len(tools))
	broken := make(map[string]error)
	for _, t := range tools {
		if len(t.InputSchema) == 0 {
			continue
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(t.InputSchema))
		if err != nil {
			broken[t.Name] = err
			continue
		}
		schemas[t.Name] = s
	}
	v.mu.Lock()
	v.schemas, v.broken = schemas, broken
	v.mu.Unlock()
}

// Broken returns the tools whose schema could not be compiled.
func (v *Validator) Broken() map[string]error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]error, len(v.broken))
	for k, err := range v.broken {
		out[k] = err
	}
	return out
}

// Knows reports whether tool has a compiled schema.
func (v *Validator) Knows(tool string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[tool]
	return ok
}

// Validate checks args against tool's schema. nil args are checked as {}.
func (v *Validator) Validate(tool string, args any) error {
	v.mu.RLock()
	s, ok := v.schemas[tool]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	doc := []byte("{}")
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal arguments for %s: %w", tool, err)
		}
		if string(b) != "null" {
			doc = b
		}
	}

	res, err := s.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return &ValidationError{Tool: tool, Problems: []string{err.Error()}}
	}
	if res.Valid() {
		return nil
	}
	problems := make([]string, 0, len(res.Errors()))
	for _, desc := range res.Errors() {
		problems = append(problems, desc.String())
	}
	return &ValidationError{Tool: tool, Problems: problems}
}

type objectSchema struct {
	Properties map[string]json.RawMessage `json:"properties"`
	Required   []string                   `json:"required"`
}

// MissingRequired returns the properties remote requires that local does
// not declare, sorted. It detects drift between a typed argument struct and
// what a worker currently advertises.
func MissingRequired(local, remote json.RawMessage) ([]string, error) {
	var l, r objectSchema
	if err := json.Unmarshal(local, &l); err != nil {
		return nil, fmt.Errorf("parse local schema: %w", err)
	}
	if err := json.Unmarshal(remote, &r); err != nil {
		return nil, fmt.Errorf("parse remote schema: %w", err)
	}
	var missing []string
	for _, name := range r.Required {
		if _, ok := l.Properties[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

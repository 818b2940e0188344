package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
)

// SchemaRegistry manages the CUE definitions configuration metadata is checked against.
// Values validated by a registry must come from the same cue.Context.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas compiled in ctx.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	sr.mustRegister("configuration", builtinConfigurationSchema, "#Configuration")
	return sr
}

func (sr *SchemaRegistry) mustRegister(name, src, def string) {
	if err := sr.RegisterSchema(name, src, def); err != nil {
		panic(err)
	}
}

// RegisterSchema compiles src and registers its definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, src, def string) error {
	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = schema
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Validate unifies v with the named schema and requires a concrete result.
// It returns the unified value so defaults declared by the schema apply.
func (sr *SchemaRegistry) Validate(name string, v cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}

	unified := schema.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateData encodes a Go value and validates it against the named schema.
func (sr *SchemaRegistry) ValidateData(name string, data interface{}) error {
	val := sr.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	_, err := sr.Validate(name, val)
	return err
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinConfigurationSchema = `
#Configuration: {
	// Name doubles as the published configuration name.
	name: string & =~"^[A-Za-z][A-Za-z0-9_.-]*$"

	// Null entries are rejected when provisioning starts, not here.
	environments: [...(string | null)]

	imports: *[] | [...string & =~"^[A-Za-z0-9_.-]+$"]

	parameters?: {...}
}
`

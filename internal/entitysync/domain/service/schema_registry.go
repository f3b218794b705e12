package service

import (
	"fmt"
	"sort"
	"sync"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/shared/errors"
	"scout-sync/internal/shared/logger"

	"go.uber.org/zap"
)

// SchemaRegistry holds the schemas of every collection served by the process.
// It is built once at startup and passed to the components that need it.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*model.Schema
	order   []string
	log     logger.Logger
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry(log logger.Logger) *SchemaRegistry {
	return &SchemaRegistry{
		schemas: make(map[string]*model.Schema),
		log:     logger.OrNop(log).WithComponent("schema_registry"),
	}
}

// Register declares a collection. Registering the same name twice fails with
// DuplicateCollection.
func (r *SchemaRegistry) Register(name string, fields []model.FieldDef) (*model.Schema, error) {
	schema, err := model.NewSchema(name, fields)
	if err != nil {
		return nil, errors.NewValidationError(err.Error()).WithComponent("schema_registry")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[name]; exists {
		return nil, errors.NewDuplicateCollectionError(name)
	}
	r.schemas[name] = schema
	r.order = append(r.order, name)

	r.log.Debug("Collection registered", zap.String("collection", name), zap.Int("fields", len(fields)))
	return schema, nil
}

// MustRegister is Register for process start: a failure is a programmer error.
func (r *SchemaRegistry) MustRegister(name string, fields []model.FieldDef) *model.Schema {
	return errors.Must(r.Register(name, fields))
}

// Lookup returns the schema of a collection or NotFound.
func (r *SchemaRegistry) Lookup(name string) (*model.Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.schemas[name]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("collection %q", name)).WithCode("UNKNOWN_COLLECTION")
	}
	return schema, nil
}

// Names returns the registered collection names in registration order.
func (r *SchemaRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Each calls fn for every schema in registration order and stops at the first error.
func (r *SchemaRegistry) Each(fn func(*model.Schema) error) error {
	r.mu.RLock()
	schemas := make([]*model.Schema, 0, len(r.order))
	for _, name := range r.order {
		schemas = append(schemas, r.schemas[name])
	}
	r.mu.RUnlock()

	for _, s := range schemas {
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a full field map for a create and returns its normalized form.
// Every offending field is reported in one SchemaViolation.
func (r *SchemaRegistry) Validate(schema *model.Schema, candidate map[string]interface{}) (model.Fields, error) {
	return validate(schema, candidate, true)
}

// ValidatePartial checks an update payload; required fields may be absent but
// not set to null.
func (r *SchemaRegistry) ValidatePartial(schema *model.Schema, candidate map[string]interface{}) (model.Fields, error) {
	return validate(schema, candidate, false)
}

// Normalize coerces the known fields of a record received from the wire,
// leaving values it cannot coerce untouched. Clients use it on event payloads.
func (r *SchemaRegistry) Normalize(collection string, fields model.Fields) model.Fields {
	schema, err := r.Lookup(collection)
	if err != nil {
		return fields.Clone()
	}
	out := make(model.Fields, len(fields))
	for name, value := range fields {
		out[name] = value
		def, ok := schema.Field(name)
		if !ok || value == nil {
			continue
		}
		if coerced, err := def.Type.Coerce(value); err == nil {
			out[name] = coerced
		}
	}
	return out
}

func validate(schema *model.Schema, candidate map[string]interface{}, full bool) (model.Fields, error) {
	violations := errors.NewValidationErrors()
	out := make(model.Fields, len(candidate))

	unknown := make([]string, 0)
	for name := range candidate {
		if _, ok := schema.Field(name); !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		violations.Add(name, "field is not declared by collection "+schema.Name(), candidate[name])
	}

	for _, def := range schema.Fields() {
		value, present := candidate[def.Name]
		switch {
		case !present:
			if full && def.Required {
				violations.Add(def.Name, "required field is missing", nil)
			}
			continue
		case value == nil:
			if def.Required {
				violations.Add(def.Name, "required field cannot be null", nil)
			} else {
				out[def.Name] = nil
			}
			continue
		}

		coerced, err := def.Type.Coerce(value)
		if err != nil {
			violations.Add(def.Name, err.Error(), value)
			continue
		}
		out[def.Name] = coerced
	}

	if violations.HasErrors() {
		return nil, violations.ToAppError().WithDetail("collection", schema.Name())
	}
	return out, nil
}

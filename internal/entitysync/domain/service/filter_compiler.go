package service

import (
	"fmt"
	"strings"
	"sync"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/shared/errors"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// FilterCompiler turns a FilterSpec into a model.Filter. Expressions are CEL
// programs over the variables fields, id, archived and version; compiled
// programs are cached by source text.
type FilterCompiler struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewFilterCompiler creates the CEL environment shared by all filters.
func NewFilterCompiler() (*FilterCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("id", cel.StringType),
		cel.Variable("archived", cel.BoolType),
		cel.Variable("version", cel.IntType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &FilterCompiler{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile builds the filter described by spec. A malformed expression is a
// ValidationError.
func (c *FilterCompiler) Compile(spec model.FilterSpec) (model.Filter, error) {
	var parts model.AndFilter
	if len(spec.Equals) > 0 {
		parts = append(parts, model.EqualsFilter(spec.Equals))
	}
	if expr := strings.TrimSpace(spec.Expression); expr != "" {
		program, err := c.program(expr)
		if err != nil {
			return nil, errors.NewValidationError("invalid filter expression").
				WithCause(err).
				WithDetail("expression", expr)
		}
		parts = append(parts, &celFilter{source: expr, program: program})
	}

	switch len(parts) {
	case 0:
		return model.AllFilter{}, nil
	case 1:
		return parts[0], nil
	}
	return parts, nil
}

func (c *FilterCompiler) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	p, ok := c.programs[expr]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}
	if kind := ast.OutputType().Kind(); kind != types.BoolKind && kind != types.DynKind {
		return nil, fmt.Errorf("filter expression must return bool, got %s", ast.OutputType())
	}
	p, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	c.mu.Lock()
	c.programs[expr] = p
	c.mu.Unlock()
	return p, nil
}

type celFilter struct {
	source  string
	program cel.Program
}

// Match evaluates the program; evaluation errors such as a missing key count
// as no match.
func (f *celFilter) Match(rec *model.Record) bool {
	if rec == nil {
		return false
	}
	out, _, err := f.program.Eval(map[string]interface{}{
		"fields":   map[string]interface{}(rec.Fields),
		"id":       rec.ID,
		"archived": rec.Archived,
		"version":  rec.Version,
	})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

func (f *celFilter) String() string { return "cel(" + f.source + ")" }

package service

import (
	"testing"

	"scout-sync/internal/entitysync/domain/model"
	apperrors "scout-sync/internal/shared/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterCompiler_Compile(t *testing.T) {
	compiler, err := NewFilterCompiler()
	require.NoError(t, err)

	active := &model.Record{ID: "r1", Version: 3, Fields: model.Fields{"status": "active", "score": float64(42)}}
	idle := &model.Record{ID: "r2", Version: 1, Fields: model.Fields{"status": "inactive", "score": float64(7)}}

	tests := []struct {
		name       string
		spec       model.FilterSpec
		wantActive bool
		wantIdle   bool
	}{
		{"all", model.FilterSpec{}, true, true},
		{"equals", model.FilterSpec{Equals: map[string]interface{}{"status": "active"}}, true, false},
		{"expression", model.FilterSpec{Expression: `fields.score > 10`}, true, false},
		{"record attributes", model.FilterSpec{Expression: `id == "r2" && version == 1 && !archived`}, false, true},
		{"equals and expression", model.FilterSpec{
			Equals:     map[string]interface{}{"status": "inactive"},
			Expression: `fields.score > 10`,
		}, false, false},
		{"missing key is no match", model.FilterSpec{Expression: `fields.nothing == "x"`}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := compiler.Compile(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.wantActive, f.Match(active))
			assert.Equal(t, tt.wantIdle, f.Match(idle))
			assert.False(t, f.Match(nil))
		})
	}
}

func TestFilterCompiler_RejectsBadExpressions(t *testing.T) {
	compiler, err := NewFilterCompiler()
	require.NoError(t, err)

	for _, expr := range []string{`fields.score >`, `fields.score + 1`, `unknown_var == 1`} {
		_, err := compiler.Compile(model.FilterSpec{Expression: expr})
		assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err), expr)
	}
}

func TestFilterCompiler_CachesPrograms(t *testing.T) {
	compiler, err := NewFilterCompiler()
	require.NoError(t, err)

	spec := model.FilterSpec{Expression: `fields.score > 1`}
	_, err = compiler.Compile(spec)
	require.NoError(t, err)
	_, err = compiler.Compile(spec)
	require.NoError(t, err)
	assert.Len(t, compiler.programs, 1)
}

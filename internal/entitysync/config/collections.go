package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/entitysync/domain/service"

	"gopkg.in/yaml.v3"
)

// CollectionDef is one entry of the collections file.
type CollectionDef struct {
	Name   string           `yaml:"name"`
	Fields []model.FieldDef `yaml:"fields"`
}

type collectionsFile struct {
	Collections []CollectionDef `yaml:"collections"`
}

// LoadCollections reads collection declarations from a YAML file.
func LoadCollections(path string) ([]CollectionDef, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read collections file: %w", err)
	}
	return ParseCollections(bytes.NewReader(raw))
}

// ParseCollections decodes collection declarations. Unknown keys are rejected.
func ParseCollections(r io.Reader) ([]CollectionDef, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file collectionsFile
	if err := dec.Decode(&file); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("collections file is empty")
		}
		return nil, fmt.Errorf("parse collections file: %w", err)
	}
	if len(file.Collections) == 0 {
		return nil, fmt.Errorf("collections file declares no collections")
	}
	return file.Collections, nil
}

// RegisterCollections registers every definition, stopping at the first
// failure. A duplicate name surfaces as DuplicateCollection.
func RegisterCollections(reg *service.SchemaRegistry, defs []CollectionDef) error {
	for _, def := range defs {
		if _, err := reg.Register(def.Name, def.Fields); err != nil {
			return err
		}
	}
	return nil
}

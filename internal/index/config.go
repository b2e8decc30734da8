package index

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/keys"
)

// AlgorithmBTree is the only index algorithm.
const AlgorithmBTree = "BTREE"

// ConfigVersion is the version written into new index configurations.
const ConfigVersion = 1

// catalogKind is the catalog record kind holding index configurations.
const catalogKind = "index"

// Config is the persisted configuration of an index. It is stored as a
// catalog record and used to re-create the registry on open.
type Config struct {
	Type            string           `json:"type"`
	Algorithm       string           `json:"algorithm"`
	Name            string           `json:"name"`
	Version         int              `json:"version"`
	IndexDefinition DefinitionConfig `json:"indexDefinition"`
	Collections     []string         `json:"collections"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
	EngineID        int              `json:"engineId"`
}

// DefinitionConfig is the persisted form of a Definition.
type DefinitionConfig struct {
	ClassName         string           `json:"className"`
	Properties        []PropertyConfig `json:"properties"`
	Collate           string           `json:"collate,omitempty"`
	NullValuesIgnored bool             `json:"nullValuesIgnored"`
	Automatic         bool             `json:"automatic"`
}

type PropertyConfig struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	MultiValue bool   `json:"multiValue,omitempty"`
}

const configSchema = `{
  "type": "object",
  "required": ["type", "algorithm", "name", "version", "indexDefinition", "collections", "engineId"],
  "properties": {
    "type": {"type": "string", "enum": ["UNIQUE", "NOTUNIQUE"]},
    "algorithm": {"type": "string", "minLength": 1},
    "name": {"type": "string", "pattern": "^[A-Za-z0-9_][A-Za-z0-9_.\\-]*$"},
    "version": {"type": "integer", "minimum": 1},
    "indexDefinition": {
      "type": "object",
      "required": ["className", "properties"],
      "properties": {
        "className": {"type": "string", "minLength": 1},
        "properties": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["name", "type"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "type": {"type": "string", "minLength": 1},
              "multiValue": {"type": "boolean"}
            }
          }
        },
        "collate": {"type": "string"},
        "nullValuesIgnored": {"type": "boolean"},
        "automatic": {"type": "boolean"}
      }
    },
    "collections": {"type": "array", "items": {"type": "string", "minLength": 1}, "uniqueItems": true},
    "metadata": {"type": "object"},
    "engineId": {"type": "integer", "minimum": 0}
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func configValidator() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(configSchema))
	})
	return schema, schemaErr
}

// ValidateConfig checks a serialized configuration against the schema.
func ValidateConfig(data []byte) error {
	s, err := configValidator()
	if err != nil {
		return fmt.Errorf("invalid index config schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: index config is not valid JSON: %v", storeerr.ErrConfiguration, err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("%w: index config: %s", storeerr.ErrConfiguration, strings.Join(errs, "; "))
	}
	return nil
}

// Marshal serializes and validates the configuration.
func (c *Config) Marshal() ([]byte, error) {
	if c.Collections == nil {
		c.Collections = []string{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize index config: %w", err)
	}
	if err := ValidateConfig(data); err != nil {
		return nil, err
	}
	return data, nil
}

// ParseConfig validates and decodes a stored configuration.
func ParseConfig(data []byte) (*Config, error) {
	if err := ValidateConfig(data); err != nil {
		return nil, err
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: failed to decode index config: %v", storeerr.ErrConfiguration, err)
	}
	return &c, nil
}

// Definition rebuilds the key definition of the configuration.
func (c *Config) Definition() (*Definition, error) {
	dc := c.IndexDefinition
	collation, err := keys.ParseCollation(dc.Collate)
	if err != nil {
		return nil, err
	}
	d := &Definition{
		Class:       dc.ClassName,
		Collation:   collation,
		IgnoreNulls: dc.NullValuesIgnored,
		Manual:      !dc.Automatic,
	}
	for _, p := range dc.Properties {
		t, err := keys.ParseType(p.Type)
		if err != nil {
			return nil, err
		}
		d.Fields = append(d.Fields, Field{Name: p.Name, Type: t, Multi: p.MultiValue})
	}
	return d, d.Validate()
}

func definitionConfig(d *Definition) DefinitionConfig {
	dc := DefinitionConfig{
		ClassName:         d.Class,
		NullValuesIgnored: d.IgnoreNulls,
		Automatic:         !d.Manual,
	}
	if d.Collation != "" && d.Collation != keys.CollateDefault {
		dc.Collate = string(d.Collation)
	}
	for _, f := range d.Fields {
		dc.Properties = append(dc.Properties, PropertyConfig{Name: f.Name, Type: f.Type.String(), MultiValue: f.Multi})
	}
	return dc
}

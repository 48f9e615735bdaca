package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/parleyproto/parley-go/pkg/errors"
	"github.com/parleyproto/parley-go/pkg/protocol"
)

// SchemaFor derives a configuration schema from a Go struct type. Fields
// follow encoding/json naming; fields without omitempty are marked required.
// Servers declare the result inside their configuration capability.
func SchemaFor[T any]() (*protocol.ConfigurationSchema, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}

	reflected := reflector.Reflect(new(T))
	if reflected == nil || reflected.Type != "object" {
		return nil, errors.ValidationError("configuration schema must derive from a struct type")
	}

	properties := make(map[string]json.RawMessage)
	if reflected.Properties != nil {
		for el := reflected.Properties.Oldest(); el != nil; el = el.Next() {
			raw, err := json.Marshal(el.Value)
			if err != nil {
				return nil, errors.CreateInternalError("marshal schema property "+el.Key, err)
			}
			properties[el.Key] = raw
		}
	}

	return &protocol.ConfigurationSchema{
		Type:       "object",
		Properties: properties,
		Required:   append([]string(nil), reflected.Required...),
	}, nil
}

// MustSchemaFor is SchemaFor that panics on failure. Intended for
// package-level schema declarations from known-good struct types.
func MustSchemaFor[T any]() *protocol.ConfigurationSchema {
	schema, err := SchemaFor[T]()
	if err != nil {
		panic(err)
	}
	return schema
}

package config

import (
	"context"
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/parleyproto/parley-go/pkg/errors"
	"github.com/parleyproto/parley-go/pkg/protocol"
)

// Validator performs deep validation of a configuration payload against the
// declared schema. The manager checks required-key presence itself and
// delegates everything beyond shape to the validator.
type Validator interface {
	Validate(ctx context.Context, schema *protocol.ConfigurationSchema, value map[string]interface{}) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, schema *protocol.ConfigurationSchema, value map[string]interface{}) error

// Validate calls the wrapped function.
func (f ValidatorFunc) Validate(ctx context.Context, schema *protocol.ConfigurationSchema, value map[string]interface{}) error {
	return f(ctx, schema, value)
}

// SchemaValidator validates configuration payloads against the declared
// schema interpreted as JSON Schema.
type SchemaValidator struct{}

// NewSchemaValidator creates a schema-based validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{}
}

// Validate resolves the declared schema and checks the payload against it.
// A nil schema accepts everything.
func (v *SchemaValidator) Validate(ctx context.Context, schema *protocol.ConfigurationSchema, value map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return errors.CreateInternalError("marshal configuration schema", err)
	}

	var compiled jsonschema.Schema
	if err := json.Unmarshal(raw, &compiled); err != nil {
		return errors.CreateInternalError("parse configuration schema", err)
	}

	resolved, err := compiled.Resolve(nil)
	if err != nil {
		return errors.CreateInternalError("resolve configuration schema", err)
	}

	// Round-trip the payload so Go-typed values validate as their JSON forms
	payload, err := json.Marshal(value)
	if err != nil {
		return errors.ConfigurationRejected(err.Error(), nil)
	}
	var instance interface{}
	if err := json.Unmarshal(payload, &instance); err != nil {
		return errors.ConfigurationRejected(err.Error(), nil)
	}

	if err := resolved.Validate(instance); err != nil {
		return errors.ConfigurationRejected(err.Error(), nil)
	}

	return nil
}

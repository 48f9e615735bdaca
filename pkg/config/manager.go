// Package config validates and applies session configuration payloads
// against the schema and required flag the server declared during
// initialization.
package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/parleyproto/parley-go/pkg/errors"
	"github.com/parleyproto/parley-go/pkg/protocol"
)

// Status tracks the configuration lifecycle within a session.
type Status int

const (
	// StatusNotConfigured means no configuration payload has been submitted
	StatusNotConfigured Status = iota
	// StatusPending means a submission is being validated
	StatusPending
	// StatusAccepted means a configuration payload has been validated and stored
	StatusAccepted
	// StatusRejected means the most recent submission failed validation
	StatusRejected
)

// String returns the string representation of a configuration status
func (s Status) String() string {
	switch s {
	case StatusNotConfigured:
		return "not_configured"
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Manager owns one session's configuration state. The value is single-set:
// once a submission is accepted, later submissions fail with
// ConfigurationConflict. Rejected submissions may be retried.
type Manager struct {
	mu sync.RWMutex

	required  bool
	schema    *protocol.ConfigurationSchema
	validator Validator

	status  Status
	value   map[string]interface{}
	lastErr errors.ParleyError
}

// NewManager builds a manager from the server's declared configuration
// capability. A nil capability means configuration is optional and the
// session may operate without any submission. A nil validator falls back
// to schema-based validation.
func NewManager(capability *protocol.ConfigurationCapability, validator Validator) *Manager {
	m := &Manager{
		validator: validator,
		status:    StatusNotConfigured,
	}

	if capability != nil {
		m.required = capability.Required
		m.schema = capability.Schema
	}
	if m.validator == nil {
		m.validator = NewSchemaValidator()
	}

	return m
}

// Required reports whether the server demands an accepted configuration
// before normal operation.
func (m *Manager) Required() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.required
}

// Status returns the current configuration status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Accepted reports whether a configuration payload has been accepted.
func (m *Manager) Accepted() bool {
	return m.Status() == StatusAccepted
}

// Schema returns the declared configuration schema, nil when the server
// declared none.
func (m *Manager) Schema() *protocol.ConfigurationSchema {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.schema
}

// Value returns a copy of the accepted configuration value. The second
// return is false until a submission has been accepted.
func (m *Manager) Value() (map[string]interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.status != StatusAccepted {
		return nil, false
	}

	value := make(map[string]interface{}, len(m.value))
	for k, v := range m.value {
		value[k] = v
	}
	return value, true
}

// LastRejection returns the error from the most recent rejected submission,
// nil if none.
func (m *Manager) LastRejection() errors.ParleyError {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Submit validates a configuration payload and stores it on success. The
// shape check covers presence of every schema-required key; everything
// deeper is delegated to the validator. A payload submitted after one was
// accepted fails with ConfigurationConflict.
func (m *Manager) Submit(ctx context.Context, value map[string]interface{}) error {
	m.mu.Lock()
	if m.status == StatusAccepted {
		m.mu.Unlock()
		return errors.ConfigurationConflict()
	}
	m.status = StatusPending
	schema := m.schema
	validator := m.validator
	m.mu.Unlock()

	if err := checkRequiredKeys(schema, value); err != nil {
		m.reject(err)
		return err
	}

	if validator != nil {
		if err := validator.Validate(ctx, schema, value); err != nil {
			rejection := asRejection(err)
			m.reject(rejection)
			return rejection
		}
	}

	stored := make(map[string]interface{}, len(value))
	for k, v := range value {
		stored[k] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// A concurrent submission may have won the race
	if m.status == StatusAccepted {
		return errors.ConfigurationConflict()
	}

	m.value = stored
	m.status = StatusAccepted
	m.lastErr = nil
	return nil
}

// reject records a failed submission unless an acceptance landed first.
func (m *Manager) reject(err errors.ParleyError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusAccepted {
		return
	}
	m.status = StatusRejected
	m.lastErr = err
}

// checkRequiredKeys verifies that every key the schema marks required is
// present in the payload. Values are not inspected here.
func checkRequiredKeys(schema *protocol.ConfigurationSchema, value map[string]interface{}) errors.ParleyError {
	if schema == nil || len(schema.Required) == 0 {
		return nil
	}

	var missing []string
	for _, key := range schema.Required {
		if _, ok := value[key]; !ok {
			missing = append(missing, key)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	return errors.ConfigurationRejected(
		fmt.Sprintf("missing required configuration keys: %s", strings.Join(missing, ", ")),
		missing,
	)
}

// asRejection coerces validator errors into the stable rejection code while
// preserving rejections the validator already shaped.
func asRejection(err error) errors.ParleyError {
	if parleyErr, ok := errors.AsParleyError(err); ok {
		if parleyErr.Code() == errors.CodeConfigurationRejected {
			return parleyErr
		}
	}
	return errors.ConfigurationRejected(err.Error(), nil)
}

package logging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ContextMiddleware instruments protocol method handlers with request-scoped
// logging. Wrapped handlers log start, completion, and duration under a
// request ID carried in the context.
type ContextMiddleware struct {
	log Logger
}

// NewContextMiddleware wraps handlers with logging bound to logger.
func NewContextMiddleware(logger Logger) *ContextMiddleware {
	return &ContextMiddleware{log: logger}
}

// scope stamps a request ID into ctx when one is absent, and returns a
// logger bound to that ID and the method name.
func (m *ContextMiddleware) scope(ctx context.Context, method string) (context.Context, Logger) {
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
		ctx = ContextWithRequestID(ctx, requestID)
	}
	return ctx, m.log.WithFields(String("request_id", requestID), Method(method))
}

// WrapHandler wraps a request handler with context logging. The signature
// matches session request handlers, so the result can be registered directly.
func (m *ContextMiddleware) WrapHandler(method string, handler func(context.Context, json.RawMessage) (interface{}, error)) func(context.Context, json.RawMessage) (interface{}, error) {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		ctx, logger := m.scope(ctx, method)

		logger.Debug("Handler started")
		began := time.Now()
		res, err := handler(ctx, params)
		elapsed := Duration("duration", time.Since(began))

		if err != nil {
			logger.WithError(err).Error("Handler failed", elapsed)
		} else {
			logger.Debug("Handler completed", elapsed)
		}
		return res, err
	}
}

// WrapNotificationHandler wraps a notification handler with context logging.
func (m *ContextMiddleware) WrapNotificationHandler(method string, handler func(context.Context, json.RawMessage) error) func(context.Context, json.RawMessage) error {
	return func(ctx context.Context, params json.RawMessage) error {
		ctx, logger := m.scope(ctx, method)

		began := time.Now()
		err := handler(ctx, params)
		elapsed := Duration("duration", time.Since(began))

		if err != nil {
			logger.WithError(err).Error("Notification handler failed", elapsed)
		} else {
			logger.Debug("Notification handled", elapsed)
		}
		return err
	}
}

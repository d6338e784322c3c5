package handler

import (
	"context"

	"github.com/seantiz/forge/internal/model"
)

// Handler is the interface that all topic handlers must implement.
//
// A handler only ever produces an Outcome; it never talks to the engine. A
// non-nil error is an unexpected fault and is reported as a non-retryable
// failure. Expected failures belong in the Outcome (model.Fail,
// model.FailWithRetry, model.BPMNError).
type Handler interface {
	// Handle executes the business logic for one leased task. The context
	// carries the deadline derived from the lock and the configured timeout.
	Handle(ctx context.Context, lease model.Lease) (model.Outcome, error)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, lease model.Lease) (model.Outcome, error)

// Handle calls f(ctx, lease).
func (f HandlerFunc) Handle(ctx context.Context, lease model.Lease) (model.Outcome, error) {
	return f(ctx, lease)
}

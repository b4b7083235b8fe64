package job

import (
	"context"
	"encoding/json"
	"fmt"
)

// Definition is a typed job definition with a handler function. T is the
// payload type (must be JSON-serializable). It is purely additive sugar
// over the raw HandlerFunc contract used by Registry.
type Definition[T any] struct {
	// Name is the job name this definition handles.
	Name string

	// Handler is the typed function invoked once the payload has been
	// JSON-decoded.
	Handler func(ctx context.Context, id string, payload T) error

	// Opts configures concurrency and lifecycle hooks for this name.
	Opts []RegisterOption
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](name string, handler func(ctx context.Context, id string, payload T) error, opts ...RegisterOption) *Definition[T] {
	return &Definition[T]{Name: name, Handler: handler, Opts: opts}
}

// RegisterDefinition registers a typed job definition with r. The
// generic handler is wrapped in a closure that JSON-decodes the raw
// payload into T before calling the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) error {
	wrapped := func(ctx context.Context, id string, payload json.RawMessage) error {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return fmt.Errorf("pqueue/job: unmarshal payload for job %q: %w", def.Name, err)
			}
		}
		return def.Handler(ctx, id, t)
	}
	return Register(r, def.Name, wrapped, def.Opts...)
}

// Package invoker executes backend operations named by definition bindings:
// HTTP calls resolved from the OpenAPI index or inline paths, and in-process
// SDK handlers. HTTP calls carry circuit breaker and retry protection.
package invoker

import (
	"context"
	"fmt"

	"github.com/pitabwire/stepwise/model"
)

// Registry dispatches invocations to the first registered invoker that
// supports the binding type. It is itself a model.OperationInvoker.
type Registry struct {
	invokers []model.OperationInvoker
}

// NewRegistry creates a registry with the given invokers in priority order.
func NewRegistry(invokers ...model.OperationInvoker) *Registry {
	return &Registry{invokers: invokers}
}

// Register appends an invoker.
func (r *Registry) Register(invoker model.OperationInvoker) {
	r.invokers = append(r.invokers, invoker)
}

// Supports reports whether any registered invoker handles the binding.
func (r *Registry) Supports(binding model.OperationBinding) bool {
	for _, inv := range r.invokers {
		if inv.Supports(binding) {
			return true
		}
	}
	return false
}

// Invoke delegates to the first invoker that supports the binding.
func (r *Registry) Invoke(ctx context.Context, rctx *model.RequestContext, binding model.OperationBinding, input model.InvocationInput) (model.InvocationResult, error) {
	for _, inv := range r.invokers {
		if inv.Supports(binding) {
			return inv.Invoke(ctx, rctx, binding, input)
		}
	}
	return model.InvocationResult{}, fmt.Errorf("invoker: no invoker supports binding type %q", binding.Type)
}

package invoker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/stepwise/model"
)

// SDKHandler is an in-process backend handler invoked by name from "sdk"
// bindings. OTP providers and test doubles are typically wired this way.
type SDKHandler interface {
	Name() string
	Invoke(ctx context.Context, rctx *model.RequestContext, input model.InvocationInput) (model.InvocationResult, error)
}

// SDKHandlerFunc adapts a function to SDKHandler.
type SDKHandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, rctx *model.RequestContext, input model.InvocationInput) (model.InvocationResult, error)
}

// Name returns the handler name.
func (f SDKHandlerFunc) Name() string { return f.HandlerName }

// Invoke calls Fn.
func (f SDKHandlerFunc) Invoke(ctx context.Context, rctx *model.RequestContext, input model.InvocationInput) (model.InvocationResult, error) {
	return f.Fn(ctx, rctx, input)
}

// SDKHandlerRegistry stores named SDK handlers. It is safe for concurrent use.
type SDKHandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]SDKHandler
}

// NewSDKHandlerRegistry creates a registry holding the given handlers.
func NewSDKHandlerRegistry(handlers ...SDKHandler) *SDKHandlerRegistry {
	r := &SDKHandlerRegistry{handlers: make(map[string]SDKHandler)}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register adds a handler under its Name(). It panics on duplicates, which
// indicate a wiring mistake at startup.
func (r *SDKHandlerRegistry) Register(handler SDKHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("invoker: SDK handler %q already registered", name))
	}
	r.handlers[name] = handler
}

// Get returns the handler registered under name.
func (r *SDKHandlerRegistry) Get(name string) (SDKHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all registered handler names, sorted.
func (r *SDKHandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SDKOperationInvoker dispatches "sdk" bindings to registered handlers.
type SDKOperationInvoker struct {
	registry *SDKHandlerRegistry
}

// NewSDKOperationInvoker creates an invoker backed by the given registry.
func NewSDKOperationInvoker(registry *SDKHandlerRegistry) *SDKOperationInvoker {
	return &SDKOperationInvoker{registry: registry}
}

// Supports returns true for bindings with type "sdk".
func (inv *SDKOperationInvoker) Supports(binding model.OperationBinding) bool {
	return binding.Type == "sdk"
}

// Invoke looks up the handler by binding.Handler and delegates the call.
func (inv *SDKOperationInvoker) Invoke(
	ctx context.Context,
	rctx *model.RequestContext,
	binding model.OperationBinding,
	input model.InvocationInput,
) (model.InvocationResult, error) {
	handler, ok := inv.registry.Get(binding.Handler)
	if !ok {
		return model.InvocationResult{}, fmt.Errorf("invoker: SDK handler %q not found", binding.Handler)
	}
	if err := ctx.Err(); err != nil {
		return model.InvocationResult{}, model.NewBackendTimeoutError()
	}
	return handler.Invoke(ctx, rctx, input)
}

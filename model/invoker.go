package model

import "context"

// OperationInvoker is the unified interface for backend invocation.
type OperationInvoker interface {
	// Invoke calls the backend operation described by the binding with the given input.
	Invoke(ctx context.Context, rctx *RequestContext, binding OperationBinding, input InvocationInput) (InvocationResult, error)

	// Supports returns true if this invoker can handle the given binding type.
	Supports(binding OperationBinding) bool
}

// InvocationInput is the constructed backend request. RawBody, when set, is
// sent verbatim with ContentType instead of the JSON encoding of Body.
type InvocationInput struct {
	PathParams  map[string]string `json:"path_params,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        any               `json:"body,omitempty"`
	RawBody     []byte            `json:"-"`
	ContentType string            `json:"-"`
}

// InvocationResult is the backend response. Raw holds the undecoded body.
type InvocationResult struct {
	StatusCode int               `json:"status_code"`
	Body       any               `json:"body,omitempty"`
	Raw        []byte            `json:"-"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// OK reports a 2xx status.
func (r InvocationResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries the caller identity and tracing identifiers for one
// API request. Wizard instances are scoped to TenantID and SubjectID.
type RequestContext struct {
	SubjectID     string
	TenantID      string
	PartitionID   string
	Roles         []string
	Claims        map[string]any
	Token         string
	CorrelationID string
	TraceID       string
	Locale        string
}

// Validate checks that SubjectID and TenantID are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if rc.TenantID == "" {
		errs = append(errs, fmt.Errorf("TenantID is required"))
	}
	return errors.Join(errs...)
}

// Owns reports whether inst belongs to the caller's tenant and subject.
func (rc *RequestContext) Owns(inst *WizardInstance) bool {
	return inst != nil && inst.TenantID == rc.TenantID && inst.SubjectID == rc.SubjectID
}

// SystemActor is recorded on events raised without a caller, such as expiry.
const SystemActor = "system"

// Actor names the caller on audit events. A nil context is the system.
func (rc *RequestContext) Actor() string {
	if rc == nil || rc.SubjectID == "" {
		return SystemActor
	}
	return rc.SubjectID
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

package wizard

import (
	"context"
	"time"

	"github.com/pitabwire/stepwise/model"
)

// InstanceStore persists wizard instances and their audit events.
type InstanceStore interface {
	// Create persists a new instance.
	Create(ctx context.Context, instance model.WizardInstance) error

	// Get retrieves an instance by ID, scoped to a tenant. Returns NOT_FOUND
	// if the instance doesn't exist or belongs to a different tenant.
	Get(ctx context.Context, tenantID, instanceID string) (model.WizardInstance, error)

	// Update persists an instance with optimistic locking. The version must
	// match the stored version, which is then incremented. Returns CONFLICT
	// if the version has changed.
	Update(ctx context.Context, instance model.WizardInstance) error

	// AppendEvent adds an event to the instance's audit trail.
	AppendEvent(ctx context.Context, event model.WizardEvent) error

	// GetEvents retrieves the events of an instance in timestamp order,
	// scoped to a tenant.
	GetEvents(ctx context.Context, tenantID, instanceID string) ([]model.WizardEvent, error)

	// FindActive returns active instances of a tenant's subject.
	FindActive(ctx context.Context, tenantID string, filters InstanceFilters) ([]model.WizardInstance, error)

	// FindExpired returns active instances whose expires_at is before cutoff.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.WizardInstance, error)

	// Delete removes an instance and its events.
	Delete(ctx context.Context, tenantID, instanceID string) error
}

// InstanceFilters are optional filters for listing instances.
type InstanceFilters struct {
	WizardID  string
	SubjectID string
	Limit     int
	Offset    int
}

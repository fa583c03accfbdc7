package wizard

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/stepwise/model"
)

// MemoryInstanceStore is an in-memory InstanceStore. Instances are stored as
// JSON snapshots so callers never share maps with the store.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string][]byte               // key: instance ID
	meta      map[string]model.WizardInstance // key: instance ID, scalar fields only
	events    map[string][]model.WizardEvent  // key: instance ID
}

// NewMemoryInstanceStore creates a new in-memory instance store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[string][]byte),
		meta:      make(map[string]model.WizardInstance),
		events:    make(map[string][]model.WizardEvent),
	}
}

// Create persists a new instance.
func (s *MemoryInstanceStore) Create(_ context.Context, inst model.WizardInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("wizard instance %q already exists", inst.ID))
	}
	return s.put(inst)
}

// Get retrieves an instance by ID, scoped to tenant.
func (s *MemoryInstanceStore) Get(_ context.Context, tenantID, instanceID string) (model.WizardInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, exists := s.meta[instanceID]
	if !exists || meta.TenantID != tenantID {
		return model.WizardInstance{}, model.NewNotFoundError(fmt.Sprintf("wizard instance %q not found", instanceID))
	}
	return s.load(instanceID)
}

// Update persists an updated instance with optimistic locking.
func (s *MemoryInstanceStore) Update(_ context.Context, inst model.WizardInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.meta[inst.ID]
	if !exists || existing.TenantID != inst.TenantID {
		return model.NewNotFoundError(fmt.Sprintf("wizard instance %q not found", inst.ID))
	}
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("wizard instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	return s.put(inst)
}

// AppendEvent adds an event to the instance's audit trail.
func (s *MemoryInstanceStore) AppendEvent(_ context.Context, event model.WizardEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.InstanceID] = append(s.events[event.InstanceID], event)
	return nil
}

// GetEvents retrieves all events of an instance, ordered by timestamp.
func (s *MemoryInstanceStore) GetEvents(_ context.Context, tenantID, instanceID string) ([]model.WizardEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, exists := s.meta[instanceID]
	if !exists || meta.TenantID != tenantID {
		return nil, model.NewNotFoundError(fmt.Sprintf("wizard instance %q not found", instanceID))
	}

	events := s.events[instanceID]
	result := make([]model.WizardEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// FindActive returns active instances for a tenant, newest first.
func (s *MemoryInstanceStore) FindActive(_ context.Context, tenantID string, filters InstanceFilters) ([]model.WizardInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, meta := range s.meta {
		if meta.TenantID != tenantID || meta.Status != model.WizardStatusActive {
			continue
		}
		if filters.WizardID != "" && meta.WizardID != filters.WizardID {
			continue
		}
		if filters.SubjectID != "" && meta.SubjectID != filters.SubjectID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.meta[ids[i]].CreatedAt.After(s.meta[ids[j]].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(ids) {
			return []model.WizardInstance{}, nil
		}
		ids = ids[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(ids) {
		ids = ids[:filters.Limit]
	}
	return s.loadAll(ids)
}

// FindExpired returns active instances past their expiration time, soonest
// expiry first.
func (s *MemoryInstanceStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.WizardInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, meta := range s.meta {
		if meta.Status != model.WizardStatusActive {
			continue
		}
		if meta.ExpiresAt == nil || !meta.ExpiresAt.Before(cutoff) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.meta[ids[i]].ExpiresAt.Before(*s.meta[ids[j]].ExpiresAt)
	})
	return s.loadAll(ids)
}

// Delete removes an instance and its events.
func (s *MemoryInstanceStore) Delete(_ context.Context, tenantID, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, exists := s.meta[instanceID]
	if !exists || meta.TenantID != tenantID {
		return model.NewNotFoundError(fmt.Sprintf("wizard instance %q not found", instanceID))
	}
	delete(s.instances, instanceID)
	delete(s.meta, instanceID)
	delete(s.events, instanceID)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryInstanceStore) HealthCheck(context.Context) error { return nil }

// Len returns the total number of instances. For testing.
func (s *MemoryInstanceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func (s *MemoryInstanceStore) put(inst model.WizardInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal wizard instance: %w", err)
	}
	s.instances[inst.ID] = data
	s.meta[inst.ID] = model.WizardInstance{
		ID:        inst.ID,
		WizardID:  inst.WizardID,
		TenantID:  inst.TenantID,
		SubjectID: inst.SubjectID,
		Status:    inst.Status,
		CreatedAt: inst.CreatedAt,
		ExpiresAt: inst.ExpiresAt,
		Version:   inst.Version,
	}
	return nil
}

func (s *MemoryInstanceStore) load(id string) (model.WizardInstance, error) {
	var inst model.WizardInstance
	if err := json.Unmarshal(s.instances[id], &inst); err != nil {
		return model.WizardInstance{}, fmt.Errorf("unmarshal wizard instance: %w", err)
	}
	return inst, nil
}

func (s *MemoryInstanceStore) loadAll(ids []string) ([]model.WizardInstance, error) {
	result := make([]model.WizardInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.load(id)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, nil
}

package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/stepwise/model"
)

// Schema creates the tables used by PgInstanceStore.
const Schema = `
CREATE TABLE IF NOT EXISTS wizard_instances (
	id           TEXT PRIMARY KEY,
	wizard_id    TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	partition_id TEXT NOT NULL DEFAULT '',
	subject_id   TEXT NOT NULL,
	current_step TEXT NOT NULL,
	status       TEXT NOT NULL,
	state        JSONB NOT NULL,
	version      INTEGER NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS wizard_instances_tenant_status ON wizard_instances (tenant_id, status);
CREATE INDEX IF NOT EXISTS wizard_instances_expires ON wizard_instances (expires_at) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS wizard_events (
	id                 TEXT PRIMARY KEY,
	wizard_instance_id TEXT NOT NULL REFERENCES wizard_instances (id),
	wizard_id          TEXT NOT NULL,
	step_id            TEXT NOT NULL,
	event              TEXT NOT NULL,
	actor_id           TEXT NOT NULL,
	data               JSONB,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS wizard_events_instance ON wizard_events (wizard_instance_id, created_at);
`

const instanceColumns = `id, wizard_id, tenant_id, partition_id, subject_id,
	current_step, status, state, version,
	created_at, updated_at, expires_at`

// instanceState is the JSONB body of an instance: everything that is not a
// column.
type instanceState struct {
	Answers       map[string]any                     `json:"answers"`
	Options       map[string]model.OptionSet         `json:"options,omitempty"`
	Locked        map[string]bool                    `json:"locked,omitempty"`
	Verifications map[string]model.VerificationState `json:"verifications,omitempty"`
	FieldErrors   map[string]string                  `json:"field_errors,omitempty"`
	Notification  string                             `json:"notification,omitempty"`
	Submission    model.SubmissionState              `json:"submission"`
	Session       *model.WizardSession               `json:"session,omitempty"`
	Uploads       []model.UploadItem                 `json:"uploads,omitempty"`
}

func stateOf(inst model.WizardInstance) ([]byte, error) {
	b, err := json.Marshal(instanceState{
		Answers:       inst.Answers,
		Options:       inst.Options,
		Locked:        inst.Locked,
		Verifications: inst.Verifications,
		FieldErrors:   inst.FieldErrors,
		Notification:  inst.Notification,
		Submission:    inst.Submission,
		Session:       inst.Session,
		Uploads:       inst.Uploads,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return b, nil
}

func applyState(inst *model.WizardInstance, data []byte) error {
	if data == nil {
		return nil
	}
	var st instanceState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}
	inst.Answers = st.Answers
	inst.Options = st.Options
	inst.Locked = st.Locked
	inst.Verifications = st.Verifications
	inst.FieldErrors = st.FieldErrors
	inst.Notification = st.Notification
	inst.Submission = st.Submission
	inst.Session = st.Session
	inst.Uploads = st.Uploads
	return nil
}

// PgInstanceStore is a PostgreSQL-backed InstanceStore using pgx/v5.
type PgInstanceStore struct {
	pool *pgxpool.Pool
}

// NewPgInstanceStore creates a new PostgreSQL instance store.
func NewPgInstanceStore(pool *pgxpool.Pool) *PgInstanceStore {
	return &PgInstanceStore{pool: pool}
}

// Migrate creates the store's tables when they do not exist.
func (s *PgInstanceStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate wizard store: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgInstanceStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new instance.
func (s *PgInstanceStore) Create(ctx context.Context, inst model.WizardInstance) error {
	state, err := stateOf(inst)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO wizard_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inst.ID, inst.WizardID, inst.TenantID, inst.PartitionID, inst.SubjectID,
		inst.CurrentStep, inst.Status, state, inst.Version,
		inst.CreatedAt, inst.UpdatedAt, inst.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert wizard instance: %w", err)
	}
	return nil
}

// Get retrieves an instance by ID, scoped to tenant.
func (s *PgInstanceStore) Get(ctx context.Context, tenantID, instanceID string) (model.WizardInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM wizard_instances
		WHERE id = $1 AND tenant_id = $2`,
		instanceID, tenantID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WizardInstance{}, model.NewNotFoundError(fmt.Sprintf("wizard instance %q not found", instanceID))
	}
	if err != nil {
		return model.WizardInstance{}, fmt.Errorf("query wizard instance: %w", err)
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking.
func (s *PgInstanceStore) Update(ctx context.Context, inst model.WizardInstance) error {
	state, err := stateOf(inst)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE wizard_instances SET
			current_step = $1,
			status = $2,
			state = $3,
			version = $4,
			updated_at = $5,
			expires_at = $6
		WHERE id = $7 AND tenant_id = $8 AND version = $9`,
		inst.CurrentStep, inst.Status, state, inst.Version+1,
		inst.UpdatedAt, inst.ExpiresAt,
		inst.ID, inst.TenantID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update wizard instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("wizard instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

// AppendEvent adds an event to the audit trail.
func (s *PgInstanceStore) AppendEvent(ctx context.Context, event model.WizardEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO wizard_events (
			id, wizard_instance_id, wizard_id, step_id, event, actor_id, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.InstanceID, event.WizardID, event.StepID, event.Event,
		event.ActorID, data, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert wizard event: %w", err)
	}
	return nil
}

// GetEvents retrieves all events of an instance.
func (s *PgInstanceStore) GetEvents(ctx context.Context, tenantID, instanceID string) ([]model.WizardEvent, error) {
	if _, err := s.Get(ctx, tenantID, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, wizard_instance_id, wizard_id, step_id, event, actor_id, data, created_at
		FROM wizard_events
		WHERE wizard_instance_id = $1
		ORDER BY created_at ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query wizard events: %w", err)
	}
	defer rows.Close()

	var events []model.WizardEvent
	for rows.Next() {
		var evt model.WizardEvent
		var data []byte
		if err := rows.Scan(
			&evt.ID, &evt.InstanceID, &evt.WizardID, &evt.StepID, &evt.Event,
			&evt.ActorID, &data, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan wizard event: %w", err)
		}
		if data != nil {
			_ = json.Unmarshal(data, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// FindActive returns active instances for a tenant.
func (s *PgInstanceStore) FindActive(ctx context.Context, tenantID string, filters InstanceFilters) ([]model.WizardInstance, error) {
	query := `SELECT ` + instanceColumns + `
	          FROM wizard_instances
	          WHERE tenant_id = $1 AND status = 'active'`
	args := []any{tenantID}
	argIdx := 2

	if filters.WizardID != "" {
		query += fmt.Sprintf(" AND wizard_id = $%d", argIdx)
		args = append(args, filters.WizardID)
		argIdx++
	}
	if filters.SubjectID != "" {
		query += fmt.Sprintf(" AND subject_id = $%d", argIdx)
		args = append(args, filters.SubjectID)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryInstances(ctx, query, args...)
}

// FindExpired returns active instances past their expiration time.
func (s *PgInstanceStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.WizardInstance, error) {
	query := `SELECT ` + instanceColumns + `
	          FROM wizard_instances
	          WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $1
	          ORDER BY expires_at ASC`
	return s.queryInstances(ctx, query, cutoff)
}

// Delete removes an instance and its events in one transaction.
func (s *PgInstanceStore) Delete(ctx context.Context, tenantID, instanceID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM wizard_events
			WHERE wizard_instance_id = $1
			AND wizard_instance_id IN (SELECT id FROM wizard_instances WHERE tenant_id = $2)`,
			instanceID, tenantID,
		); err != nil {
			return fmt.Errorf("delete wizard events: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			DELETE FROM wizard_instances
			WHERE id = $1 AND tenant_id = $2`,
			instanceID, tenantID,
		)
		if err != nil {
			return fmt.Errorf("delete wizard instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewNotFoundError(fmt.Sprintf("wizard instance %q not found", instanceID))
		}
		return nil
	})
}

func (s *PgInstanceStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WizardInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query wizard instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WizardInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wizard instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(row pgx.Row) (model.WizardInstance, error) {
	var inst model.WizardInstance
	var state []byte
	if err := row.Scan(
		&inst.ID, &inst.WizardID, &inst.TenantID, &inst.PartitionID, &inst.SubjectID,
		&inst.CurrentStep, &inst.Status, &state, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.ExpiresAt,
	); err != nil {
		return model.WizardInstance{}, err
	}
	if err := applyState(&inst, state); err != nil {
		return model.WizardInstance{}, err
	}
	return inst, nil
}

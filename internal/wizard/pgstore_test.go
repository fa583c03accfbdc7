package wizard

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/stepwise/model"
)

func TestInstanceState_roundTrip(t *testing.T) {
	sent := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	in := testInstance("wz-1", "tenant-1", "vendor.registration", "business")
	in.Options = map[string]model.OptionSet{"state": {ParentValue: "AE", Options: []model.Option{{ID: "dubai", Label: "Dubai", Value: "dubai"}}}}
	in.Locked = map[string]bool{"phone": true}
	in.Verifications = map[string]model.VerificationState{"phone": {Target: "+971500000001", SentAt: &sent, Verified: true}}
	in.FieldErrors = map[string]string{"store_name": "Taken"}
	in.Notification = "Taken"
	in.Session = &model.WizardSession{SessionID: "sess-1"}
	in.Uploads = []model.UploadItem{{ID: "u-1", FieldID: "trade_license", Status: model.UploadCompleted}}

	data, err := stateOf(in)
	require.NoError(t, err)

	var out model.WizardInstance
	require.NoError(t, applyState(&out, data))
	require.Equal(t, in.Answers, out.Answers)
	require.Equal(t, "AE", out.Options["state"].ParentValue)
	require.True(t, out.Locked["phone"])
	require.True(t, out.Verifications["phone"].SentAt.Equal(sent))
	require.Equal(t, "Taken", out.FieldErrors["store_name"])
	require.Equal(t, "sess-1", out.Session.SessionID)
	require.Len(t, out.Uploads, 1)
	require.Equal(t, model.SubmissionIdle, out.Submission.State)
}

func TestApplyState_nil(t *testing.T) {
	inst := model.WizardInstance{Answers: map[string]any{"a": "b"}}
	require.NoError(t, applyState(&inst, nil))
	require.Equal(t, "b", inst.Answers["a"])
}

// TestPgInstanceStore runs against a live database when
// STEPWISE_TEST_DATABASE_URL is set.
func TestPgInstanceStore(t *testing.T) {
	dsn := os.Getenv("STEPWISE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("STEPWISE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewPgInstanceStore(pool)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.HealthCheck(ctx))

	id := "wz-" + time.Now().Format("150405.000000000")
	inst := testInstance(id, "tenant-1", "vendor.registration", "contact")
	require.NoError(t, store.Create(ctx, inst))
	t.Cleanup(func() { _ = store.Delete(context.Background(), "tenant-1", id) })

	inst.Answers["store_name"] = "Corner shop"
	require.NoError(t, store.Update(ctx, inst))
	require.Equal(t, model.ErrConflict, errCode(store.Update(ctx, inst)))

	got, err := store.Get(ctx, "tenant-1", id)
	require.NoError(t, err)
	require.Equal(t, 2, got.Version)
	require.Equal(t, "Corner shop", got.Answers["store_name"])

	_, err = store.Get(ctx, "tenant-2", id)
	require.Equal(t, model.ErrNotFound, errCode(err))

	require.NoError(t, store.AppendEvent(ctx, model.WizardEvent{
		ID: id + "-e1", InstanceID: id, WizardID: inst.WizardID, Event: "wizard_started", Timestamp: time.Now().UTC(),
	}))
	events, err := store.GetEvents(ctx, "tenant-1", id)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

//go:build integration

package journeystore

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nuxie/growth-core/internal/campaign"
	"github.com/nuxie/growth-core/internal/dynval"
)

// setupTestDB starts a throwaway Postgres (or connects to
// CI_DATABASE_URL when set), applies the journey schema, and returns a
// ready store.
func setupTestDB(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		container, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err, "start postgres container")
		t.Cleanup(func() { _ = container.Terminate(context.Background()) })

		connStr, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, Schema)
	require.NoError(t, err)

	return NewSQLStore(db, nil)
}

func TestSQLStoreRoundTrip(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	j := &Journey{
		ID:            "j1",
		CampaignID:    "c1",
		DistinctID:    "u1",
		CurrentNodeID: "n2",
		Status:        StatusActive,
		Context:       map[string]dynval.Value{"step": dynval.Number(2)},
		StartedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, store.Save(ctx, j))

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, j.ID, got.ID)
	require.Equal(t, j.CurrentNodeID, got.CurrentNodeID)
	require.Equal(t, j.Status, got.Status)
	require.Equal(t, float64(2), got.Context["step"].AsNumber())

	missing, err := store.Get(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestSQLStoreLiveSetAndCompletionLog(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	live := &Journey{ID: "j-live", CampaignID: "c1", DistinctID: "u1", Status: StatusActive, StartedAt: now, UpdatedAt: now}
	require.NoError(t, store.Save(ctx, live))

	active, err := store.ActiveForCampaign(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Len(t, active, 1)

	// Completing removes it from the live set and makes it the last
	// completion record for (distinctId, campaignId).
	completed := now.Add(time.Minute)
	live.Status = StatusCompleted
	live.CompleteReason = campaign.ExitCompleted
	live.CompletedAt = &completed
	live.UpdatedAt = completed
	require.NoError(t, store.Save(ctx, live))

	active, err = store.ActiveForCampaign(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Empty(t, active)

	last, err := store.LastCompletion(ctx, "u1", "c1")
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, "j-live", last.ID)
	require.Equal(t, campaign.ExitCompleted, last.CompleteReason)
}

func TestSQLStoreDueForResume(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	due := &Journey{ID: "j-due", CampaignID: "c1", DistinctID: "u1", Status: StatusPaused, ResumeAt: &past, StartedAt: now, UpdatedAt: now}
	notDue := &Journey{ID: "j-later", CampaignID: "c1", DistinctID: "u2", Status: StatusPaused, ResumeAt: &future, StartedAt: now, UpdatedAt: now}
	require.NoError(t, store.Save(ctx, due))
	require.NoError(t, store.Save(ctx, notDue))

	got, err := store.DueForResume(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "j-due", got[0].ID)
}

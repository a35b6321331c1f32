package database

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxEvent_Validate(t *testing.T) {
	testCases := []struct {
		name  string
		event *OutboxEvent
		valid bool
	}{
		{
			name: "valid",
			event: &OutboxEvent{
				AggregateType: AggregateSession,
				AggregateID:   "session-a",
				EventType:     EventBusinessesDiscovered,
				Payload:       json.RawMessage(`{}`),
			},
			valid: true,
		},
		{
			name: "missing aggregate type",
			event: &OutboxEvent{
				AggregateID: "session-a",
				EventType:   EventBusinessesDiscovered,
				Payload:     json.RawMessage(`{}`),
			},
		},
		{
			name: "missing event type",
			event: &OutboxEvent{
				AggregateType: AggregateSession,
				AggregateID:   "session-a",
				Payload:       json.RawMessage(`{}`),
			},
		},
		{
			name: "missing payload",
			event: &OutboxEvent{
				AggregateType: AggregateSession,
				AggregateID:   "session-a",
				EventType:     EventBusinessesDiscovered,
			},
		},
		{
			name: "broken payload",
			event: &OutboxEvent{
				AggregateType: AggregateSession,
				AggregateID:   "session-a",
				EventType:     EventBusinessesDiscovered,
				Payload:       json.RawMessage(`{"count":`),
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.event.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidEvent)
			}
		})
	}
}

func TestNewDiscoveredEvent(t *testing.T) {
	businesses := []models.Business{
		{Name: "Salon Haarscharf", NormalizedPhone: "0431556677", Provider: "Telekom Deutschland GmbH"},
		{Name: "Schnittpunkt"},
	}

	event, err := NewDiscoveredEvent("session-a", businesses)
	require.NoError(t, err)
	require.NoError(t, event.Validate())

	assert.Equal(t, AggregateSession, event.AggregateType)
	assert.Equal(t, "session-a", event.AggregateID)
	assert.Equal(t, EventBusinessesDiscovered, event.EventType)
	assert.Equal(t, DefaultTargetStream, event.TargetStream)

	var payload discoveredPayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, 2, payload.Count)
	assert.Equal(t, 1, payload.Enriched)
	assert.Len(t, payload.Businesses, 2)
}

func TestCalculateNextRetryTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		retryCount int
		expected   time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{8, 256 * time.Second},
		{9, 300 * time.Second},
		{40, 300 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, now.Add(tt.expected), calculateNextRetryTime(tt.retryCount, now), "retry %d", tt.retryCount)
	}
}

func TestOutboxRepository_InsertWithTx(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)

	t.Run("successful insert with transaction", func(t *testing.T) {
		event := discoveredEvent("session-insert")
		event.ID = uuid.Nil

		err := db.Transaction(ctx, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		})

		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, event.ID)
		assert.Equal(t, OutboxStatusPending, event.Status)
		assert.Equal(t, 0, event.RetryCount)
		assert.False(t, event.CreatedAt.IsZero())
	})

	t.Run("rollback on transaction failure", func(t *testing.T) {
		event := discoveredEvent("session-rollback")

		err := db.Transaction(ctx, func(tx pgx.Tx) error {
			if err := repo.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
			return pgx.ErrTxClosed
		})
		assert.Error(t, err)

		events, err := repo.GetPending(ctx, 100)
		require.NoError(t, err)
		for _, e := range events {
			assert.NotEqual(t, "session-rollback", e.AggregateID)
		}
	})
}

func TestOutboxRepository_MarkFailed(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)

	t.Run("increment retry count and set backoff", func(t *testing.T) {
		event := discoveredEvent("session-failed")
		require.NoError(t, db.Transaction(ctx, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		}))

		require.NoError(t, repo.MarkFailed(ctx, event.ID, assert.AnError))

		var status string
		var retryCount int
		var nextRetry *time.Time
		err := db.QueryRow(ctx,
			"SELECT status, retry_count, next_retry_at FROM outbox_event WHERE id = $1",
			event.ID).Scan(&status, &retryCount, &nextRetry)
		require.NoError(t, err)

		assert.Equal(t, OutboxStatusFailed, status)
		assert.Equal(t, 1, retryCount)
		require.NotNil(t, nextRetry)
		assert.True(t, nextRetry.After(time.Now()))
	})

	t.Run("move to dead letter after max retries", func(t *testing.T) {
		event := discoveredEvent("session-dead")
		event.RetryCount = MaxRetryCount - 1
		require.NoError(t, db.Transaction(ctx, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		}))

		require.NoError(t, repo.MarkFailed(ctx, event.ID, assert.AnError))

		var status string
		err := db.QueryRow(ctx, "SELECT status FROM outbox_event WHERE id = $1", event.ID).Scan(&status)
		require.NoError(t, err)
		assert.Equal(t, OutboxStatusDeadLetter, status)
	})

	t.Run("mark non-existent event processed", func(t *testing.T) {
		assert.Error(t, repo.MarkProcessed(ctx, uuid.New()))
	})
}

func TestBusinessRepository_AppendBusinesses(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	sessions := NewSessionRepository(db)
	repo := NewBusinessRepository(db)
	sessionID := uuid.NewString()

	require.NoError(t, sessions.Save(ctx, models.Session{
		ID:      sessionID,
		OwnerID: "owner-1",
		Status:  models.StatusRunning,
		Request: models.ScrapeRequest{Towns: []string{"Kiel"}},
	}))

	business := models.Business{
		Name:            "Salon Haarscharf",
		Phone:           "0431 556677",
		NormalizedPhone: "0431556677",
		Town:            "Kiel",
		Industry:        "Friseur",
		DiscoveredAt:    time.Now(),
	}
	require.NoError(t, repo.AppendBusinesses(ctx, sessionID, []models.Business{business}))

	business.Provider = "Telekom Deutschland GmbH"
	require.NoError(t, repo.AppendBusinesses(ctx, sessionID, []models.Business{business}))

	business.Provider = models.ProviderUnknown
	require.NoError(t, repo.AppendBusinesses(ctx, sessionID, []models.Business{business}))

	stored, err := repo.ListBusinesses(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, stored, 1, "upsert does not duplicate")
	assert.Equal(t, "Telekom Deutschland GmbH", stored[0].Provider, "provider is attached once")
}

func TestSessionRepository_ListUnfinished(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewSessionRepository(db)
	running := models.Session{ID: uuid.NewString(), OwnerID: "owner-1", Status: models.StatusRunning,
		Request: models.ScrapeRequest{Towns: []string{"Kiel"}}, CreatedAt: time.Now()}
	done := models.Session{ID: uuid.NewString(), OwnerID: "owner-1", Status: models.StatusCompleted,
		Request: models.ScrapeRequest{Towns: []string{"Lübeck"}}, CreatedAt: time.Now()}

	require.NoError(t, repo.Save(ctx, running))
	require.NoError(t, repo.Save(ctx, done))

	unfinished, err := repo.ListUnfinished(ctx)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, s := range unfinished {
		ids[s.ID] = true
	}
	assert.True(t, ids[running.ID])
	assert.False(t, ids[done.ID])

	got, err := repo.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Kiel"}, got.Request.Towns)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// setupTestDB connects to TEST_DATABASE_URL and skips the test when it is unset.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := New(context.Background(), Config{URL: url})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

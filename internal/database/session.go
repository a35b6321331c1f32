package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/listing-scraper/internal/models"
)

var ErrSessionNotFound = errors.New("session not found")

const upsertSessionSQL = `
	INSERT INTO scrape_sessions (
		id, owner_id, status, request, units_total, units_done, units_failed,
		businesses_found, error_message, created_at, started_at, finished_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, now())
	ON CONFLICT (id) DO UPDATE SET
		status           = EXCLUDED.status,
		units_total      = EXCLUDED.units_total,
		units_done       = EXCLUDED.units_done,
		units_failed     = EXCLUDED.units_failed,
		businesses_found = EXCLUDED.businesses_found,
		error_message    = EXCLUDED.error_message,
		started_at       = COALESCE(scrape_sessions.started_at, EXCLUDED.started_at),
		finished_at      = EXCLUDED.finished_at,
		updated_at       = now()`

const selectSessionSQL = `
	SELECT id, owner_id, status, request, units_total, units_done, units_failed,
		businesses_found, COALESCE(error_message, ''), created_at, started_at, finished_at
	FROM scrape_sessions`

// SessionRepository keeps one row per scrape session so that interrupted
// sessions can be found again after a restart.
type SessionRepository struct {
	db     *DB
	outbox *OutboxRepository
}

func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db, outbox: NewOutboxRepository(db)}
}

type finishedPayload struct {
	SessionID       string               `json:"session_id"`
	OwnerID         string               `json:"owner_id"`
	Status          models.SessionStatus `json:"status"`
	UnitsDone       int                  `json:"units_done"`
	UnitsFailed     int                  `json:"units_failed"`
	BusinessesFound int                  `json:"businesses_found"`
	Error           string               `json:"error,omitempty"`
}

// Save upserts the session row. A terminal status also queues a SESSION_FINISHED event.
func (r *SessionRepository) Save(ctx context.Context, s models.Session) error {
	request, err := json.Marshal(s.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return r.db.Transaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, upsertSessionSQL,
			s.ID, s.OwnerID, string(s.Status), request, s.UnitsTotal, s.UnitsDone, s.UnitsFailed,
			s.BusinessesFound, s.Error, createdAt, s.StartedAt, s.FinishedAt)
		if err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}

		if !s.Status.IsTerminal() {
			return nil
		}

		event, err := NewSessionEvent(s.ID, EventSessionFinished, finishedPayload{
			SessionID:       s.ID,
			OwnerID:         s.OwnerID,
			Status:          s.Status,
			UnitsDone:       s.UnitsDone,
			UnitsFailed:     s.UnitsFailed,
			BusinessesFound: s.BusinessesFound,
			Error:           s.Error,
		})
		if err != nil {
			return err
		}
		return r.outbox.InsertWithTx(ctx, tx, event)
	})
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.pool.QueryRow(ctx, selectSessionSQL+` WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListUnfinished returns queued, running and paused sessions in submission order.
func (r *SessionRepository) ListUnfinished(ctx context.Context) ([]models.Session, error) {
	rows, err := r.db.pool.Query(ctx, selectSessionSQL+` WHERE status IN ($1, $2, $3) ORDER BY created_at`,
		string(models.StatusQueued), string(models.StatusRunning), string(models.StatusPaused))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return sessions, nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		s       models.Session
		status  string
		request []byte
	)
	err := row.Scan(&s.ID, &s.OwnerID, &status, &request, &s.UnitsTotal, &s.UnitsDone, &s.UnitsFailed,
		&s.BusinessesFound, &s.Error, &s.CreatedAt, &s.StartedAt, &s.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	s.Status = models.SessionStatus(status)
	if err := json.Unmarshal(request, &s.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	return &s, nil
}

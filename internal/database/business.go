package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/listing-scraper/internal/models"
)

const upsertBusinessSQL = `
	INSERT INTO businesses (
		session_id, name_key, normalized_phone, name, phone,
		address, category, town, industry, provider, discovered_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (session_id, normalized_phone, name_key) DO UPDATE SET
		phone      = EXCLUDED.phone,
		address    = COALESCE(NULLIF(EXCLUDED.address, ''), businesses.address),
		category   = COALESCE(NULLIF(EXCLUDED.category, ''), businesses.category),
		provider   = CASE WHEN businesses.provider = '' THEN EXCLUDED.provider ELSE businesses.provider END,
		updated_at = now()`

// BusinessRepository stores discovered listings. Writes are idempotent per
// (session, phone, name), so a unit that is processed again after a resume
// updates its rows instead of duplicating them.
type BusinessRepository struct {
	db     *DB
	outbox *OutboxRepository
}

func NewBusinessRepository(db *DB) *BusinessRepository {
	return &BusinessRepository{db: db, outbox: NewOutboxRepository(db)}
}

type discoveredPayload struct {
	SessionID  string            `json:"session_id"`
	Count      int               `json:"count"`
	Enriched   int               `json:"enriched"`
	Businesses []models.Business `json:"businesses"`
}

// NewDiscoveredEvent builds the outbox event written together with a business upsert.
func NewDiscoveredEvent(sessionID string, businesses []models.Business) (*OutboxEvent, error) {
	enriched := 0
	for i := range businesses {
		if businesses[i].IsEnriched() {
			enriched++
		}
	}
	return NewSessionEvent(sessionID, EventBusinessesDiscovered, discoveredPayload{
		SessionID:  sessionID,
		Count:      len(businesses),
		Enriched:   enriched,
		Businesses: businesses,
	})
}

// AppendBusinesses upserts the records and queues a BUSINESSES_DISCOVERED event
// in the same transaction.
func (r *BusinessRepository) AppendBusinesses(ctx context.Context, sessionID string, businesses []models.Business) error {
	if len(businesses) == 0 {
		return nil
	}

	event, err := NewDiscoveredEvent(sessionID, businesses)
	if err != nil {
		return err
	}

	return r.db.Transaction(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for i := range businesses {
			b := &businesses[i]
			discoveredAt := b.DiscoveredAt
			if discoveredAt.IsZero() {
				discoveredAt = time.Now()
			}
			batch.Queue(upsertBusinessSQL,
				sessionID, nameKey(b.Name), b.NormalizedPhone, b.Name, b.Phone,
				b.Address, b.Category, b.Town, b.Industry, b.Provider, discoveredAt)
		}

		results := tx.SendBatch(ctx, batch)
		for range businesses {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("failed to upsert business: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("failed to upsert businesses: %w", err)
		}

		return r.outbox.InsertWithTx(ctx, tx, event)
	})
}

func (r *BusinessRepository) ListBusinesses(ctx context.Context, sessionID string) ([]models.Business, error) {
	query := `
		SELECT name, phone, normalized_phone, address, category, town, industry, provider, discovered_at
		FROM businesses
		WHERE session_id = $1
		ORDER BY discovered_at, name`

	rows, err := r.db.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list businesses: %w", err)
	}
	defer rows.Close()

	var businesses []models.Business
	for rows.Next() {
		var b models.Business
		if err := rows.Scan(&b.Name, &b.Phone, &b.NormalizedPhone, &b.Address, &b.Category,
			&b.Town, &b.Industry, &b.Provider, &b.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan business: %w", err)
		}
		businesses = append(businesses, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return businesses, nil
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

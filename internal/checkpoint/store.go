// Package checkpoint persists the latest progress snapshot of a session. Each
// Save overwrites the previous checkpoint of the same session.
package checkpoint

import (
	"context"
	"errors"
	"strings"

	"github.com/maltedev/listing-scraper/internal/models"
)

var ErrInvalidSessionID = errors.New("invalid session id")

type Store interface {
	Save(ctx context.Context, sessionID string, cp *models.Checkpoint) error
	// Load returns nil, nil when the session has no checkpoint.
	Load(ctx context.Context, sessionID string) (*models.Checkpoint, error)
	Clear(ctx context.Context, sessionID string) error
}

func validateID(sessionID string) error {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || strings.Contains(sessionID, "..") {
		return ErrInvalidSessionID
	}
	return nil
}

func clone(cp *models.Checkpoint) *models.Checkpoint {
	out := *cp
	out.RetryQueue = append([]models.LookupRequest(nil), cp.RetryQueue...)
	return &out
}

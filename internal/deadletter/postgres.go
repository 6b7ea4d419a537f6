package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sandboxops/lease-notify/internal/domain"
)

// PostgresStore writes escalated items to the escalated_events table.
//
// Schema:
//
//	CREATE TABLE escalated_events (
//	    id              UUID PRIMARY KEY,
//	    event_id        TEXT        NOT NULL,
//	    event_type      TEXT        NOT NULL,
//	    event           JSONB       NOT NULL,
//	    kind            TEXT        NOT NULL,
//	    channel         TEXT        NOT NULL DEFAULT '',
//	    attempts        INT         NOT NULL,
//	    cause           TEXT        NOT NULL DEFAULT '',
//	    first_failed_at TIMESTAMPTZ NOT NULL,
//	    last_failed_at  TIMESTAMPTZ NOT NULL,
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresStore struct {
	db *sql.DB
	lg zerolog.Logger
}

func NewPostgresStore(db *sql.DB, lg zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		db: db,
		lg: lg.With().Str("component", "deadletter_store").Logger(),
	}
}

const insertSQL = `
INSERT INTO escalated_events
    (id, event_id, event_type, event, kind, channel, attempts, cause, first_failed_at, last_failed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

func (s *PostgresStore) Write(ctx context.Context, item domain.EscalatedItem) error {
	raw, err := json.Marshal(item.Event)
	if err != nil {
		return fmt.Errorf("encode escalated event: %w", err)
	}

	first := item.FirstFailure
	if first.IsZero() {
		first = time.Now().UTC()
	}
	last := item.LastFailure
	if last.IsZero() {
		last = first
	}

	_, err = s.db.ExecContext(ctx, insertSQL,
		uuid.NewString(),
		string(item.Event.ID),
		string(item.Event.Type),
		raw,
		item.Kind,
		item.Channel,
		item.Attempts,
		item.Cause,
		first,
		last,
	)
	if err != nil {
		return fmt.Errorf("insert escalated event %s: %w", item.Event.ID, err)
	}

	s.lg.Info().
		Str("event_id", string(item.Event.ID)).
		Str("kind", item.Kind).
		Str("channel", item.Channel).
		Int("attempts", item.Attempts).
		Msg("escalated item written")
	return nil
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/salient/internal/domain"
)

// EventRepo implements domain.EventRepository using PostgreSQL.
type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// PutEvents sends all records in one batch. The batch runs as a single
// implicit transaction, so it is written entirely or not at all.
func (r *EventRepo) PutEvents(ctx context.Context, records []*domain.EventRecord) ([]*domain.EventRecord, error) {
	batch := &pgx.Batch{}
	for _, e := range records {
		batch.Queue(
			`INSERT INTO session_events (session_id, key, command, algorithm, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (session_id, key) DO NOTHING`,
			e.SessionID, e.Key, e.Command, e.Cipher.Algorithm, e.CreatedAt,
		)
	}

	err := r.pool.SendBatch(ctx, batch).Close()
	if err != nil {
		return nil, fmt.Errorf("eventRepo.PutEvents: %w", err)
	}

	return nil, nil
}

func (r *EventRepo) ListAfter(ctx context.Context, sessionID string, after int64, limit int) ([]*domain.EventRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, key, command, algorithm, created_at
		 FROM session_events WHERE session_id = $1 AND key > $2
		 ORDER BY key ASC
		 LIMIT $3`,
		sessionID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("eventRepo.ListAfter: %w", err)
	}
	defer rows.Close()

	var events []*domain.EventRecord
	for rows.Next() {
		var e domain.EventRecord

		err = rows.Scan(&e.SessionID, &e.Key, &e.Command, &e.Cipher.Algorithm, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("eventRepo.ListAfter: scan: %w", err)
		}
		events = append(events, &e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("eventRepo.ListAfter: rows: %w", err)
	}

	return events, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/salient/internal/domain"
)

// SnapshotRepo implements domain.SnapshotRepository using PostgreSQL. It
// keeps one row per session; an older snapshot never replaces a newer one.
type SnapshotRepo struct {
	pool *pgxpool.Pool
}

func NewSnapshotRepo(pool *pgxpool.Pool) *SnapshotRepo {
	return &SnapshotRepo{pool: pool}
}

func (r *SnapshotRepo) PutSnapshots(ctx context.Context, records []*domain.SnapshotRecord) ([]*domain.SnapshotRecord, error) {
	batch := &pgx.Batch{}
	for _, s := range records {
		factCount := s.FactCount
		if factCount == nil {
			factCount = map[string]int64{}
		}
		batch.Queue(
			`INSERT INTO session_snapshots (session_id, key, account_id, knowledge_base_id, codec, state,
			     properties, fact_count, process_count, data_key, data_key_algorithm, data_key_id,
			     algorithm, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 ON CONFLICT (session_id) DO UPDATE SET
			     key = EXCLUDED.key,
			     account_id = EXCLUDED.account_id,
			     knowledge_base_id = EXCLUDED.knowledge_base_id,
			     codec = EXCLUDED.codec,
			     state = EXCLUDED.state,
			     properties = EXCLUDED.properties,
			     fact_count = EXCLUDED.fact_count,
			     process_count = EXCLUDED.process_count,
			     data_key = EXCLUDED.data_key,
			     data_key_algorithm = EXCLUDED.data_key_algorithm,
			     data_key_id = EXCLUDED.data_key_id,
			     algorithm = EXCLUDED.algorithm,
			     created_at = EXCLUDED.created_at
			 WHERE session_snapshots.key <= EXCLUDED.key`,
			s.SessionID, s.Key, s.AccountID, s.KnowledgeBaseID, s.Codec, s.State,
			s.Properties, factCount, s.ProcessCount, s.DataKey.Ciphertext, s.DataKey.Algorithm, s.DataKey.KeyID,
			s.Cipher.Algorithm, s.CreatedAt,
		)
	}

	err := r.pool.SendBatch(ctx, batch).Close()
	if err != nil {
		return nil, fmt.Errorf("snapshotRepo.PutSnapshots: %w", err)
	}

	return nil, nil
}

func (r *SnapshotRepo) Latest(ctx context.Context, sessionID string) (*domain.SnapshotRecord, error) {
	var s domain.SnapshotRecord

	err := r.pool.QueryRow(ctx,
		`SELECT session_id, key, account_id, knowledge_base_id, codec, state, properties, fact_count,
		        process_count, data_key, data_key_algorithm, data_key_id, algorithm, created_at
		 FROM session_snapshots WHERE session_id = $1`,
		sessionID,
	).Scan(&s.SessionID, &s.Key, &s.AccountID, &s.KnowledgeBaseID, &s.Codec, &s.State, &s.Properties, &s.FactCount,
		&s.ProcessCount, &s.DataKey.Ciphertext, &s.DataKey.Algorithm, &s.DataKey.KeyID, &s.Cipher.Algorithm, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("snapshotRepo.Latest: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshotRepo.Latest: %w", err)
	}

	return &s, nil
}

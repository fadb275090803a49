// Package sqlite stores session events, snapshots and account profiles in a
// single SQLite database. It backs single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/gosuda/salient/internal/domain"
	"github.com/gosuda/salient/internal/store/sqlite/migrations"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store implements domain.EventRepository, domain.SnapshotRepository and
// domain.ProfileRepository.
type Store struct {
	db *sql.DB
}

var (
	_ domain.EventRepository    = (*Store)(nil)
	_ domain.SnapshotRepository = (*Store)(nil)
	_ domain.ProfileRepository  = (*Store)(nil)
)

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// Open opens the database at path and applies the embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite.Open: path is required")
	}

	dsn := MemoryPath
	if path != MemoryPath {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite.Open: %w", err)
	}
	if path == MemoryPath {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite.Open: ping: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite.Open: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite.Store.Close: %w", err)
	}
	return nil
}

// PutEvents writes records in one transaction. Existing keys are kept.
func (s *Store) PutEvents(ctx context.Context, records []*domain.EventRecord) ([]*domain.EventRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite.Store.PutEvents: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO session_events (session_id, key, command, algorithm, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			e.SessionID, e.Key, e.Command, e.Cipher.Algorithm, toMillis(e.CreatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite.Store.PutEvents: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite.Store.PutEvents: commit: %w", err)
	}
	return nil, nil
}

func (s *Store) ListAfter(ctx context.Context, sessionID string, after int64, limit int) ([]*domain.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, key, command, algorithm, created_at
		 FROM session_events WHERE session_id = ? AND key > ?
		 ORDER BY key ASC
		 LIMIT ?`,
		sessionID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite.Store.ListAfter: %w", err)
	}
	defer rows.Close()

	var events []*domain.EventRecord
	for rows.Next() {
		var (
			e       domain.EventRecord
			created int64
		)
		if err := rows.Scan(&e.SessionID, &e.Key, &e.Command, &e.Cipher.Algorithm, &created); err != nil {
			return nil, fmt.Errorf("sqlite.Store.ListAfter: scan: %w", err)
		}
		e.CreatedAt = fromMillis(created)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite.Store.ListAfter: rows: %w", err)
	}
	return events, nil
}

// PutSnapshots upserts records in one transaction. An older snapshot never
// replaces a newer one.
func (s *Store) PutSnapshots(ctx context.Context, records []*domain.SnapshotRecord) ([]*domain.SnapshotRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite.Store.PutSnapshots: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		factCount, err := json.Marshal(r.FactCount)
		if err != nil {
			return nil, fmt.Errorf("sqlite.Store.PutSnapshots: fact count: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO session_snapshots (session_id, key, account_id, knowledge_base_id, codec, state,
			     properties, fact_count, process_count, data_key, data_key_algorithm, data_key_id,
			     algorithm, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (session_id) DO UPDATE SET
			     key = excluded.key,
			     account_id = excluded.account_id,
			     knowledge_base_id = excluded.knowledge_base_id,
			     codec = excluded.codec,
			     state = excluded.state,
			     properties = excluded.properties,
			     fact_count = excluded.fact_count,
			     process_count = excluded.process_count,
			     data_key = excluded.data_key,
			     data_key_algorithm = excluded.data_key_algorithm,
			     data_key_id = excluded.data_key_id,
			     algorithm = excluded.algorithm,
			     created_at = excluded.created_at
			 WHERE session_snapshots.key <= excluded.key`,
			r.SessionID, r.Key, r.AccountID, r.KnowledgeBaseID, r.Codec, r.State,
			r.Properties, string(factCount), r.ProcessCount, r.DataKey.Ciphertext, r.DataKey.Algorithm, r.DataKey.KeyID,
			r.Cipher.Algorithm, toMillis(r.CreatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite.Store.PutSnapshots: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite.Store.PutSnapshots: commit: %w", err)
	}
	return nil, nil
}

func (s *Store) Latest(ctx context.Context, sessionID string) (*domain.SnapshotRecord, error) {
	var (
		r         domain.SnapshotRecord
		factCount string
		created   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, key, account_id, knowledge_base_id, codec, state, properties, fact_count,
		        process_count, data_key, data_key_algorithm, data_key_id, algorithm, created_at
		 FROM session_snapshots WHERE session_id = ?`,
		sessionID,
	).Scan(&r.SessionID, &r.Key, &r.AccountID, &r.KnowledgeBaseID, &r.Codec, &r.State, &r.Properties, &factCount,
		&r.ProcessCount, &r.DataKey.Ciphertext, &r.DataKey.Algorithm, &r.DataKey.KeyID, &r.Cipher.Algorithm, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite.Store.Latest: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite.Store.Latest: %w", err)
	}

	if err := json.Unmarshal([]byte(factCount), &r.FactCount); err != nil {
		return nil, fmt.Errorf("sqlite.Store.Latest: fact count: %w", err)
	}
	r.CreatedAt = fromMillis(created)
	return &r, nil
}

// UpsertProfile stores one profile of an account.
func (s *Store) UpsertProfile(ctx context.Context, rec *domain.ProfileRecord) error {
	p := rec.Profile

	var props []byte
	if !rec.Sealed && p.Properties != nil {
		b, err := json.Marshal(p.Properties)
		if err != nil {
			return fmt.Errorf("sqlite.Store.UpsertProfile: %w", err)
		}
		props = b
	}
	aliases, err := json.Marshal(nonNilMap(p.Aliases))
	if err != nil {
		return fmt.Errorf("sqlite.Store.UpsertProfile: %w", err)
	}
	repos := p.Repositories
	if repos == nil {
		repos = []domain.Remote{}
	}
	repositories, err := json.Marshal(repos)
	if err != nil {
		return fmt.Errorf("sqlite.Store.UpsertProfile: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO account_profiles (account_id, name, active, properties, sealed_properties, aliases, repositories)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, name) DO UPDATE SET
		     active = excluded.active,
		     properties = excluded.properties,
		     sealed_properties = excluded.sealed_properties,
		     aliases = excluded.aliases,
		     repositories = excluded.repositories`,
		rec.AccountID, p.Name, p.Active, nullString(props), rec.SealedProperties, string(aliases), string(repositories),
	)
	if err != nil {
		return fmt.Errorf("sqlite.Store.UpsertProfile: %w", err)
	}
	return nil
}

func (s *Store) ListByAccount(ctx context.Context, accountID string) ([]*domain.ProfileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, name, active, properties, sealed_properties, aliases, repositories
		 FROM account_profiles WHERE account_id = ?
		 ORDER BY name`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite.Store.ListByAccount: %w", err)
	}
	defer rows.Close()

	var list []*domain.ProfileRecord
	for rows.Next() {
		var (
			rec                   domain.ProfileRecord
			props                 sql.NullString
			aliases, repositories string
		)
		err := rows.Scan(&rec.AccountID, &rec.Profile.Name, &rec.Profile.Active, &props,
			&rec.SealedProperties, &aliases, &repositories)
		if err != nil {
			return nil, fmt.Errorf("sqlite.Store.ListByAccount: scan: %w", err)
		}
		if props.Valid {
			if err := json.Unmarshal([]byte(props.String), &rec.Profile.Properties); err != nil {
				return nil, fmt.Errorf("sqlite.Store.ListByAccount: properties: %w", err)
			}
		}
		if err := json.Unmarshal([]byte(aliases), &rec.Profile.Aliases); err != nil {
			return nil, fmt.Errorf("sqlite.Store.ListByAccount: aliases: %w", err)
		}
		if err := json.Unmarshal([]byte(repositories), &rec.Profile.Repositories); err != nil {
			return nil, fmt.Errorf("sqlite.Store.ListByAccount: repositories: %w", err)
		}
		rec.Sealed = len(rec.SealedProperties) > 0
		list = append(list, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite.Store.ListByAccount: rows: %w", err)
	}
	return list, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

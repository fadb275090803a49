package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/salient/internal/domain"
)

// ProfileRepo implements domain.ProfileRepository using PostgreSQL.
type ProfileRepo struct {
	pool *pgxpool.Pool
}

func NewProfileRepo(pool *pgxpool.Pool) *ProfileRepo {
	return &ProfileRepo{pool: pool}
}

// Upsert stores one profile of an account.
func (r *ProfileRepo) Upsert(ctx context.Context, rec *domain.ProfileRecord) error {
	p := rec.Profile

	var props domain.Properties
	if !rec.Sealed {
		props = p.Properties
	}
	aliases := p.Aliases
	if aliases == nil {
		aliases = map[string]string{}
	}
	repos := p.Repositories
	if repos == nil {
		repos = []domain.Remote{}
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO account_profiles (account_id, name, active, properties, sealed_properties, aliases, repositories)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (account_id, name) DO UPDATE SET
		     active = EXCLUDED.active,
		     properties = EXCLUDED.properties,
		     sealed_properties = EXCLUDED.sealed_properties,
		     aliases = EXCLUDED.aliases,
		     repositories = EXCLUDED.repositories`,
		rec.AccountID, p.Name, p.Active, props, rec.SealedProperties, aliases, repos,
	)
	if err != nil {
		return fmt.Errorf("profileRepo.Upsert: %w", err)
	}

	return nil
}

func (r *ProfileRepo) ListByAccount(ctx context.Context, accountID string) ([]*domain.ProfileRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT account_id, name, active, properties, sealed_properties, aliases, repositories
		 FROM account_profiles WHERE account_id = $1
		 ORDER BY name`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("profileRepo.ListByAccount: %w", err)
	}
	defer rows.Close()

	var list []*domain.ProfileRecord
	for rows.Next() {
		var rec domain.ProfileRecord

		scanErr := rows.Scan(&rec.AccountID, &rec.Profile.Name, &rec.Profile.Active, &rec.Profile.Properties,
			&rec.SealedProperties, &rec.Profile.Aliases, &rec.Profile.Repositories)
		if scanErr != nil {
			return nil, fmt.Errorf("profileRepo.ListByAccount: scan: %w", scanErr)
		}
		rec.Sealed = len(rec.SealedProperties) > 0

		list = append(list, &rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("profileRepo.ListByAccount: rows: %w", err)
	}

	return list, nil
}

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

// GetByKey only returns keys that are not revoked. Keys are stored hashed.
func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	query := `
		SELECT id, name, key_hash, created_at
		FROM api_keys
		WHERE key_hash = $1 AND revoked_at IS NULL
	`

	var k APIKey
	err := s.db.QueryRow(ctx, query, hashKey(key)).Scan(&k.ID, &k.Name, &k.KeyHash, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	return &k, nil
}

package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vnmchuo/genai-gateway/internal/provider"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetAPIKeyLimit(ctx context.Context, apiKeyID string) (*APIKeyLimit, error) {
	query := `SELECT id, limit_in_cent FROM api_keys WHERE id = $1`

	var l APIKeyLimit
	err := s.db.QueryRow(ctx, query, apiKeyID).Scan(&l.APIKeyID, &l.LimitInCent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get api key limit: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) CompletionCostsSince(ctx context.Context, apiKeyID string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(costs_in_cent), 0)
		FROM completion_usages
		WHERE api_key_id = $1 AND created_at >= $2
	`
	var total float64
	if err := s.db.QueryRow(ctx, query, apiKeyID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum completion usage: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) ImageCostsSince(ctx context.Context, apiKeyID string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(costs_in_cent), 0)
		FROM image_generation_usages
		WHERE api_key_id = $1 AND created_at >= $2
	`
	var total float64
	if err := s.db.QueryRow(ctx, query, apiKeyID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum image usage: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) HasAPIKeyAccessToModel(ctx context.Context, apiKeyID, modelID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM api_key_models WHERE api_key_id = $1 AND model_id = $2
		)
	`
	var ok bool
	if err := s.db.QueryRow(ctx, query, apiKeyID, modelID).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check model access: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) CreateCompletionUsage(ctx context.Context, u *CompletionUsage) error {
	query := `
		INSERT INTO completion_usages (api_key_id, model_id, prompt_tokens, completion_tokens, total_tokens, costs_in_cent)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		u.APIKeyID, u.ModelID, u.PromptTokens, u.CompletionTokens, u.TotalTokens, u.CostsInCent,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert completion usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateImageUsage(ctx context.Context, u *ImageUsage) error {
	query := `
		INSERT INTO image_generation_usages (api_key_id, model_id, costs_in_cent)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query, u.APIKeyID, u.ModelID, u.CostsInCent).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert image usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCompletionUsageSince(ctx context.Context, apiKeyID string, since time.Time) ([]*CompletionUsage, error) {
	query := `
		SELECT id, api_key_id, model_id, prompt_tokens, completion_tokens, total_tokens, costs_in_cent, created_at
		FROM completion_usages
		WHERE api_key_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, apiKeyID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query completion usage: %w", err)
	}
	defer rows.Close()

	var usages []*CompletionUsage
	for rows.Next() {
		var u CompletionUsage
		err := rows.Scan(
			&u.ID, &u.APIKeyID, &u.ModelID, &u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &u.CostsInCent, &u.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan completion usage: %w", err)
		}
		usages = append(usages, &u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating completion usage: %w", err)
	}

	return usages, nil
}

// GetModelByID treats soft-deleted models as absent.
func (s *PostgresStore) GetModelByID(ctx context.Context, modelID string) (*provider.Model, error) {
	query := `
		SELECT id, provider, name, display_name, price_metadata, settings, supported_image_formats, deleted_at
		FROM models
		WHERE id = $1 AND deleted_at IS NULL
	`

	var (
		m            provider.Model
		providerName string
		priceJSON    []byte
		settingsJSON []byte
		formats      []string
	)
	err := s.db.QueryRow(ctx, query, modelID).Scan(
		&m.ID, &providerName, &m.Name, &m.DisplayName, &priceJSON, &settingsJSON, &formats, &m.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get model: %w", err)
	}

	m.Provider = provider.Name(providerName)
	m.SupportedImageFormats = formats
	if err := json.Unmarshal(priceJSON, &m.Price); err != nil {
		return nil, fmt.Errorf("failed to decode price metadata of model %s: %w", modelID, err)
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &m.Settings); err != nil {
			return nil, fmt.Errorf("failed to decode settings of model %s: %w", modelID, err)
		}
	}
	return &m, nil
}

package billing

import (
	"context"
	"errors"
	"time"

	"github.com/vnmchuo/genai-gateway/internal/provider"
)

var ErrNotFound = errors.New("not found")

type APIKeyLimit struct {
	APIKeyID    string
	LimitInCent float64
}

// CompletionUsage is written once per completed text generation.
type CompletionUsage struct {
	ID               string    `json:"id"`
	APIKeyID         string    `json:"api_key_id"`
	ModelID          string    `json:"model_id"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostsInCent      float64   `json:"costs_in_cent"`
	CreatedAt        time.Time `json:"created_at"`
}

// ImageUsage is written once per image generation call, not per image.
type ImageUsage struct {
	ID          string
	APIKeyID    string
	ModelID     string
	CostsInCent float64
	CreatedAt   time.Time
}

// UsageWriter appends usage records.
type UsageWriter interface {
	CreateCompletionUsage(ctx context.Context, u *CompletionUsage) error
	CreateImageUsage(ctx context.Context, u *ImageUsage) error
}

// Ledger is the full usage ledger the gateway reads from and writes to.
type Ledger interface {
	UsageWriter
	GetAPIKeyLimit(ctx context.Context, apiKeyID string) (*APIKeyLimit, error)
	CompletionCostsSince(ctx context.Context, apiKeyID string, since time.Time) (float64, error)
	ImageCostsSince(ctx context.Context, apiKeyID string, since time.Time) (float64, error)
	HasAPIKeyAccessToModel(ctx context.Context, apiKeyID, modelID string) (bool, error)
	GetModelByID(ctx context.Context, modelID string) (*provider.Model, error)
}

// StartOfMonth returns midnight of the first day of t's month in t's location.
func StartOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

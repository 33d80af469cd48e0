package billing

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vnmchuo/genai-gateway/internal/aierr"
	"github.com/vnmchuo/genai-gateway/internal/provider"
)

// TextCost prices a text generation in cents.
func TextCost(m *provider.Model, usage provider.TokenUsage) (float64, error) {
	if m.Price.Kind != provider.PriceText {
		return 0, aierr.Newf(aierr.KindInvalidModel, "Model %s is not a text model (price type %q)", m.DisplayName, m.Price.Kind)
	}
	return float64(usage.PromptTokens)*m.Price.PromptTokenPrice +
		float64(usage.CompletionTokens)*m.Price.CompletionTokenPrice, nil
}

// ImageCost is a flat price per generation call, independent of the number of images returned.
func ImageCost(m *provider.Model) (float64, error) {
	if m.Price.Kind != provider.PriceImage {
		return 0, aierr.Newf(aierr.KindInvalidModel, "Model %s is not an image model (price type %q)", m.DisplayName, m.Price.Kind)
	}
	return m.Price.PricePerImageInCent, nil
}

// Biller prices completed generations and appends the matching usage record.
type Biller struct {
	store  UsageWriter
	logger *zap.Logger
}

func NewBiller(store UsageWriter, logger *zap.Logger) *Biller {
	return &Biller{store: store, logger: logger}
}

func (b *Biller) BillTextUsage(ctx context.Context, apiKeyID string, m *provider.Model, usage provider.TokenUsage) (float64, error) {
	cost, err := TextCost(m, usage)
	if err != nil {
		return 0, err
	}

	err = b.store.CreateCompletionUsage(ctx, &CompletionUsage{
		APIKeyID:         apiKeyID,
		ModelID:          m.ID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		CostsInCent:      cost,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record completion usage: %w", err)
	}

	b.logger.Debug("billed completion",
		zap.String("api_key_id", apiKeyID),
		zap.String("model_id", m.ID),
		zap.Int("total_tokens", usage.TotalTokens),
		zap.Float64("cost_in_cent", cost),
	)
	return cost, nil
}

func (b *Biller) BillImageUsage(ctx context.Context, apiKeyID string, m *provider.Model) (float64, error) {
	cost, err := ImageCost(m)
	if err != nil {
		return 0, err
	}

	err = b.store.CreateImageUsage(ctx, &ImageUsage{
		APIKeyID:    apiKeyID,
		ModelID:     m.ID,
		CostsInCent: cost,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record image usage: %w", err)
	}

	b.logger.Debug("billed image generation",
		zap.String("api_key_id", apiKeyID),
		zap.String("model_id", m.ID),
		zap.Float64("cost_in_cent", cost),
	)
	return cost, nil
}

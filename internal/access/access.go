// Package access gates generation calls on model entitlement and the monthly spending quota.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/genai-gateway/internal/aierr"
	"github.com/vnmchuo/genai-gateway/internal/billing"
	"github.com/vnmchuo/genai-gateway/internal/provider"
)

type EntitlementStore interface {
	HasAPIKeyAccessToModel(ctx context.Context, apiKeyID, modelID string) (bool, error)
}

type EntitlementChecker struct {
	store EntitlementStore
}

func NewEntitlementChecker(store EntitlementStore) *EntitlementChecker {
	return &EntitlementChecker{store: store}
}

// HasAccess returns false, not an error, when the key is simply not entitled.
func (c *EntitlementChecker) HasAccess(ctx context.Context, apiKeyID string, m *provider.Model) (bool, error) {
	ok, err := c.store.HasAPIKeyAccessToModel(ctx, apiKeyID, m.ID)
	if err != nil {
		return false, aierr.Wrap(aierr.KindProviderConfiguration, err,
			fmt.Sprintf("Failed to check access to model %s: %v", m.DisplayName, err))
	}
	return ok, nil
}

type QuotaStore interface {
	GetAPIKeyLimit(ctx context.Context, apiKeyID string) (*billing.APIKeyLimit, error)
	CompletionCostsSince(ctx context.Context, apiKeyID string, since time.Time) (float64, error)
	ImageCostsSince(ctx context.Context, apiKeyID string, since time.Time) (float64, error)
}

type QuotaChecker struct {
	store QuotaStore
	now   func() time.Time
}

type QuotaOption func(*QuotaChecker)

// WithClock replaces time.Now; the month boundary is taken in the returned time's location.
func WithClock(now func() time.Time) QuotaOption {
	return func(c *QuotaChecker) { c.now = now }
}

func NewQuotaChecker(store QuotaStore, opts ...QuotaOption) *QuotaChecker {
	c := &QuotaChecker{store: store, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Spend is the key's limit and what it has used since the start of the month.
type Spend struct {
	LimitInCent      float64
	CompletionInCent float64
	ImageInCent      float64
	Since            time.Time
}

func (s *Spend) Total() float64 {
	return s.CompletionInCent + s.ImageInCent
}

// OverQuota is strict: spending exactly the limit is still allowed.
func (s *Spend) OverQuota() bool {
	return s.Total() > s.LimitInCent
}

func (c *QuotaChecker) IsOverQuota(ctx context.Context, apiKeyID string) (bool, error) {
	spend, err := c.MonthlySpend(ctx, apiKeyID)
	if err != nil {
		return false, err
	}
	return spend.OverQuota(), nil
}

// MonthlySpend fails with a NotFoundError when the key has no limit.
func (c *QuotaChecker) MonthlySpend(ctx context.Context, apiKeyID string) (*Spend, error) {
	limit, err := c.store.GetAPIKeyLimit(ctx, apiKeyID)
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			return nil, &aierr.NotFoundError{Resource: "API key", ID: apiKeyID}
		}
		return nil, err
	}

	spend := &Spend{LimitInCent: limit.LimitInCent, Since: billing.StartOfMonth(c.now())}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := c.store.CompletionCostsSince(gctx, apiKeyID, spend.Since)
		spend.CompletionInCent = v
		return err
	})
	g.Go(func() error {
		v, err := c.store.ImageCostsSince(gctx, apiKeyID, spend.Since)
		spend.ImageInCent = v
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return spend, nil
}

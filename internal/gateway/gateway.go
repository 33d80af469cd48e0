// Package gateway sequences the entitlement and quota gate, the provider call
// and billing for every generation kind.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/genai-gateway/internal/access"
	"github.com/vnmchuo/genai-gateway/internal/aierr"
	"github.com/vnmchuo/genai-gateway/internal/billing"
	"github.com/vnmchuo/genai-gateway/internal/provider"
)

type TextRequest struct {
	APIKeyID  string
	ModelID   string
	Messages  []provider.Message
	MaxTokens int
}

type TextResult struct {
	Text         string
	Usage        provider.TokenUsage
	PriceInCents float64
}

// StreamSummary is handed to the stream's completion callback after the usage record is written.
type StreamSummary struct {
	Usage        provider.TokenUsage
	PriceInCents float64
}

// StreamEvent is either a text delta or terminal. Terminal events carry Final or Err
// and are followed by the channel closing.
type StreamEvent struct {
	Text  string
	Final *StreamSummary
	Err   error
}

type ImageRequest struct {
	APIKeyID string
	ModelID  string
	Prompt   string
}

type ImageResult struct {
	Data         []string // base64 encoded
	OutputFormat string
	PriceInCents float64
}

type EmbeddingRequest struct {
	APIKeyID string
	ModelID  string
	Texts    []string
}

type EmbeddingResult struct {
	Embeddings [][]float64
	Usage      *provider.TokenUsage
}

type Gateway struct {
	models      ModelStore
	entitlement *access.EntitlementChecker
	quota       *access.QuotaChecker
	registry    *provider.Registry
	biller      *billing.Biller
	tracer      trace.Tracer
	metrics     *Metrics
	logger      *zap.Logger
}

type ModelStore interface {
	GetModelByID(ctx context.Context, modelID string) (*provider.Model, error)
}

func New(ledger billing.Ledger, registry *provider.Registry, tracer trace.Tracer, metrics *Metrics, logger *zap.Logger, opts ...access.QuotaOption) *Gateway {
	return &Gateway{
		models:      ledger,
		entitlement: access.NewEntitlementChecker(ledger),
		quota:       access.NewQuotaChecker(ledger, opts...),
		registry:    registry,
		biller:      billing.NewBiller(ledger, logger),
		tracer:      tracer,
		metrics:     metrics,
		logger:      logger,
	}
}

// gate loads the model and runs the entitlement and quota checks concurrently.
// Entitlement is decided before quota, whichever finishes first.
func (g *Gateway) gate(ctx context.Context, span trace.Span, apiKeyID, modelID string) (*provider.Model, error) {
	m, err := g.models.GetModelByID(ctx, modelID)
	if err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			return nil, &aierr.NotFoundError{Resource: "Model", ID: modelID}
		}
		return nil, fmt.Errorf("failed to load model %s: %w", modelID, err)
	}
	if m.Deleted() {
		return nil, &aierr.NotFoundError{Resource: "Model", ID: modelID}
	}
	span.SetAttributes(
		attribute.String("provider", string(m.Provider)),
		attribute.String("model", m.Name),
	)

	var (
		eg                   errgroup.Group
		hasAccess, overQuota bool
		accessErr, quotaErr  error
	)
	eg.Go(func() error {
		hasAccess, accessErr = g.entitlement.HasAccess(ctx, apiKeyID, m)
		return nil
	})
	eg.Go(func() error {
		overQuota, quotaErr = g.quota.IsOverQuota(ctx, apiKeyID)
		return nil
	})
	_ = eg.Wait()

	if accessErr != nil {
		return nil, accessErr
	}
	if !hasAccess {
		return nil, aierr.Newf(aierr.KindInvalidModel, "API key has no access to model %s", m.DisplayName)
	}
	if quotaErr != nil {
		return nil, quotaErr
	}
	if overQuota {
		return nil, aierr.ErrQuotaExceeded
	}
	return m, nil
}

func (g *Gateway) start(ctx context.Context, name, apiKeyID, modelID string) (context.Context, trace.Span) {
	return g.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("api_key_id", apiKeyID),
		attribute.String("model_id", modelID),
	))
}

func (g *Gateway) finish(span trace.Span, kind provider.Kind, start time.Time, err error) {
	g.metrics.observe(kind, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Warn("generation failed",
			zap.String("kind", string(kind)),
			zap.String("outcome", outcome(err)),
			zap.Error(err),
		)
	}
	span.End()
}

// safely turns an adapter panic into a classified error.
func safely[T any](stage aierr.Stage, fn func() (T, error)) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = aierr.ClassifyPanic(stage, r)
		}
	}()
	return fn()
}

func (g *Gateway) GenerateTextWithBilling(ctx context.Context, req TextRequest) (_ *TextResult, err error) {
	started := time.Now()
	ctx, span := g.start(ctx, "gateway.GenerateText", req.APIKeyID, req.ModelID)
	defer func() { g.finish(span, provider.KindText, started, err) }()

	m, err := g.gate(ctx, span, req.APIKeyID, req.ModelID)
	if err != nil {
		return nil, err
	}
	if _, err := billing.TextCost(m, provider.TokenUsage{}); err != nil {
		return nil, err
	}
	adapter, err := g.registry.Text(m.Provider)
	if err != nil {
		return nil, err
	}

	resp, err := safely(aierr.StageText, func() (*provider.TextResponse, error) {
		return adapter.Generate(ctx, &provider.TextRequest{Model: m, Messages: req.Messages, MaxTokens: req.MaxTokens})
	})
	if err != nil {
		return nil, aierr.Classify(aierr.StageText, err)
	}
	if resp.Usage == nil {
		return nil, aierr.New(aierr.KindGeneration, "Text generation finished without usage data")
	}

	price, err := g.biller.BillTextUsage(ctx, req.APIKeyID, m, *resp.Usage)
	if err != nil {
		return nil, err
	}
	g.metrics.billedText(m.Provider, *resp.Usage, price)

	return &TextResult{Text: resp.Text, Usage: *resp.Usage, PriceInCents: price}, nil
}

// GenerateTextStreamWithBilling returns gate and setup failures directly. Once the
// channel is returned, failures arrive as a terminal Err event. Usage is billed only
// when the provider completes the stream; a caller that stops reading must cancel
// ctx so the provider connection is released, and nothing is billed then.
func (g *Gateway) GenerateTextStreamWithBilling(ctx context.Context, req TextRequest, onComplete func(StreamSummary)) (<-chan StreamEvent, error) {
	started := time.Now()
	ctx, span := g.start(ctx, "gateway.GenerateTextStream", req.APIKeyID, req.ModelID)

	fail := func(err error) (<-chan StreamEvent, error) {
		g.finish(span, provider.KindText, started, err)
		return nil, err
	}

	m, err := g.gate(ctx, span, req.APIKeyID, req.ModelID)
	if err != nil {
		return fail(err)
	}
	if _, err := billing.TextCost(m, provider.TokenUsage{}); err != nil {
		return fail(err)
	}
	adapter, err := g.registry.Text(m.Provider)
	if err != nil {
		return fail(err)
	}

	chunks, err := safely(aierr.StageText, func() (<-chan *provider.Chunk, error) {
		return adapter.Stream(ctx, &provider.TextRequest{Model: m, Messages: req.Messages, MaxTokens: req.MaxTokens})
	})
	if err != nil {
		return fail(aierr.Classify(aierr.StageText, err))
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		err := g.pump(ctx, m, req.APIKeyID, chunks, out, onComplete)
		g.finish(span, provider.KindText, started, err)
	}()
	return out, nil
}

func (g *Gateway) pump(ctx context.Context, m *provider.Model, apiKeyID string, chunks <-chan *provider.Chunk, out chan<- StreamEvent, onComplete func(StreamSummary)) error {
	emit := func(ev StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	failWith := func(err error) error {
		emit(StreamEvent{Err: err})
		return err
	}

	for chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case chunk.Err != nil:
			return failWith(aierr.Classify(aierr.StageText, chunk.Err))

		case chunk.Done:
			if chunk.Usage == nil {
				return failWith(aierr.New(aierr.KindGeneration, "Stream finished without usage data"))
			}
			price, err := g.biller.BillTextUsage(ctx, apiKeyID, m, *chunk.Usage)
			if err != nil {
				return failWith(err)
			}
			g.metrics.billedText(m.Provider, *chunk.Usage, price)

			summary := StreamSummary{Usage: *chunk.Usage, PriceInCents: price}
			if onComplete != nil {
				onComplete(summary)
			}
			emit(StreamEvent{Final: &summary})
			return nil

		default:
			if !emit(StreamEvent{Text: chunk.Delta}) {
				return ctx.Err()
			}
			g.metrics.chunk(m.Provider)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return failWith(aierr.New(aierr.KindGeneration, "Text generation failed: stream closed before completion"))
}

func (g *Gateway) GenerateImageWithBilling(ctx context.Context, req ImageRequest) (_ *ImageResult, err error) {
	started := time.Now()
	ctx, span := g.start(ctx, "gateway.GenerateImage", req.APIKeyID, req.ModelID)
	defer func() { g.finish(span, provider.KindImage, started, err) }()

	m, err := g.gate(ctx, span, req.APIKeyID, req.ModelID)
	if err != nil {
		return nil, err
	}
	if _, err := billing.ImageCost(m); err != nil {
		return nil, err
	}
	adapter, err := g.registry.Image(m.Provider)
	if err != nil {
		return nil, err
	}

	resp, err := safely(aierr.StageImage, func() (*provider.ImageResponse, error) {
		return adapter.GenerateImage(ctx, &provider.ImageRequest{Model: m, Prompt: req.Prompt})
	})
	if err != nil {
		return nil, aierr.Classify(aierr.StageImage, err)
	}

	price, err := g.biller.BillImageUsage(ctx, req.APIKeyID, m)
	if err != nil {
		return nil, err
	}
	g.metrics.billedImage(m.Provider, price)

	return &ImageResult{Data: resp.Images, OutputFormat: resp.OutputFormat, PriceInCents: price}, nil
}

// GenerateEmbeddingsWithBilling runs the same gate as the other kinds but does not
// write a usage record yet: there is no embedding price formula.
func (g *Gateway) GenerateEmbeddingsWithBilling(ctx context.Context, req EmbeddingRequest) (_ *EmbeddingResult, err error) {
	started := time.Now()
	ctx, span := g.start(ctx, "gateway.GenerateEmbeddings", req.APIKeyID, req.ModelID)
	defer func() { g.finish(span, provider.KindEmbedding, started, err) }()

	m, err := g.gate(ctx, span, req.APIKeyID, req.ModelID)
	if err != nil {
		return nil, err
	}
	adapter, err := g.registry.Embedding(m.Provider)
	if err != nil {
		return nil, err
	}

	resp, err := safely(aierr.StageEmbedding, func() (*provider.EmbeddingResponse, error) {
		return adapter.Embed(ctx, &provider.EmbeddingRequest{Model: m, Texts: req.Texts})
	})
	if err != nil {
		return nil, aierr.Classify(aierr.StageEmbedding, err)
	}

	// TODO: bill embeddings once embedding prices are part of the usage ledger schema.
	g.logger.Debug("embedding usage not billed",
		zap.String("api_key_id", req.APIKeyID),
		zap.String("model_id", m.ID),
		zap.Int("inputs", len(req.Texts)),
	)
	return &EmbeddingResult{Embeddings: resp.Embeddings, Usage: resp.Usage}, nil
}

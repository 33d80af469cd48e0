package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/genai-gateway/internal/aierr"
)

// Registry maps (kind, provider) to an adapter. Every registered adapter runs
// behind a circuit breaker shared by all kinds of the same provider.
type Registry struct {
	text      map[Name]TextAdapter
	image     map[Name]ImageAdapter
	embedding map[Name]EmbeddingAdapter
	breakers  map[Name]*gobreaker.CircuitBreaker
	threshold uint32
}

func NewRegistry(failureThreshold uint32) *Registry {
	if failureThreshold == 0 {
		failureThreshold = 3
	}
	return &Registry{
		text:      make(map[Name]TextAdapter),
		image:     make(map[Name]ImageAdapter),
		embedding: make(map[Name]EmbeddingAdapter),
		breakers:  make(map[Name]*gobreaker.CircuitBreaker),
		threshold: failureThreshold,
	}
}

func (r *Registry) breaker(name Name) *gobreaker.CircuitBreaker {
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	threshold := r.threshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(name),
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: countsAsSuccess,
	})
	r.breakers[name] = cb
	return cb
}

// countsAsSuccess keeps failures caused by the request or a single model's
// configuration from tripping the breaker shared by the whole provider.
// Caller cancellation and deadlines say nothing about vendor health either.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	k, ok := aierr.KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case aierr.KindInvalidModel, aierr.KindResponsibleAI, aierr.KindProviderConfiguration:
		return true
	}
	return false
}

func (r *Registry) RegisterText(name Name, a TextAdapter) {
	r.text[name] = &breakerText{cb: r.breaker(name), next: a}
}

func (r *Registry) RegisterImage(name Name, a ImageAdapter) {
	r.image[name] = &breakerImage{cb: r.breaker(name), next: a}
}

func (r *Registry) RegisterEmbedding(name Name, a EmbeddingAdapter) {
	r.embedding[name] = &breakerEmbedding{cb: r.breaker(name), next: a}
}

func (r *Registry) Text(name Name) (TextAdapter, error) {
	if a, ok := r.text[name]; ok {
		return a, nil
	}
	return nil, unsupported(KindText, name)
}

func (r *Registry) Image(name Name) (ImageAdapter, error) {
	if a, ok := r.image[name]; ok {
		return a, nil
	}
	return nil, unsupported(KindImage, name)
}

func (r *Registry) Embedding(name Name) (EmbeddingAdapter, error) {
	if a, ok := r.embedding[name]; ok {
		return a, nil
	}
	return nil, unsupported(KindEmbedding, name)
}

func unsupported(kind Kind, name Name) error {
	if !name.Valid() {
		return aierr.Newf(aierr.KindProviderConfiguration, "Unknown provider: %q", string(name))
	}
	return aierr.Newf(aierr.KindProviderConfiguration, "Provider %s does not support %s generation", name, kind)
}

type breakerText struct {
	cb   *gobreaker.CircuitBreaker
	next TextAdapter
}

func (b *breakerText) Generate(ctx context.Context, req *TextRequest) (*TextResponse, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Generate(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*TextResponse), nil
}

func (b *breakerText) Stream(ctx context.Context, req *TextRequest) (<-chan *Chunk, error) {
	if b.cb.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("circuit breaker is open for provider: %s", b.cb.Name())
	}

	origCh, err := b.next.Stream(ctx, req)
	if err != nil {
		_, _ = b.cb.Execute(func() (interface{}, error) {
			return nil, err
		})
		return nil, err
	}

	wrappedCh := make(chan *Chunk)
	go func() {
		defer close(wrappedCh)
		for chunk := range origCh {
			if chunk.Err != nil {
				_, _ = b.cb.Execute(func() (interface{}, error) {
					return nil, chunk.Err
				})
			}
			if !Send(ctx, wrappedCh, chunk) {
				return
			}
		}
	}()

	return wrappedCh, nil
}

type breakerImage struct {
	cb   *gobreaker.CircuitBreaker
	next ImageAdapter
}

func (b *breakerImage) GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.GenerateImage(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*ImageResponse), nil
}

type breakerEmbedding struct {
	cb   *gobreaker.CircuitBreaker
	next EmbeddingAdapter
}

func (b *breakerEmbedding) Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Embed(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*EmbeddingResponse), nil
}

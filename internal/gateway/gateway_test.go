package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/genai-gateway/internal/aierr"
	"github.com/vnmchuo/genai-gateway/internal/billing"
	"github.com/vnmchuo/genai-gateway/internal/provider"
)

type fakeLedger struct {
	mu          sync.Mutex
	models      map[string]*provider.Model
	limit       float64
	noKey       bool
	completion  float64
	image       float64
	denied      bool
	accessGate  chan struct{}
	quotaSignal chan struct{}
	completions []*billing.CompletionUsage
	images      []*billing.ImageUsage
}

func (f *fakeLedger) GetModelByID(ctx context.Context, modelID string) (*provider.Model, error) {
	m, ok := f.models[modelID]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return m, nil
}

func (f *fakeLedger) GetAPIKeyLimit(ctx context.Context, apiKeyID string) (*billing.APIKeyLimit, error) {
	if f.noKey {
		return nil, billing.ErrNotFound
	}
	return &billing.APIKeyLimit{APIKeyID: apiKeyID, LimitInCent: f.limit}, nil
}

func (f *fakeLedger) CompletionCostsSince(ctx context.Context, apiKeyID string, since time.Time) (float64, error) {
	if f.quotaSignal != nil {
		close(f.quotaSignal)
	}
	return f.completion, nil
}

func (f *fakeLedger) ImageCostsSince(ctx context.Context, apiKeyID string, since time.Time) (float64, error) {
	return f.image, nil
}

func (f *fakeLedger) HasAPIKeyAccessToModel(ctx context.Context, apiKeyID, modelID string) (bool, error) {
	if f.accessGate != nil {
		select {
		case <-f.accessGate:
		case <-time.After(2 * time.Second):
			return false, errors.New("quota check never started")
		}
	}
	return !f.denied, nil
}

func (f *fakeLedger) CreateCompletionUsage(ctx context.Context, u *billing.CompletionUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, u)
	return nil
}

func (f *fakeLedger) CreateImageUsage(ctx context.Context, u *billing.ImageUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, u)
	return nil
}

func (f *fakeLedger) records() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completions) + len(f.images)
}

type fakeText struct {
	calls     int
	generate  func(ctx context.Context, req *provider.TextRequest) (*provider.TextResponse, error)
	chunks    []*provider.Chunk
	streamErr error
}

func (a *fakeText) Generate(ctx context.Context, req *provider.TextRequest) (*provider.TextResponse, error) {
	a.calls++
	return a.generate(ctx, req)
}

func (a *fakeText) Stream(ctx context.Context, req *provider.TextRequest) (<-chan *provider.Chunk, error) {
	a.calls++
	if a.streamErr != nil {
		return nil, a.streamErr
	}
	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)
		for _, c := range a.chunks {
			if !provider.Send(ctx, ch, c) {
				return
			}
		}
	}()
	return ch, nil
}

type fakeImage struct {
	calls int
	resp  *provider.ImageResponse
	err   error
}

func (a *fakeImage) GenerateImage(ctx context.Context, req *provider.ImageRequest) (*provider.ImageResponse, error) {
	a.calls++
	return a.resp, a.err
}

type fakeEmbedding struct {
	resp *provider.EmbeddingResponse
}

func (a *fakeEmbedding) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	return a.resp, nil
}

var usage = provider.TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150}

func newLedger() *fakeLedger {
	return &fakeLedger{
		limit: 1000,
		models: map[string]*provider.Model{
			"gpt":   {ID: "gpt", Provider: provider.OpenAI, Name: "gpt-4o", DisplayName: "GPT-4o", Price: provider.TextPrice(100, 200)},
			"llama": {ID: "llama", Provider: provider.Ionos, Name: "llama", DisplayName: "Llama", Price: provider.TextPrice(1, 1)},
			"img":   {ID: "img", Provider: provider.Vertex, Name: "imagen", DisplayName: "Imagen", Price: provider.ImagePrice(50)},
			"emb":   {ID: "emb", Provider: provider.OpenAI, Name: "text-embedding-3-small", DisplayName: "Embed", Price: provider.EmbeddingPrice(1)},
		},
	}
}

func newGateway(ledger *fakeLedger, text *fakeText, image *fakeImage) *Gateway {
	reg := provider.NewRegistry(100)
	if text != nil {
		reg.RegisterText(provider.OpenAI, text)
	}
	if image != nil {
		reg.RegisterImage(provider.Vertex, image)
	}
	reg.RegisterEmbedding(provider.OpenAI, &fakeEmbedding{resp: &provider.EmbeddingResponse{Embeddings: [][]float64{{0.1, 0.2}}}})
	return New(ledger, reg, noop.NewTracerProvider().Tracer("test"), NewMetrics(prometheus.NewRegistry()), zap.NewNop())
}

func okText() *fakeText {
	return &fakeText{generate: func(ctx context.Context, req *provider.TextRequest) (*provider.TextResponse, error) {
		u := usage
		return &provider.TextResponse{Text: "hello", Usage: &u}, nil
	}}
}

func textReq(model string) TextRequest {
	return TextRequest{APIKeyID: "key-1", ModelID: model, Messages: []provider.Message{{Role: "user", Content: "hi"}}}
}

func TestGenerateText_BillsOnce(t *testing.T) {
	ledger := newLedger()
	g := newGateway(ledger, okText(), nil)

	res, err := g.GenerateTextWithBilling(context.Background(), textReq("gpt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, usage, res.Usage)
	assert.Equal(t, 20000.0, res.PriceInCents)

	require.Len(t, ledger.completions, 1)
	assert.Equal(t, res.PriceInCents, ledger.completions[0].CostsInCent)
	assert.Equal(t, "key-1", ledger.completions[0].APIKeyID)
	assert.Equal(t, "gpt", ledger.completions[0].ModelID)
}

func TestGenerateText_AccessDenied(t *testing.T) {
	for _, over := range []bool{false, true} {
		ledger := newLedger()
		ledger.denied = true
		if over {
			ledger.completion = 5000
		}
		text := okText()
		g := newGateway(ledger, text, nil)

		_, err := g.GenerateTextWithBilling(context.Background(), textReq("gpt"))
		require.Error(t, err)
		assert.True(t, aierr.IsKind(err, aierr.KindInvalidModel))
		assert.Contains(t, err.Error(), "GPT-4o")
		assert.Zero(t, text.calls)
		assert.Zero(t, ledger.records())
	}
}

func TestGenerateText_Quota(t *testing.T) {
	tests := []struct {
		name       string
		completion float64
		image      float64
		wantErr    bool
	}{
		{"over", 900, 100.01, true},
		{"equal", 900, 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newLedger()
			ledger.completion, ledger.image = tt.completion, tt.image
			text := okText()
			g := newGateway(ledger, text, nil)

			_, err := g.GenerateTextWithBilling(context.Background(), textReq("gpt"))
			if tt.wantErr {
				assert.ErrorIs(t, err, aierr.ErrQuotaExceeded)
				assert.Zero(t, text.calls)
				assert.Zero(t, ledger.records())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, text.calls)
		})
	}
}

func TestGenerateText_ChecksRunConcurrently(t *testing.T) {
	ledger := newLedger()
	ledger.quotaSignal = make(chan struct{})
	ledger.accessGate = ledger.quotaSignal
	g := newGateway(ledger, okText(), nil)

	_, err := g.GenerateTextWithBilling(context.Background(), textReq("gpt"))
	require.NoError(t, err)
}

func TestGenerateText_MissingModelAndKey(t *testing.T) {
	ledger := newLedger()
	g := newGateway(ledger, okText(), nil)

	_, err := g.GenerateTextWithBilling(context.Background(), textReq("nope"))
	assert.EqualError(t, err, "Model not found: nope")

	ledger.noKey = true
	_, err = g.GenerateTextWithBilling(context.Background(), textReq("gpt"))
	assert.EqualError(t, err, "API key not found: key-1")
	assert.True(t, aierr.IsNotFound(err))
}

func TestGenerateText_DeletedModelIsNotFound(t *testing.T) {
	ledger := newLedger()
	deleted := *ledger.models["gpt"]
	deletedAt := time.Now().Add(-time.Hour)
	deleted.DeletedAt = &deletedAt
	ledger.models["gpt"] = &deleted
	text := okText()
	g := newGateway(ledger, text, nil)

	_, err := g.GenerateTextWithBilling(context.Background(), textReq("gpt"))
	assert.EqualError(t, err, "Model not found: gpt")
	assert.True(t, aierr.IsNotFound(err))
	assert.Zero(t, text.calls)
	assert.Zero(t, ledger.records())

	_, err = g.GenerateTextStreamWithBilling(context.Background(), textReq("gpt"), nil)
	assert.True(t, aierr.IsNotFound(err))
	assert.Zero(t, text.calls)
}

func TestGenerateText_WrapsPlainErrors(t *testing.T) {
	ledger := newLedger()
	text := &fakeText{generate: func(ctx context.Context, req *provider.TextRequest) (*provider.TextResponse, error) {
		return nil, errors.New("Network error")
	}}
	g := newGateway(ledger, text, nil)

	_, err := g.GenerateTextWithBilling(context.Background(), textReq("gpt"))
	require.Error(t, err)
	assert.EqualError(t, err, "Text generation failed: Network error")
	k, ok := aierr.KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, aierr.KindGeneration, k)
	assert.Zero(t, ledger.records())
}

func TestGenerateText_TypedErrorsPassThrough(t *testing.T) {
	typed := aierr.New(aierr.KindInvalidModel, "model retired")
	text := &fakeText{generate: func(ctx context.Context, req *provider.TextRequest) (*provider.TextResponse, error) {
		return nil, typed
	}}
	g := newGateway(newLedger(), text, nil)

	_, err := g.GenerateTextWithBilling(context.Background(), textReq("gpt"))
	assert.Same(t, typed, err)
}

func TestGenerateText_AdapterPanic(t *testing.T) {
	text := &fakeText{generate: func(ctx context.Context, req *provider.TextRequest) (*provider.TextResponse, error) {
		panic("boom")
	}}
	ledger := newLedger()
	g := newGateway(ledger, text, nil)

	_, err := g.GenerateTextWithBilling(context.Background(), textReq("gpt"))
	assert.EqualError(t, err, "Text generation failed: boom")
	assert.Zero(t, ledger.records())
}

func TestGenerateText_UnsupportedProvider(t *testing.T) {
	ledger := newLedger()
	g := newGateway(ledger, okText(), nil)

	_, err := g.GenerateTextWithBilling(context.Background(), textReq("llama"))
	assert.True(t, aierr.IsKind(err, aierr.KindProviderConfiguration))
	assert.Zero(t, ledger.records())
}

func TestGenerateText_WrongPriceKindRejectedBeforeCall(t *testing.T) {
	ledger := newLedger()
	text := okText()
	g := newGateway(ledger, text, nil)

	_, err := g.GenerateTextWithBilling(context.Background(), textReq("img"))
	assert.True(t, aierr.IsKind(err, aierr.KindInvalidModel))
	assert.Zero(t, text.calls)
}

func collect(t *testing.T, ch <-chan StreamEvent) ([]string, *StreamSummary, error) {
	t.Helper()
	var texts []string
	var final *StreamSummary
	var err error
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return texts, final, err
			}
			switch {
			case ev.Err != nil:
				err = ev.Err
			case ev.Final != nil:
				final = ev.Final
			default:
				texts = append(texts, ev.Text)
			}
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestGenerateTextStream_BillsAtCompletion(t *testing.T) {
	ledger := newLedger()
	u := usage
	text := &fakeText{chunks: []*provider.Chunk{
		{Delta: "chunk1"}, {Delta: "chunk2"}, {Delta: "chunk3"},
		{Done: true, Usage: &u},
	}}
	g := newGateway(ledger, text, nil)

	var summaries []StreamSummary
	ch, err := g.GenerateTextStreamWithBilling(context.Background(), textReq("gpt"), func(s StreamSummary) {
		summaries = append(summaries, s)
	})
	require.NoError(t, err)

	texts, final, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"chunk1", "chunk2", "chunk3"}, texts)

	require.Len(t, ledger.completions, 1)
	require.Len(t, summaries, 1)
	assert.Equal(t, usage, summaries[0].Usage)
	assert.Equal(t, ledger.completions[0].CostsInCent, summaries[0].PriceInCents)
	require.NotNil(t, final)
	assert.Equal(t, summaries[0], *final)
}

func TestGenerateTextStream_ErrorMidStreamNotBilled(t *testing.T) {
	ledger := newLedger()
	text := &fakeText{chunks: []*provider.Chunk{
		{Delta: "chunk1"},
		{Err: errors.New("connection reset")},
	}}
	g := newGateway(ledger, text, nil)

	called := false
	ch, err := g.GenerateTextStreamWithBilling(context.Background(), textReq("gpt"), func(StreamSummary) { called = true })
	require.NoError(t, err)

	texts, final, err := collect(t, ch)
	assert.Equal(t, []string{"chunk1"}, texts)
	assert.Nil(t, final)
	assert.EqualError(t, err, "Text generation failed: connection reset")
	assert.False(t, called)
	assert.Zero(t, ledger.records())
}

func TestGenerateTextStream_MissingUsageIsError(t *testing.T) {
	ledger := newLedger()
	text := &fakeText{chunks: []*provider.Chunk{{Delta: "a"}, {Done: true}}}
	g := newGateway(ledger, text, nil)

	ch, err := g.GenerateTextStreamWithBilling(context.Background(), textReq("gpt"), nil)
	require.NoError(t, err)

	_, _, err = collect(t, ch)
	assert.True(t, aierr.IsKind(err, aierr.KindGeneration))
	assert.Zero(t, ledger.records())
}

func TestGenerateTextStream_ClosedWithoutTerminal(t *testing.T) {
	ledger := newLedger()
	text := &fakeText{chunks: []*provider.Chunk{{Delta: "a"}}}
	g := newGateway(ledger, text, nil)

	ch, err := g.GenerateTextStreamWithBilling(context.Background(), textReq("gpt"), nil)
	require.NoError(t, err)

	_, _, err = collect(t, ch)
	require.Error(t, err)
	assert.Zero(t, ledger.records())
}

func TestGenerateTextStream_AbandonedNotBilled(t *testing.T) {
	ledger := newLedger()
	u := usage
	text := &fakeText{chunks: []*provider.Chunk{{Delta: "chunk1"}, {Delta: "chunk2"}, {Done: true, Usage: &u}}}
	g := newGateway(ledger, text, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := g.GenerateTextStreamWithBilling(ctx, textReq("gpt"), nil)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "chunk1", first.Text)
	cancel()

	for range ch {
	}
	assert.Zero(t, ledger.records())
}

func TestGenerateTextStream_GateErrorsReturnedDirectly(t *testing.T) {
	ledger := newLedger()
	ledger.denied = true
	text := &fakeText{}
	g := newGateway(ledger, text, nil)

	ch, err := g.GenerateTextStreamWithBilling(context.Background(), textReq("gpt"), nil)
	assert.Nil(t, ch)
	assert.True(t, aierr.IsKind(err, aierr.KindInvalidModel))
	assert.Zero(t, text.calls)
}

func TestGenerateTextStream_SetupErrorClassified(t *testing.T) {
	text := &fakeText{streamErr: errors.New("dial tcp: timeout")}
	g := newGateway(newLedger(), text, nil)

	_, err := g.GenerateTextStreamWithBilling(context.Background(), textReq("gpt"), nil)
	assert.EqualError(t, err, "Text generation failed: dial tcp: timeout")
}

func TestGenerateImage_Bills(t *testing.T) {
	ledger := newLedger()
	image := &fakeImage{resp: &provider.ImageResponse{Images: []string{"aW1n", "aW1n"}, OutputFormat: "png"}}
	g := newGateway(ledger, nil, image)

	res, err := g.GenerateImageWithBilling(context.Background(), ImageRequest{APIKeyID: "key-1", ModelID: "img", Prompt: "cat"})
	require.NoError(t, err)
	assert.Equal(t, 50.0, res.PriceInCents)
	assert.Len(t, res.Data, 2)
	assert.Equal(t, "png", res.OutputFormat)
	require.Len(t, ledger.images, 1)
	assert.Equal(t, 50.0, ledger.images[0].CostsInCent)
}

func TestGenerateImage_ResponsibleAIPassesThrough(t *testing.T) {
	ledger := newLedger()
	image := &fakeImage{err: aierr.New(aierr.KindResponsibleAI, "blocked")}
	g := newGateway(ledger, nil, image)

	_, err := g.GenerateImageWithBilling(context.Background(), ImageRequest{APIKeyID: "key-1", ModelID: "img", Prompt: "x"})
	assert.True(t, aierr.IsKind(err, aierr.KindResponsibleAI))
	assert.EqualError(t, err, "blocked")
	assert.Zero(t, ledger.records())
}

func TestGenerateImage_PlainErrorWrapped(t *testing.T) {
	image := &fakeImage{err: errors.New("bad gateway")}
	g := newGateway(newLedger(), nil, image)

	_, err := g.GenerateImageWithBilling(context.Background(), ImageRequest{APIKeyID: "key-1", ModelID: "img"})
	assert.EqualError(t, err, "Image generation failed: bad gateway")
}

func TestGenerateImage_TextModelRejected(t *testing.T) {
	ledger := newLedger()
	image := &fakeImage{}
	g := newGateway(ledger, okText(), image)

	_, err := g.GenerateImageWithBilling(context.Background(), ImageRequest{APIKeyID: "key-1", ModelID: "gpt"})
	assert.True(t, aierr.IsKind(err, aierr.KindInvalidModel))
	assert.Zero(t, image.calls)
	assert.Zero(t, ledger.records())
}

func TestGenerateEmbeddings_NotBilled(t *testing.T) {
	ledger := newLedger()
	g := newGateway(ledger, nil, nil)

	res, err := g.GenerateEmbeddingsWithBilling(context.Background(), EmbeddingRequest{APIKeyID: "key-1", ModelID: "emb", Texts: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0.1, 0.2}}, res.Embeddings)
	assert.Zero(t, ledger.records())
}

func TestGenerateEmbeddings_GateApplies(t *testing.T) {
	ledger := newLedger()
	ledger.completion = 2000
	g := newGateway(ledger, nil, nil)

	_, err := g.GenerateEmbeddingsWithBilling(context.Background(), EmbeddingRequest{APIKeyID: "key-1", ModelID: "emb", Texts: []string{"a"}})
	assert.ErrorIs(t, err, aierr.ErrQuotaExceeded)
}

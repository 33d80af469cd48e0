package openai

import (
	"context"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/vnmchuo/genai-gateway/internal/aierr"
	"github.com/vnmchuo/genai-gateway/internal/provider"
	"github.com/vnmchuo/genai-gateway/internal/provider/chatcompat"
)

// OpenAIProvider serves "openai-style" models. The vendor reports usage on
// every call, so a stream without a usage object is an error.
type OpenAIProvider struct {
	httpClient *http.Client
}

func New(httpClient *http.Client) *OpenAIProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OpenAIProvider{httpClient: httpClient}
}

func (p *OpenAIProvider) client(m *provider.Model) (*goopenai.Client, error) {
	if m.Settings.APIKey == "" {
		return nil, aierr.Newf(aierr.KindProviderConfiguration, "Model %s has no API key configured", m.DisplayName)
	}
	cfg := goopenai.DefaultConfig(m.Settings.APIKey)
	if m.Settings.BaseURL != "" {
		cfg.BaseURL = m.Settings.BaseURL
	}
	cfg.HTTPClient = p.httpClient
	return goopenai.NewClientWithConfig(cfg), nil
}

func (p *OpenAIProvider) Generate(ctx context.Context, req *provider.TextRequest) (*provider.TextResponse, error) {
	c, err := p.client(req.Model)
	if err != nil {
		return nil, err
	}
	return chatcompat.Generate(ctx, c, req.Model.Name, req)
}

func (p *OpenAIProvider) Stream(ctx context.Context, req *provider.TextRequest) (<-chan *provider.Chunk, error) {
	c, err := p.client(req.Model)
	if err != nil {
		return nil, err
	}
	return chatcompat.Stream(ctx, c, req.Model.Name, req, chatcompat.RequireUsage)
}

func (p *OpenAIProvider) GenerateImage(ctx context.Context, req *provider.ImageRequest) (*provider.ImageResponse, error) {
	c, err := p.client(req.Model)
	if err != nil {
		return nil, err
	}
	return chatcompat.GenerateImage(ctx, c, req.Model.Name, req)
}

func (p *OpenAIProvider) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	c, err := p.client(req.Model)
	if err != nil {
		return nil, err
	}
	return chatcompat.Embed(ctx, c, req.Model.Name, req)
}

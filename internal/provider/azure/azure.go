// Package azure serves "azure-style" models. The deployment is taken from the
// configured base URL, e.g.
// https://res.openai.azure.com/openai/deployments/gpt-4o/chat/completions?api-version=2024-10-21
package azure

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/vnmchuo/genai-gateway/internal/aierr"
	"github.com/vnmchuo/genai-gateway/internal/provider"
	"github.com/vnmchuo/genai-gateway/internal/provider/chatcompat"
)

const (
	DefaultAPIVersion          = "2024-10-21"
	DefaultResponsesAPIVersion = "2025-04-01-preview"
)

type AzureProvider struct {
	httpClient *http.Client
}

func New(httpClient *http.Client) *AzureProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &AzureProvider{httpClient: httpClient}
}

// Target is the parsed connection target of an azure-style model.
type Target struct {
	Endpoint   string // scheme://host
	Deployment string
	APIVersion string
}

// ParseTarget extracts the endpoint and the path segment following "deployments".
func ParseTarget(s provider.Settings) (*Target, error) {
	u, err := url.Parse(s.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, aierr.Newf(aierr.KindProviderConfiguration, "Invalid Azure base URL: %q", s.BaseURL)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	idx := -1
	for i, seg := range segments {
		if seg == "deployments" {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, aierr.Newf(aierr.KindProviderConfiguration, "Azure base URL has no deployments segment: %q", s.BaseURL)
	}
	if idx+1 >= len(segments) || segments[idx+1] == "" {
		return nil, aierr.Newf(aierr.KindProviderConfiguration, "Azure base URL has no deployment after the deployments segment: %q", s.BaseURL)
	}

	version := s.APIVersion
	if version == "" {
		version = u.Query().Get("api-version")
	}
	if version == "" {
		version = DefaultAPIVersion
		if s.ResponsesAPI {
			version = DefaultResponsesAPIVersion
		}
	}

	return &Target{
		Endpoint:   u.Scheme + "://" + u.Host,
		Deployment: segments[idx+1],
		APIVersion: version,
	}, nil
}

func (p *AzureProvider) target(m *provider.Model) (*Target, error) {
	if m.Settings.APIKey == "" {
		return nil, aierr.Newf(aierr.KindProviderConfiguration, "Model %s has no API key configured", m.DisplayName)
	}
	return ParseTarget(m.Settings)
}

func (p *AzureProvider) client(m *provider.Model) (*goopenai.Client, *Target, error) {
	t, err := p.target(m)
	if err != nil {
		return nil, nil, err
	}
	cfg := goopenai.DefaultAzureConfig(m.Settings.APIKey, t.Endpoint)
	cfg.APIVersion = t.APIVersion
	cfg.AzureModelMapperFunc = func(string) string { return t.Deployment }
	cfg.HTTPClient = p.httpClient
	return goopenai.NewClientWithConfig(cfg), t, nil
}

func (p *AzureProvider) Generate(ctx context.Context, req *provider.TextRequest) (*provider.TextResponse, error) {
	if req.Model.Settings.ResponsesAPI {
		return p.generateResponse(ctx, req)
	}
	c, t, err := p.client(req.Model)
	if err != nil {
		return nil, err
	}
	return chatcompat.Generate(ctx, c, t.Deployment, req)
}

func (p *AzureProvider) Stream(ctx context.Context, req *provider.TextRequest) (<-chan *provider.Chunk, error) {
	if req.Model.Settings.ResponsesAPI {
		return p.streamResponse(ctx, req)
	}
	c, t, err := p.client(req.Model)
	if err != nil {
		return nil, err
	}
	return chatcompat.Stream(ctx, c, t.Deployment, req, chatcompat.RequireUsage)
}

func (p *AzureProvider) GenerateImage(ctx context.Context, req *provider.ImageRequest) (*provider.ImageResponse, error) {
	c, t, err := p.client(req.Model)
	if err != nil {
		return nil, err
	}
	return chatcompat.GenerateImage(ctx, c, t.Deployment, req)
}

func (p *AzureProvider) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	c, t, err := p.client(req.Model)
	if err != nil {
		return nil, err
	}
	return chatcompat.Embed(ctx, c, t.Deployment, req)
}

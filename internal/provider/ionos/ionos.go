// Package ionos serves "ionos-style" models through the vendor's
// chat-completion compatible endpoint. The vendor does not report token
// usage, so usage is estimated locally.
package ionos

import (
	"context"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/vnmchuo/genai-gateway/internal/aierr"
	"github.com/vnmchuo/genai-gateway/internal/provider"
	"github.com/vnmchuo/genai-gateway/internal/provider/chatcompat"
	"github.com/vnmchuo/genai-gateway/internal/tokenizer"
)

const DefaultBaseURL = "https://openai.inference.de-txl.ionos.com/v1"

type IonosProvider struct {
	httpClient *http.Client
	estimator  *tokenizer.Estimator
}

func New(httpClient *http.Client, estimator *tokenizer.Estimator) *IonosProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &IonosProvider{httpClient: httpClient, estimator: estimator}
}

func (p *IonosProvider) client(m *provider.Model) (*goopenai.Client, error) {
	if m.Settings.APIKey == "" {
		return nil, aierr.Newf(aierr.KindProviderConfiguration, "Model %s has no API key configured", m.DisplayName)
	}
	cfg := goopenai.DefaultConfig(m.Settings.APIKey)
	cfg.BaseURL = DefaultBaseURL
	if m.Settings.BaseURL != "" {
		cfg.BaseURL = m.Settings.BaseURL
	}
	cfg.HTTPClient = p.httpClient
	return goopenai.NewClientWithConfig(cfg), nil
}

func (p *IonosProvider) Generate(ctx context.Context, req *provider.TextRequest) (*provider.TextResponse, error) {
	c, err := p.client(req.Model)
	if err != nil {
		return nil, err
	}
	resp, err := chatcompat.Generate(ctx, c, req.Model.Name, req)
	if err != nil {
		return nil, err
	}
	if resp.Usage == nil {
		usage := p.estimator.Estimate(req.Messages, resp.Text)
		resp.Usage = &usage
	}
	return resp, nil
}

func (p *IonosProvider) Stream(ctx context.Context, req *provider.TextRequest) (<-chan *provider.Chunk, error) {
	c, err := p.client(req.Model)
	if err != nil {
		return nil, err
	}
	return chatcompat.Stream(ctx, c, req.Model.Name, req, func(text string, reported *provider.TokenUsage) (*provider.TokenUsage, error) {
		if reported != nil {
			return reported, nil
		}
		usage := p.estimator.Estimate(req.Messages, text)
		return &usage, nil
	})
}

func (p *IonosProvider) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	c, err := p.client(req.Model)
	if err != nil {
		return nil, err
	}
	return chatcompat.Embed(ctx, c, req.Model.Name, req)
}

// Package vertex serves "vertex-style" image models through the Vertex AI
// predict endpoint.
package vertex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/vnmchuo/genai-gateway/internal/aierr"
	"github.com/vnmchuo/genai-gateway/internal/provider"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// TokenSourceFunc builds the credential used for one (project, location) pair.
type TokenSourceFunc func(ctx context.Context, project, location string) (oauth2.TokenSource, error)

// DefaultTokenSource uses Application Default Credentials.
func DefaultTokenSource(ctx context.Context, _, _ string) (oauth2.TokenSource, error) {
	return google.DefaultTokenSource(ctx, cloudPlatformScope)
}

type client struct {
	tokens   oauth2.TokenSource
	endpoint string
}

type VertexProvider struct {
	httpClient  *http.Client
	tokenSource TokenSourceFunc
	endpoint    func(location string) string

	// clients is keyed by project/location; entries are never replaced.
	clients sync.Map
}

type Option func(*VertexProvider)

func WithTokenSource(fn TokenSourceFunc) Option {
	return func(p *VertexProvider) { p.tokenSource = fn }
}

// WithEndpoint overrides the regional API root, e.g. for tests.
func WithEndpoint(fn func(location string) string) Option {
	return func(p *VertexProvider) { p.endpoint = fn }
}

func New(httpClient *http.Client, opts ...Option) *VertexProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	p := &VertexProvider{
		httpClient:  httpClient,
		tokenSource: DefaultTokenSource,
		endpoint: func(location string) string {
			return fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", location)
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

type predictInstance struct {
	Prompt string `json:"prompt"`
}

type predictParameters struct {
	SampleCount      int            `json:"sampleCount"`
	IncludeRaiReason bool           `json:"includeRaiReason"`
	OutputOptions    *outputOptions `json:"outputOptions,omitempty"`
}

type outputOptions struct {
	MimeType string `json:"mimeType"`
}

type predictResponse struct {
	Predictions []prediction `json:"predictions"`
}

type prediction struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType"`
	RaiFilteredReason  string `json:"raiFilteredReason"`
}

func (p *VertexProvider) clientFor(m *provider.Model) (*client, error) {
	project, location := m.Settings.Project, m.Settings.Location
	if project == "" || location == "" {
		return nil, aierr.Newf(aierr.KindProviderConfiguration, "Model %s needs a Vertex project and location", m.DisplayName)
	}

	key := project + "/" + location
	if c, ok := p.clients.Load(key); ok {
		return c.(*client), nil
	}

	// The token source outlives the request, so it is not bound to its context.
	ts, err := p.tokenSource(context.Background(), project, location)
	if err != nil {
		return nil, aierr.Wrap(aierr.KindProviderConfiguration, err, fmt.Sprintf("Failed to load Vertex credentials: %v", err))
	}
	c, _ := p.clients.LoadOrStore(key, &client{tokens: ts, endpoint: p.endpoint(location)})
	return c.(*client), nil
}

func (p *VertexProvider) GenerateImage(ctx context.Context, req *provider.ImageRequest) (*provider.ImageResponse, error) {
	c, err := p.clientFor(req.Model)
	if err != nil {
		return nil, err
	}

	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain vertex access token: %w", err)
	}

	params := predictParameters{SampleCount: 1, IncludeRaiReason: true}
	if len(req.Model.SupportedImageFormats) > 0 {
		params.OutputOptions = &outputOptions{MimeType: "image/" + req.Model.SupportedImageFormats[0]}
	}
	body, err := json.Marshal(predictRequest{
		Instances:  []predictInstance{{Prompt: req.Prompt}},
		Parameters: params,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/projects/%s/locations/%s/publishers/google/models/%s:predict",
		c.endpoint, req.Model.Settings.Project, req.Model.Settings.Location, req.Model.Name)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, aierr.New(aierr.KindRateLimitExceeded, "Rate limit exceeded: vertex quota exhausted")
		}
		return nil, fmt.Errorf("vertex api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, err
	}

	var images []string
	var format string
	var reasons []string
	for _, pred := range pr.Predictions {
		if pred.RaiFilteredReason != "" {
			reasons = append(reasons, pred.RaiFilteredReason)
			continue
		}
		if pred.BytesBase64Encoded == "" {
			continue
		}
		images = append(images, pred.BytesBase64Encoded)
		if format == "" {
			format = strings.TrimPrefix(pred.MimeType, "image/")
		}
	}

	if len(images) == 0 {
		msg := "The image was blocked by the provider's safety filter"
		if len(reasons) > 0 {
			msg += ": " + strings.Join(reasons, "; ")
		}
		return nil, aierr.New(aierr.KindResponsibleAI, msg)
	}

	return &provider.ImageResponse{Images: images, OutputFormat: format}, nil
}

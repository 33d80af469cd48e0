package azure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vnmchuo/genai-gateway/internal/aierr"
	"github.com/vnmchuo/genai-gateway/internal/provider"
)

type responsesRequest struct {
	Model           string             `json:"model"`
	Input           []responsesMessage `json:"input"`
	MaxOutputTokens int                `json:"max_output_tokens,omitempty"`
	Stream          bool               `json:"stream,omitempty"`
}

type responsesMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesResponse struct {
	ID                string             `json:"id"`
	Status            string             `json:"status"`
	Output            []responsesOutput  `json:"output"`
	Usage             *responsesUsage    `json:"usage"`
	Error             *responsesError    `json:"error"`
	IncompleteDetails *incompleteDetails `json:"incomplete_details"`
}

type responsesOutput struct {
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []responsesContent `json:"content"`
}

type responsesContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type responsesError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type incompleteDetails struct {
	Reason string `json:"reason"`
}

type responsesEvent struct {
	Type     string             `json:"type"`
	Delta    string             `json:"delta"`
	Response *responsesResponse `json:"response"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
}

type errorEnvelope struct {
	Error responsesError `json:"error"`
}

func (u *responsesUsage) tokenUsage() *provider.TokenUsage {
	if u == nil {
		return nil
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	return &provider.TokenUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      total,
	}
}

func (r *responsesResponse) text() string {
	var sb strings.Builder
	for _, o := range r.Output {
		if o.Type != "message" {
			continue
		}
		for _, c := range o.Content {
			if c.Type == "output_text" {
				sb.WriteString(c.Text)
			}
		}
	}
	return sb.String()
}

// failure maps a finished response that did not complete to an error.
func (r *responsesResponse) failure() error {
	if r.IncompleteDetails != nil && r.IncompleteDetails.Reason == "content_filter" {
		return aierr.New(aierr.KindResponsibleAI, "The response was blocked by the provider's content filter")
	}
	if r.Error != nil {
		return vendorError(r.Error.Code, r.Error.Message)
	}
	if r.Status == "failed" {
		return fmt.Errorf("azure responses api returned status %s", r.Status)
	}
	return nil
}

func vendorError(code, message string) error {
	switch code {
	case "content_filter", "content_policy_violation":
		return aierr.New(aierr.KindResponsibleAI, "The request was blocked by the provider's content filter")
	case "rate_limit_exceeded":
		return aierr.New(aierr.KindRateLimitExceeded, "Rate limit exceeded: "+message)
	}
	return fmt.Errorf("azure responses api error (%s): %s", code, message)
}

func statusError(status int, body []byte) error {
	var env errorEnvelope
	_ = json.Unmarshal(body, &env)
	if status == http.StatusTooManyRequests {
		return aierr.New(aierr.KindRateLimitExceeded, "Rate limit exceeded: "+env.Error.Message)
	}
	if env.Error.Code == "content_filter" {
		return aierr.New(aierr.KindResponsibleAI, "The request was blocked by the provider's content filter")
	}
	return fmt.Errorf("azure responses api error (status %d): %s", status, string(body))
}

func (p *AzureProvider) newResponsesRequest(ctx context.Context, req *provider.TextRequest, stream bool) (*http.Request, error) {
	t, err := p.target(req.Model)
	if err != nil {
		return nil, err
	}

	input := make([]responsesMessage, len(req.Messages))
	for i, m := range req.Messages {
		input[i] = responsesMessage{Role: m.Role, Content: m.Content}
	}
	body, err := json.Marshal(responsesRequest{
		Model:           t.Deployment,
		Input:           input,
		MaxOutputTokens: req.MaxTokens,
		Stream:          stream,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/openai/responses?api-version=%s", t.Endpoint, t.APIVersion)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", req.Model.Settings.APIKey)
	return httpReq, nil
}

func (p *AzureProvider) generateResponse(ctx context.Context, req *provider.TextRequest) (*provider.TextResponse, error) {
	httpReq, err := p.newResponsesRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, statusError(resp.StatusCode, respBody)
	}

	var r responsesResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	if err := r.failure(); err != nil {
		return nil, err
	}

	return &provider.TextResponse{
		Text:  r.text(),
		Usage: r.Usage.tokenUsage(),
	}, nil
}

func (p *AzureProvider) streamResponse(ctx context.Context, req *provider.TextRequest) (<-chan *provider.Chunk, error) {
	httpReq, err := p.newResponsesRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, statusError(resp.StatusCode, respBody)
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					err = aierr.New(aierr.KindGeneration, "Stream finished without usage data")
				}
				provider.Send(ctx, ch, &provider.Chunk{Err: err})
				return
			}

			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var ev responsesEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				provider.Send(ctx, ch, &provider.Chunk{Err: err})
				return
			}

			switch ev.Type {
			case "response.output_text.delta":
				if ev.Delta != "" && !provider.Send(ctx, ch, &provider.Chunk{Delta: ev.Delta}) {
					return
				}
			case "response.completed":
				var usage *provider.TokenUsage
				if ev.Response != nil {
					usage = ev.Response.Usage.tokenUsage()
				}
				if usage == nil {
					provider.Send(ctx, ch, &provider.Chunk{Err: aierr.New(aierr.KindGeneration, "Stream finished without usage data")})
					return
				}
				provider.Send(ctx, ch, &provider.Chunk{Done: true, Usage: usage})
				return
			case "response.failed", "response.incomplete":
				err := fmt.Errorf("azure responses stream ended with %s", ev.Type)
				if ev.Response != nil {
					if ferr := ev.Response.failure(); ferr != nil {
						err = ferr
					}
				}
				provider.Send(ctx, ch, &provider.Chunk{Err: err})
				return
			case "error":
				provider.Send(ctx, ch, &provider.Chunk{Err: vendorError(ev.Code, ev.Message)})
				return
			}
		}
	}()

	return ch, nil
}

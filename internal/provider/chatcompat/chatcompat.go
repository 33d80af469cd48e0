// Package chatcompat holds the go-openai plumbing shared by vendors that speak
// the chat-completion wire format.
package chatcompat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/vnmchuo/genai-gateway/internal/aierr"
	"github.com/vnmchuo/genai-gateway/internal/provider"
)

// Finalize decides the usage reported at the end of a stream. reported is nil
// when the vendor sent no usage object.
type Finalize func(text string, reported *provider.TokenUsage) (*provider.TokenUsage, error)

func ToMessages(msgs []provider.Message) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		messages[i] = openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}
	return messages
}

func usageOf(u openai.Usage) *provider.TokenUsage {
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		return nil
	}
	return &provider.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func chatRequest(model string, req *provider.TextRequest) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:     model,
		Messages:  ToMessages(req.Messages),
		MaxTokens: req.MaxTokens,
	}
}

// Generate runs a buffered chat completion. Usage is nil when the vendor omitted it.
func Generate(ctx context.Context, client *openai.Client, model string, req *provider.TextRequest) (*provider.TextResponse, error) {
	resp, err := client.CreateChatCompletion(ctx, chatRequest(model, req))
	if err != nil {
		return nil, MapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	if resp.Choices[0].FinishReason == openai.FinishReasonContentFilter {
		return nil, aierr.New(aierr.KindResponsibleAI, "The response was blocked by the provider's content filter")
	}

	return &provider.TextResponse{
		Text:  resp.Choices[0].Message.Content,
		Usage: usageOf(resp.Usage),
	}, nil
}

// Stream runs a streaming chat completion and asks the vendor to append usage.
func Stream(ctx context.Context, client *openai.Client, model string, req *provider.TextRequest, finalize Finalize) (<-chan *provider.Chunk, error) {
	chatReq := chatRequest(model, req)
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, MapError(err)
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)
		defer stream.Close()

		var text strings.Builder
		var reported *provider.TokenUsage

		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				provider.Send(ctx, ch, &provider.Chunk{Err: MapError(err)})
				return
			}

			if resp.Usage != nil {
				reported = usageOf(*resp.Usage)
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if resp.Choices[0].FinishReason == openai.FinishReasonContentFilter {
				provider.Send(ctx, ch, &provider.Chunk{Err: aierr.New(aierr.KindResponsibleAI, "The response was blocked by the provider's content filter")})
				return
			}

			content := resp.Choices[0].Delta.Content
			if content != "" {
				text.WriteString(content)
				if !provider.Send(ctx, ch, &provider.Chunk{Delta: content}) {
					return
				}
			}
		}

		usage, err := finalize(text.String(), reported)
		if err != nil {
			provider.Send(ctx, ch, &provider.Chunk{Err: err})
			return
		}
		provider.Send(ctx, ch, &provider.Chunk{Done: true, Usage: usage})
	}()

	return ch, nil
}

// RequireUsage fails a stream that ended without a usage object.
func RequireUsage(_ string, reported *provider.TokenUsage) (*provider.TokenUsage, error) {
	if reported == nil {
		return nil, aierr.New(aierr.KindGeneration, "Stream finished without usage data")
	}
	return reported, nil
}

func Embed(ctx context.Context, client *openai.Client, model string, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(model),
		Input: req.Texts,
	})
	if err != nil {
		return nil, MapError(err)
	}

	embeddings := make([][]float64, len(resp.Data))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(embeddings) {
			return nil, fmt.Errorf("embedding index %d out of range", data.Index)
		}
		embedding := make([]float64, len(data.Embedding))
		for j, v := range data.Embedding {
			embedding[j] = float64(v)
		}
		embeddings[data.Index] = embedding
	}

	return &provider.EmbeddingResponse{
		Embeddings: embeddings,
		Usage:      usageOf(resp.Usage),
	}, nil
}

func GenerateImage(ctx context.Context, client *openai.Client, model string, req *provider.ImageRequest) (*provider.ImageResponse, error) {
	resp, err := client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          model,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, MapError(err)
	}

	images := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.B64JSON != "" {
			images = append(images, d.B64JSON)
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("image generation returned no images")
	}

	return &provider.ImageResponse{
		Images:       images,
		OutputFormat: OutputFormat(req.Model),
	}, nil
}

// OutputFormat is the first format the model declares, png otherwise.
func OutputFormat(m *provider.Model) string {
	if m != nil && len(m.SupportedImageFormats) > 0 {
		return m.SupportedImageFormats[0]
	}
	return "png"
}

// MapError lifts vendor throttling and content filtering into the taxonomy.
// Anything else is returned unchanged.
func MapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return aierr.Wrap(aierr.KindRateLimitExceeded, err, "Rate limit exceeded: "+apiErr.Message)
		}
		if code, ok := apiErr.Code.(string); ok && code == "content_filter" {
			return aierr.Wrap(aierr.KindResponsibleAI, err, "The request was blocked by the provider's content filter")
		}
		return err
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return aierr.Wrap(aierr.KindRateLimitExceeded, err, "Rate limit exceeded")
	}
	return err
}

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnmchuo/genai-gateway/internal/access"
	"github.com/vnmchuo/genai-gateway/internal/aierr"
	"github.com/vnmchuo/genai-gateway/internal/auth"
	"github.com/vnmchuo/genai-gateway/internal/billing"
	"github.com/vnmchuo/genai-gateway/internal/gateway"
	"github.com/vnmchuo/genai-gateway/internal/provider"
)

// Generator is the set of billed generation calls the handler exposes.
type Generator interface {
	GenerateTextWithBilling(ctx context.Context, req gateway.TextRequest) (*gateway.TextResult, error)
	GenerateTextStreamWithBilling(ctx context.Context, req gateway.TextRequest, onComplete func(gateway.StreamSummary)) (<-chan gateway.StreamEvent, error)
	GenerateImageWithBilling(ctx context.Context, req gateway.ImageRequest) (*gateway.ImageResult, error)
	GenerateEmbeddingsWithBilling(ctx context.Context, req gateway.EmbeddingRequest) (*gateway.EmbeddingResult, error)
}

type SpendReader interface {
	MonthlySpend(ctx context.Context, apiKeyID string) (*access.Spend, error)
}

type UsageLister interface {
	ListCompletionUsageSince(ctx context.Context, apiKeyID string, since time.Time) ([]*billing.CompletionUsage, error)
}

type Handler struct {
	gen    Generator
	spend  SpendReader
	usage  UsageLister
	logger *zap.Logger
}

func NewHandler(gen Generator, spend SpendReader, usage UsageLister, logger *zap.Logger) *Handler {
	return &Handler{
		gen:    gen,
		spend:  spend,
		usage:  usage,
		logger: logger,
	}
}

type chatRequest struct {
	Model     string             `json:"model"`
	Messages  []provider.Message `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

// texts accepts both a single string and a list of strings.
func (r *embeddingRequest) texts() ([]string, error) {
	var many []string
	if err := json.Unmarshal(r.Input, &many); err == nil {
		return many, nil
	}
	var one string
	if err := json.Unmarshal(r.Input, &one); err != nil {
		return nil, fmt.Errorf("input must be a string or a list of strings")
	}
	return []string{one}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a generation failure to the HTTP status callers see.
func statusFor(err error) int {
	switch {
	case errors.Is(err, aierr.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case aierr.IsNotFound(err):
		return http.StatusNotFound
	}
	kind, ok := aierr.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case aierr.KindInvalidModel:
		return http.StatusForbidden
	case aierr.KindResponsibleAI:
		return http.StatusUnprocessableEntity
	case aierr.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case aierr.KindProviderConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func errorBody(err error) map[string]string {
	body := map[string]string{"error": err.Error()}
	if errors.Is(err, aierr.ErrQuotaExceeded) {
		body["type"] = "quota_exceeded"
	} else if aierr.IsNotFound(err) {
		body["type"] = "not_found"
	} else if kind, ok := aierr.KindOf(err); ok {
		body["type"] = kind.String()
	}
	return body
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", auth.GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorBody(err))
}

// apiKeyID writes 401 and returns false when the request is not authenticated.
func apiKeyID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := auth.GetAPIKeyID(r.Context())
	if id == "" {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return id, true
}

func requestID(r *http.Request) string {
	if id := auth.GetRequestID(r.Context()); id != "" {
		return id
	}
	return uuid.New().String()
}

func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	keyID, ok := apiKeyID(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeMessage(w, http.StatusBadRequest, "model and messages are required")
		return
	}

	gr := gateway.TextRequest{APIKeyID: keyID, ModelID: req.Model, Messages: req.Messages, MaxTokens: req.MaxTokens}
	if req.Stream {
		h.streamChat(w, r, gr)
		return
	}

	res, err := h.gen.GenerateTextWithBilling(r.Context(), gr)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     requestID(r),
		"object": "chat.completion",
		"model":  req.Model,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": provider.Message{
					Role:    "assistant",
					Content: res.Text,
				},
				"finish_reason": "stop",
			},
		},
		"usage":          res.Usage,
		"price_in_cents": res.PriceInCents,
	})
}

type streamDelta struct {
	Content string `json:"content"`
}

type streamChoice struct {
	Index int         `json:"index"`
	Delta streamDelta `json:"delta"`
}

type streamFrame struct {
	ID           string               `json:"id"`
	Object       string               `json:"object"`
	Model        string               `json:"model"`
	Choices      []streamChoice       `json:"choices"`
	Usage        *provider.TokenUsage `json:"usage,omitempty"`
	PriceInCents *float64             `json:"price_in_cents,omitempty"`
}

func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, gr gateway.TextRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeMessage(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Request cancellation on client disconnect releases the provider stream.
	events, err := h.gen.GenerateTextStreamWithBilling(r.Context(), gr, nil)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id := requestID(r)
	writeFrame := func(f streamFrame) {
		f.ID, f.Object, f.Model = id, "chat.completion.chunk", gr.ModelID
		data, _ := json.Marshal(f)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	for ev := range events {
		switch {
		case ev.Err != nil:
			data, _ := json.Marshal(errorBody(ev.Err))
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
			flusher.Flush()
			h.logger.Warn("stream failed", zap.String("request_id", id), zap.Error(ev.Err))
			return
		case ev.Final != nil:
			price := ev.Final.PriceInCents
			usage := ev.Final.Usage
			writeFrame(streamFrame{Choices: []streamChoice{}, Usage: &usage, PriceInCents: &price})
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		default:
			writeFrame(streamFrame{Choices: []streamChoice{{Delta: streamDelta{Content: ev.Text}}}})
		}
	}
}

func (h *Handler) HandleImageGenerations(w http.ResponseWriter, r *http.Request) {
	keyID, ok := apiKeyID(w, r)
	if !ok {
		return
	}

	var req imageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" || req.Prompt == "" {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.gen.GenerateImageWithBilling(r.Context(), gateway.ImageRequest{APIKeyID: keyID, ModelID: req.Model, Prompt: req.Prompt})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	data := make([]map[string]string, 0, len(res.Data))
	for _, img := range res.Data {
		data = append(data, map[string]string{"b64_json": img})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"created":        time.Now().Unix(),
		"data":           data,
		"output_format":  res.OutputFormat,
		"price_in_cents": res.PriceInCents,
	})
}

func (h *Handler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	keyID, ok := apiKeyID(w, r)
	if !ok {
		return
	}

	var req embeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	texts, err := req.texts()
	if err != nil || len(texts) == 0 {
		writeMessage(w, http.StatusBadRequest, "input must be a string or a list of strings")
		return
	}

	res, err := h.gen.GenerateEmbeddingsWithBilling(r.Context(), gateway.EmbeddingRequest{APIKeyID: keyID, ModelID: req.Model, Texts: texts})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	data := make([]map[string]interface{}, 0, len(res.Embeddings))
	for i, e := range res.Embeddings {
		data = append(data, map[string]interface{}{"object": "embedding", "index": i, "embedding": e})
	}
	body := map[string]interface{}{
		"object": "list",
		"model":  req.Model,
		"data":   data,
	}
	if res.Usage != nil {
		body["usage"] = res.Usage
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleUsage reports the current month's spend against the key's limit.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	keyID, ok := apiKeyID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	spend, err := h.spend.MonthlySpend(ctx, keyID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	completions, err := h.usage.ListCompletionUsageSince(ctx, keyID, spend.Since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if completions == nil {
		completions = []*billing.CompletionUsage{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"api_key_id":          keyID,
		"since":               spend.Since,
		"limit_in_cent":       spend.LimitInCent,
		"completion_in_cent":  spend.CompletionInCent,
		"image_in_cent":       spend.ImageInCent,
		"total_in_cent":       spend.Total(),
		"over_quota":          spend.OverQuota(),
		"completion_requests": len(completions),
		"completions":         completions,
	})
}

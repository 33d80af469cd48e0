package provider

import (
	"context"
)

// Name identifies the vendor a model is served by.
type Name string

const (
	Azure  Name = "azure"
	Ionos  Name = "ionos"
	OpenAI Name = "openai"
	Vertex Name = "vertex"
)

func (n Name) Valid() bool {
	switch n {
	case Azure, Ionos, OpenAI, Vertex:
		return true
	}
	return false
}

// Kind is the generation capability an adapter offers.
type Kind string

const (
	KindText      Kind = "text"
	KindImage     Kind = "image"
	KindEmbedding Kind = "embedding"
)

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type TextRequest struct {
	Model     *Model
	Messages  []Message
	MaxTokens int
}

type TextResponse struct {
	Text  string
	Usage *TokenUsage
}

// Chunk is one element of a text stream. Adapters send zero or more Delta chunks
// followed by exactly one terminal chunk: Done with a non-nil Usage, or Err.
// The channel is closed after the terminal chunk.
type Chunk struct {
	Delta string
	Usage *TokenUsage
	Done  bool
	Err   error
}

type ImageRequest struct {
	Model  *Model
	Prompt string
}

type ImageResponse struct {
	Images       []string // base64 encoded
	OutputFormat string
}

type EmbeddingRequest struct {
	Model *Model
	Texts []string
}

type EmbeddingResponse struct {
	Embeddings [][]float64
	Usage      *TokenUsage
}

type TextAdapter interface {
	Generate(ctx context.Context, req *TextRequest) (*TextResponse, error)
	// Stream stops sending once ctx is done; the vendor connection is released then.
	Stream(ctx context.Context, req *TextRequest) (<-chan *Chunk, error)
}

type ImageAdapter interface {
	GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
}

type EmbeddingAdapter interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// Send delivers c unless ctx is done first. It reports whether c was delivered.
func Send(ctx context.Context, ch chan<- *Chunk, c *Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

package provider

import (
	"time"
)

// PriceKind tags which fields of Price are meaningful.
type PriceKind string

const (
	PriceText      PriceKind = "text"
	PriceImage     PriceKind = "image"
	PriceEmbedding PriceKind = "embedding"
)

// Price is the pricing metadata of a model, in cents.
type Price struct {
	Kind                 PriceKind `json:"type"`
	PromptTokenPrice     float64   `json:"promptTokenPrice,omitempty"`
	CompletionTokenPrice float64   `json:"completionTokenPrice,omitempty"`
	PricePerImageInCent  float64   `json:"pricePerImageInCent,omitempty"`
}

func TextPrice(prompt, completion float64) Price {
	return Price{Kind: PriceText, PromptTokenPrice: prompt, CompletionTokenPrice: completion}
}

func ImagePrice(perImage float64) Price {
	return Price{Kind: PriceImage, PricePerImageInCent: perImage}
}

func EmbeddingPrice(prompt float64) Price {
	return Price{Kind: PriceEmbedding, PromptTokenPrice: prompt}
}

// Settings holds vendor connection parameters. Only the fields the model's
// provider needs are set.
type Settings struct {
	APIKey       string `json:"apiKey,omitempty"`
	BaseURL      string `json:"baseUrl,omitempty"`
	APIVersion   string `json:"apiVersion,omitempty"`
	Project      string `json:"project,omitempty"`
	Location     string `json:"location,omitempty"`
	ResponsesAPI bool   `json:"responsesApi,omitempty"`
}

// Model is read-only to the gateway; it is maintained by an external sync job.
type Model struct {
	ID                    string
	Provider              Name
	Name                  string
	DisplayName           string
	Price                 Price
	Settings              Settings
	SupportedImageFormats []string
	DeletedAt             *time.Time
}

func (m *Model) Deleted() bool {
	return m.DeletedAt != nil
}

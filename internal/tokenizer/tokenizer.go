// Package tokenizer estimates token usage for vendors that do not report it.
//
// The estimate is an approximation: it counts subword tokens of the raw message
// contents and the completion text with a fixed BPE encoding and ignores the
// per-message framing tokens a vendor may add.
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/vnmchuo/genai-gateway/internal/provider"
)

const DefaultEncoding = "cl100k_base"

// Tokenizer counts tokens in a text.
type Tokenizer interface {
	Count(text string) int
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named BPE encoding.
func NewTiktoken(encoding string) (Tokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &tiktokenTokenizer{enc: enc}, nil
}

func (t *tiktokenTokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

type Estimator struct {
	tok Tokenizer
}

func NewEstimator(tok Tokenizer) *Estimator {
	return &Estimator{tok: tok}
}

// Estimate tokenizes the space-joined prompt contents and the completion independently.
func (e *Estimator) Estimate(messages []provider.Message, completion string) provider.TokenUsage {
	contents := make([]string, len(messages))
	for i, m := range messages {
		contents[i] = m.Content
	}

	prompt := e.tok.Count(strings.Join(contents, " "))
	completionTokens := 0
	if completion != "" {
		completionTokens = e.tok.Count(completion)
	}

	return provider.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completionTokens,
		TotalTokens:      prompt + completionTokens,
	}
}

package chatgpt

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter returns the number of tokens text occupies for model.
type TokenCounter func(model, text string) int

// EstimateTokens approximates token usage at four bytes per token, the usual
// rule of thumb for English text.
func EstimateTokens(_ string, text string) int {
	return (len(text) + 3) / 4
}

// TiktokenCounter counts tokens with the model's BPE encoding. Encodings are
// loaded once per model; a model without a known encoding, or an encoding
// that cannot be loaded, falls back to EstimateTokens.
func TiktokenCounter() TokenCounter {
	var (
		mu   sync.Mutex
		encs = map[string]*tiktoken.Tiktoken{}
		bad  = map[string]bool{}
	)
	encoding := func(model string) *tiktoken.Tiktoken {
		mu.Lock()
		defer mu.Unlock()
		if enc, ok := encs[model]; ok {
			return enc
		}
		if bad[model] {
			return nil
		}
		enc, err := tiktoken.EncodingForModel(model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err != nil {
			bad[model] = true
			return nil
		}
		encs[model] = enc
		return enc
	}

	return func(model, text string) int {
		enc := encoding(model)
		if enc == nil {
			return EstimateTokens(model, text)
		}
		return len(enc.Encode(text, nil, nil))
	}
}

// Per-message framing overhead of the chat format, as documented for the
// gpt-3.5/gpt-4 family.
const (
	tokensPerMessage = 4
	tokensPerReply   = 3
)

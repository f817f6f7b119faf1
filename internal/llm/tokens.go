package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// CountTokens estimates the cl100k token count of text. When the codec cannot
// be loaded it falls back to four characters per token.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})
	if codec != nil {
		if ids, _, err := codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return (utf8.RuneCountInString(text) + 3) / 4
}

// EstimateRequestTokens is the rate limiter's budget for one call: the prompt
// plus the completion ceiling.
func EstimateRequestTokens(prompt string, params Params) int {
	return CountTokens(params.System) + CountTokens(prompt) + params.MaxTokens
}

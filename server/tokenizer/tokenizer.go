// Package tokenizer is the length oracle used to keep prompts inside the
// model's context budget. It converts text to token ids and back.
package tokenizer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer defines the interface for token counting and truncation.
// Implementations must be safe for concurrent use.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

// Count returns the number of tokens in text.
func Count(t Tokenizer, text string) int {
	if text == "" {
		return 0
	}
	return len(t.Encode(text))
}

// tiktokenWrapper wraps tiktoken to implement our Tokenizer interface
type tiktokenWrapper struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenWrapper) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *tiktokenWrapper) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// New returns a BPE tokenizer for the named encoding (r50k_base for GPT-2,
// cl100k_base for newer models).
func New(encoding string) (Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %s: %w", encoding, err)
	}
	return &tiktokenWrapper{enc: enc}, nil
}

// ForModel returns the BPE tokenizer tiktoken associates with model.
func ForModel(model string) (Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding for model %s: %w", model, err)
	}
	return &tiktokenWrapper{enc: enc}, nil
}

// Bytes is a tokenizer where every byte is one token. A BPE token always
// covers at least one byte, so a prompt that fits a budget in Bytes tokens
// fits it under any BPE encoding as well. It is the fallback when the BPE
// ranks cannot be loaded.
type Bytes struct{}

func (Bytes) Encode(text string) []int {
	tokens := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		tokens[i] = int(text[i])
	}
	return tokens
}

// Decode drops bytes that do not form valid UTF-8, which only happens at
// the edges of a truncated sequence.
func (Bytes) Decode(tokens []int) string {
	buf := make([]byte, len(tokens))
	for i, tok := range tokens {
		buf[i] = byte(tok)
	}
	if utf8.Valid(buf) {
		return string(buf)
	}
	return strings.ToValidUTF8(string(buf), "")
}

package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// encodingForModel maps OpenAI model names to tiktoken encodings.
var encodingForModel = map[string]tokenizer.Encoding{
	"gpt-4.1":       tokenizer.O200kBase,
	"gpt-4.1-mini":  tokenizer.O200kBase,
	"gpt-4o":        tokenizer.O200kBase,
	"gpt-4o-mini":   tokenizer.O200kBase,
	"o1":            tokenizer.O200kBase,
	"o1-mini":       tokenizer.O200kBase,
	"o3-mini":       tokenizer.O200kBase,
	"gpt-4-turbo":   tokenizer.Cl100kBase,
	"gpt-4":         tokenizer.Cl100kBase,
	"gpt-3.5-turbo": tokenizer.Cl100kBase,
}

// openAIProviders use tiktoken; every other provider is estimated.
var openAIProviders = map[string]bool{
	"openai":       true,
	"azure":        true,
	"azure_openai": true,
}

var codecs sync.Map // tokenizer.Encoding -> tokenizer.Codec

// CountTokens returns the token count for text under the given provider and
// model. OpenAI-family models use tiktoken; others use a 4-chars-per-token
// estimate.
func CountTokens(text, provider, model string) (int64, error) {
	if openAIProviders[strings.ToLower(provider)] {
		return countTiktoken(text, model)
	}
	return estimateTokens(text), nil
}

// CountExchange returns input and output token counts for one
// prompt/completion pair.
func CountExchange(prompt, completion, provider, model string) (input, output int64, err error) {
	input, err = CountTokens(prompt, provider, model)
	if err != nil {
		return 0, 0, fmt.Errorf("count prompt tokens: %w", err)
	}
	output, err = CountTokens(completion, provider, model)
	if err != nil {
		return 0, 0, fmt.Errorf("count completion tokens: %w", err)
	}
	return input, output, nil
}

func countTiktoken(text, model string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}

	enc, ok := encodingForModel[model]
	if !ok {
		// Unknown OpenAI models fall back to cl100k_base.
		enc = tokenizer.Cl100kBase
	}

	codec, err := codecFor(enc)
	if err != nil {
		return 0, err
	}

	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("encode text: %w", err)
	}
	return int64(len(ids)), nil
}

func codecFor(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	if c, ok := codecs.Load(enc); ok {
		return c.(tokenizer.Codec), nil
	}
	c, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", enc, err)
	}
	codecs.Store(enc, c)
	return c, nil
}

// estimateTokens approximates 4 characters per token.
func estimateTokens(text string) int64 {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return 0
	}
	return int64((len(text) + 3) / 4)
}

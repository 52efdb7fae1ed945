package extract

import (
	"encoding/json"
	"fmt"
)

// responseUsage is the token usage reported inside a captured provider
// API response body.
type responseUsage struct {
	InputTokens  int64
	OutputTokens int64
	Model        string
}

// Provider response shapes

type openAIResponse struct {
	Model string `json:"model"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

type anthropicResponse struct {
	Model string `json:"model"`
	Usage *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// parseResponseUsage reads the usage block of a captured response body.
// Providers without a known response shape return nil.
func parseResponseUsage(provider string, body json.RawMessage) (*responseUsage, error) {
	switch provider {
	case "openai", "azure", "azure_openai":
		var resp openAIResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", provider, err)
		}
		if resp.Usage == nil {
			return nil, fmt.Errorf("%s response has no usage block", provider)
		}
		return &responseUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			Model:        resp.Model,
		}, nil
	case "anthropic", "bedrock":
		var resp anthropicResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", provider, err)
		}
		if resp.Usage == nil {
			return nil, fmt.Errorf("%s response has no usage block", provider)
		}
		return &responseUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			Model:        resp.Model,
		}, nil
	default:
		return nil, nil
	}
}

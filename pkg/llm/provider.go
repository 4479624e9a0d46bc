// Package llm holds the language-model integration: the provider client,
// the prompt broker for synthesis and gating, and the daily spend budget.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/langhook/langhook/pkg/config"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is a chat completion result.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Provider is a chat-completion backend.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Model() string
}

// OpenAIProvider speaks the OpenAI-compatible chat completions API. The
// "local" provider is the same wire protocol pointed at a different base
// URL.
type OpenAIProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// NewProvider builds a provider from configuration. It returns nil (no
// error) when no provider can be configured, so callers degrade to
// LLM-less operation.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		if cfg.APIKey == "" {
			return nil, nil
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultOpenAIBaseURL
		}
		return &OpenAIProvider{
			httpClient: &http.Client{Timeout: cfg.Timeout},
			baseURL:    strings.TrimSuffix(baseURL, "/"),
			apiKey:     cfg.APIKey,
			model:      cfg.Model,
		}, nil
	case "local":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("LLM_BASE_URL is required for the local provider")
		}
		return &OpenAIProvider{
			httpClient: &http.Client{Timeout: cfg.Timeout},
			baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
			apiKey:     cfg.APIKey,
			model:      cfg.Model,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.Provider)
	}
}

// Model returns the configured model name.
func (p *OpenAIProvider) Model() string { return p.model }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends one chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       p.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling chat completions: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading chat response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decoding chat response (status %d): %w", httpResp.StatusCode, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return nil, fmt.Errorf("chat completions returned %d: %s", httpResp.StatusCode, parsed.Error.Message)
		}
		return nil, fmt.Errorf("chat completions returned %d", httpResp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat completions returned no choices")
	}

	model := parsed.Model
	if model == "" {
		model = p.model
	}
	return &Response{
		Content: parsed.Choices[0].Message.Content,
		Model:   model,
		Usage:   parsed.Usage,
	}, nil
}

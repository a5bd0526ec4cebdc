// Package llmclient talks to a chat-completion HTTP API on behalf of the
// mapping synthesiser, the subscription pattern compiler, and the gate
// evaluator. None of those callers need streaming or tool use — each one
// sends a prompt and wants back one block of text — so the Provider
// surface here is a single-method subset of what a full router would
// expose.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Message is one turn in a chat-completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the unified request every Provider implementation accepts.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Response is the unified, non-streaming result of a completion call.
type Response struct {
	Content string
	Usage   Usage
}

// Usage mirrors the token accounting every provider reports in some form,
// fed into the gate's per-subscription cost counter (SPEC_FULL.md §10.3).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider is the interface every backend (Anthropic-shaped or
// OpenAI-shaped) implements. The rest of the module only depends on this.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Config is the environment-driven configuration for the default
// provider, following the same MODEL/TEMPERATURE/MAX_TOKENS env
// convention the teacher's gRPC LLM client used.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

const (
	defaultBaseURL     = "https://api.anthropic.com/v1"
	defaultModel       = "claude-3-5-haiku-latest"
	defaultMaxTokens   = 1024
	defaultTemperature = 0.0
	defaultTimeout     = 30 * time.Second
	anthropicAPIVersion = "2023-06-01"
)

// ConfigFromEnv reads LLM_API_KEY, LLM_BASE_URL, LLM_MODEL,
// LLM_MAX_TOKENS and LLM_TEMPERATURE, falling back to sane defaults for
// everything but the API key.
func ConfigFromEnv() Config {
	cfg := Config{
		APIKey:      os.Getenv("LLM_API_KEY"),
		BaseURL:     defaultBaseURL,
		Model:       defaultModel,
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
		Timeout:     defaultTimeout,
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("LLM_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTokens = n
		}
	}
	if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.Temperature = float32(f)
		}
	}
	slog.Info("llm client configured", "model", cfg.Model, "base_url", cfg.BaseURL, "max_tokens", cfg.MaxTokens)
	return cfg
}

// AnthropicProvider implements Provider against Anthropic's Messages API.
type AnthropicProvider struct {
	cfg    Config
	client *http.Client
}

// NewAnthropicProvider builds a Provider from an already-resolved Config.
func NewAnthropicProvider(cfg Config) *AnthropicProvider {
	return &AnthropicProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float32            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string                  `json:"id"`
	Model   string                  `json:"model"`
	Content []anthropicContentBlock `json:"content"`
	Usage   anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Complete sends a non-streaming request to /messages and collects the
// first text content block.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	ar := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if ar.Model == "" {
		ar.Model = p.cfg.Model
	}
	if ar.MaxTokens == 0 {
		ar.MaxTokens = p.cfg.MaxTokens
	}

	var systemParts []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			systemParts = append(systemParts, m.Content)
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	if len(systemParts) > 0 {
		ar.System = joinLines(systemParts)
	}

	body, err := json.Marshal(ar)
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshal request: %w", err)
	}

	url := p.cfg.BaseURL + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llmclient: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("llmclient: api error (status %d): %v", httpResp.StatusCode, errBody)
	}

	var ar2 anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&ar2); err != nil {
		return nil, fmt.Errorf("llmclient: decode response: %w", err)
	}

	var text string
	for _, block := range ar2.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	return &Response{
		Content: text,
		Usage: Usage{
			PromptTokens:     ar2.Usage.InputTokens,
			CompletionTokens: ar2.Usage.OutputTokens,
			TotalTokens:      ar2.Usage.InputTokens + ar2.Usage.OutputTokens,
		},
	}, nil
}

func joinLines(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}

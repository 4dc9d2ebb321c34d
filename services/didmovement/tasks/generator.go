package tasks

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	DefaultModel     = "deepseek-ai/DeepSeek-R1"
	DefaultMaxTokens = 128
	// ChatSolverType labels solutions produced by the chat completion backend.
	ChatSolverType = "Atoma"
)

// Generator produces the solution text for a task prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	// SolverType is reported to the board alongside every solution.
	SolverType() string
}

// ChatConfig points a ChatGenerator at an OpenAI compatible
// /chat/completions endpoint.
type ChatConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
}

// ChatGenerator answers prompts with a single non-streaming chat completion.
type ChatGenerator struct {
	cfg  ChatConfig
	http *http.Client
}

func NewChatGenerator(cfg ChatConfig, opts ...Option) *ChatGenerator {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &ChatGenerator{cfg: cfg, http: httpClient(opts)}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Stream    bool          `json:"stream"`
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (g *ChatGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	req, err := newJSONRequest(ctx, g.cfg.BaseURL+"/chat/completions", chatRequest{
		Model:     g.cfg.Model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: g.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
	var out chatResponse
	if err := doJSON(g.http, req, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("tasks: completion returned no content")
	}
	return out.Choices[0].Message.Content, nil
}

func (g *ChatGenerator) SolverType() string {
	return ChatSolverType
}

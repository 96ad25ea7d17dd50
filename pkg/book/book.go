// Package book turns an interview transcript into book prose with a text completion model.
package book

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"

	"github.com/vango-go/voicebook/pkg/core"
)

// Request is the body of POST /api/book.
type Request struct {
	Context          string `json:"context"`
	IsBookGeneration bool   `json:"isBookGeneration"`
}

// Response is the reply of POST /api/book.
type Response struct {
	Content string `json:"content"`
}

// Generator is anything that can answer a book request.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

const (
	DefaultModel            = "gpt-4o"
	DefaultMaxContextTokens = 120000
	DefaultReserveTokens    = 4096

	omittedMarker = "[earlier conversation omitted]"
)

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// MaxContextTokens is the model window; ReserveTokens of it are left for the reply.
	MaxContextTokens int
	ReserveTokens    int
	BookPrompt       string
	ChatPrompt       string
	HTTPClient       *http.Client
	Logger           *slog.Logger
	// CountTokens overrides the tiktoken counter.
	CountTokens func(string) int
}

// DefaultBookPrompt and DefaultChatPrompt are configuration data; deployments override them.
const (
	DefaultBookPrompt = "You are a ghostwriter. Turn the interview transcript into a chapter of a memoir written in the first person of the interviewee. Keep every fact from the transcript and invent none."
	DefaultChatPrompt = "You are a helpful interviewer assistant. Answer using the conversation so far."
)

// OpenAIGenerator calls the chat completions API.
type OpenAIGenerator struct {
	cfg    Config
	client *openai.Client

	countOnce sync.Once
	count     func(string) int
}

func NewOpenAIGenerator(cfg Config) (*OpenAIGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("book: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultMaxContextTokens
	}
	if cfg.ReserveTokens <= 0 {
		cfg.ReserveTokens = DefaultReserveTokens
	}
	if cfg.ReserveTokens >= cfg.MaxContextTokens {
		return nil, fmt.Errorf("book: reserve tokens (%d) must be below max context tokens (%d)", cfg.ReserveTokens, cfg.MaxContextTokens)
	}
	if cfg.BookPrompt == "" {
		cfg.BookPrompt = DefaultBookPrompt
	}
	if cfg.ChatPrompt == "" {
		cfg.ChatPrompt = DefaultChatPrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	return &OpenAIGenerator{cfg: cfg, client: openai.NewClientWithConfig(oc)}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Context) == "" {
		return Response{}, core.NewInvalidRequestErrorWithParam("context must not be empty", "context")
	}
	system := g.cfg.ChatPrompt
	if req.IsBookGeneration {
		system = g.cfg.BookPrompt
	}
	budget := g.cfg.MaxContextTokens - g.cfg.ReserveTokens - g.countTokens(system)
	content, dropped := TrimToBudget(req.Context, budget, g.countTokens)
	if dropped > 0 {
		g.cfg.Logger.Info("book context trimmed", "dropped_lines", dropped, "budget_tokens", budget)
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
		MaxTokens: g.cfg.ReserveTokens,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			e := core.NewAPIError(apiErr.Message)
			e.Type = core.ErrUpstream
			if code, ok := apiErr.Code.(string); ok {
				e.Code = code
			}
			return Response{}, e
		}
		return Response{}, core.NewConnectionError("book completion request failed", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, core.NewAPIError("book completion returned no choices")
	}
	return Response{Content: resp.Choices[0].Message.Content}, nil
}

func (g *OpenAIGenerator) countTokens(s string) int {
	g.countOnce.Do(func() {
		if g.cfg.CountTokens != nil {
			g.count = g.cfg.CountTokens
			return
		}
		enc, err := tiktoken.EncodingForModel(g.cfg.Model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err != nil {
			g.cfg.Logger.Warn("tokenizer unavailable, estimating", "model", g.cfg.Model, "error", err)
			g.count = EstimateTokens
			return
		}
		g.count = func(s string) int { return len(enc.Encode(s, nil, nil)) }
	})
	return g.count(s)
}

// EstimateTokens approximates four bytes per token.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// TrimToBudget drops whole lines from the start of text until it fits budget tokens. The most
// recent lines are kept. It returns the trimmed text and the number of dropped lines.
func TrimToBudget(text string, budget int, count func(string) int) (string, int) {
	if count(text) <= budget {
		return text, 0
	}
	lines := strings.Split(text, "\n")
	for dropped := 1; dropped < len(lines); dropped++ {
		candidate := omittedMarker + "\n" + strings.Join(lines[dropped:], "\n")
		if count(candidate) <= budget {
			return candidate, dropped
		}
	}
	last := lines[len(lines)-1]
	return omittedMarker + "\n" + last, len(lines) - 1
}

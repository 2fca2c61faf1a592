package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Request is one chat completion call
type Request struct {
	Endpoint     string
	APIKey       string
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
}

// Analyzer performs a single analysis call
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (string, error)
}

var ErrEmptyResponse = errors.New("analysis provider returned an empty response")

// LangchainAnalyzer talks to OpenAI-compatible endpoints through langchaingo.
// Clients are cached per endpoint, model and key.
type LangchainAnalyzer struct {
	logger zerolog.Logger

	mu     sync.Mutex
	models map[string]llms.Model
}

// NewLangchainAnalyzer creates an analyzer with an empty client cache
func NewLangchainAnalyzer(logger zerolog.Logger) *LangchainAnalyzer {
	return &LangchainAnalyzer{
		logger: logger.With().Str("component", "analyzer").Logger(),
		models: make(map[string]llms.Model),
	}
}

func (a *LangchainAnalyzer) model(req Request) (llms.Model, error) {
	key := strings.Join([]string{req.Endpoint, req.Model, req.APIKey}, "\x00")

	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.models[key]; ok {
		return m, nil
	}

	opts := []openai.Option{
		openai.WithModel(req.Model),
		openai.WithToken(req.APIKey),
	}
	if req.Endpoint != "" {
		opts = append(opts, openai.WithBaseURL(strings.TrimRight(req.Endpoint, "/")))
	}

	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI-compatible client: %w", err)
	}
	a.models[key] = m
	return m, nil
}

// Analyze sends the system and user prompts and returns the first choice
func (a *LangchainAnalyzer) Analyze(ctx context.Context, req Request) (string, error) {
	m, err := a.model(req)
	if err != nil {
		return "", err
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, req.UserPrompt),
	}

	resp, err := m.GenerateContent(ctx, messages, llms.WithTemperature(req.Temperature))
	if err != nil {
		return "", fmt.Errorf("analysis request to %s failed: %w", req.Endpoint, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	output := strings.TrimSpace(resp.Choices[0].Content)
	if output == "" {
		return "", ErrEmptyResponse
	}
	a.logger.Debug().Str("model", req.Model).Int("chars", len(output)).Msg("Analysis completed")
	return output, nil
}

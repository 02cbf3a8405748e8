package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient implements Completer for OpenAI and compatible endpoints
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIClient creates a new OpenAI client. baseURL is optional.
func NewOpenAIClient(apiKey, baseURL, model string, logger *slog.Logger) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = "gpt-4"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		model:  model,
		logger: logger,
	}
}

func (c *OpenAIClient) Model() string { return c.model }

func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		uerr := classifyOpenAIError(err)
		c.logger.Warn("ai.openai.failed",
			"model", c.model,
			"kind", uerr.Kind,
			"status", uerr.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return CompletionResponse{}, uerr
	}

	if len(resp.Choices) == 0 {
		return CompletionResponse{}, malformed("openai.complete", errors.New("response has no choices"))
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return CompletionResponse{}, malformed("openai.complete", errors.New("empty message content"))
	}

	c.logger.Debug("ai.openai.done",
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return CompletionResponse{Content: content, Model: resp.Model}, nil
}

func classifyOpenAIError(err error) *UpstreamError {
	const op = "openai.complete"

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &UpstreamError{Kind: kindForStatus(apiErr.HTTPStatusCode), Op: op, StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &UpstreamError{Kind: kindForStatus(reqErr.HTTPStatusCode), Op: op, StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return malformed(op, fmt.Errorf("decode response: %w", err))
	}
	return &UpstreamError{Kind: transportKind(err), Op: op, Err: err}
}

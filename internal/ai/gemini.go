package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GeminiClient implements Completer for Google Gemini
type GeminiClient struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiClient{client: client, model: model, logger: logger}, nil
}

func (c *GeminiClient) Model() string { return c.model }

func (c *GeminiClient) Close() error { return c.client.Close() }

func (c *GeminiClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	const op = "gemini.complete"
	start := time.Now()

	m := c.client.GenerativeModel(c.model)
	m.SetTemperature(req.Temperature)
	if req.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	m.ResponseMIMEType = "application/json"
	if req.SystemPrompt != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemPrompt)}}
	}

	resp, err := m.GenerateContent(ctx, genai.Text(req.UserPrompt))
	if err != nil {
		uerr := classifyGeminiError(err)
		c.logger.Warn("ai.gemini.failed",
			"model", c.model,
			"kind", uerr.Kind,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return CompletionResponse{}, uerr
	}

	content := geminiText(resp)
	if strings.TrimSpace(content) == "" {
		return CompletionResponse{}, malformed(op, errors.New("response has no text candidates"))
	}
	c.logger.Debug("ai.gemini.done", "model", c.model, "duration_ms", time.Since(start).Milliseconds())
	return CompletionResponse{Content: content, Model: c.model}, nil
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

func classifyGeminiError(err error) *UpstreamError {
	const op = "gemini.complete"

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &UpstreamError{Kind: kindForStatus(gerr.Code), Op: op, StatusCode: gerr.Code, Err: err}
	}

	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return &UpstreamError{Kind: KindTimeout, Op: op, Err: err}
	case codes.Unavailable:
		return &UpstreamError{Kind: KindConnectionUnavailable, Op: op, Err: err}
	case codes.ResourceExhausted:
		return &UpstreamError{Kind: KindRateLimited, Op: op, Err: err}
	case codes.Unauthenticated, codes.PermissionDenied:
		return &UpstreamError{Kind: KindAuthenticationFailed, Op: op, Err: err}
	case codes.InvalidArgument, codes.Internal, codes.FailedPrecondition:
		return &UpstreamError{Kind: KindUpstream, Op: op, Err: err}
	}
	return &UpstreamError{Kind: transportKind(err), Op: op, Err: err}
}

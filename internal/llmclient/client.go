// Package llmclient wraps the OpenAI chat completions API behind the two
// calling conventions the orchestration pipeline needs: structured-output
// completions for the validate/decide/plan/summarize stages, and a
// tool-calling conversation loop for the agentic step executor's
// generate-SQL and analyze-error calls.
// Concrete model identifiers are resolved per model.ModelTier from Config,
// never hardcoded.
package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/querymind/nlsql/internal/model"
)

// Config configures the OpenAI-backed client and the tier-to-model mapping.
type Config struct {
	APIKey         string
	BaseURL        string
	ModelWeak      string
	ModelPlanning  string
	ModelDeveloper string
}

// Client is the sole entry point for LLM calls in the pipeline.
type Client struct {
	openai openai.Client
	models map[model.ModelTier]string
}

// New constructs a Client. Every tier must resolve to a non-empty model id.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llmclient: API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	models := map[model.ModelTier]string{
		model.ModelTierWeak:      orDefault(cfg.ModelWeak, "gpt-4o-mini"),
		model.ModelTierPlanning:  orDefault(cfg.ModelPlanning, "gpt-4o"),
		model.ModelTierDeveloper: orDefault(cfg.ModelDeveloper, "gpt-4o"),
	}

	return &Client{
		openai: openai.NewClient(opts...),
		models: models,
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ModelFor returns the concrete model id bound to tier.
func (c *Client) ModelFor(tier model.ModelTier) string {
	return c.models[tier]
}

// StructuredRequest describes one structured-output completion call.
type StructuredRequest struct {
	Tier         model.ModelTier
	SystemPrompt string
	UserPrompt   string
	SchemaName   string
	Schema       any
	MaxTokens    int
	Temperature  float64

	// Stage names the pipeline stage issuing this call (e.g. "validate",
	// "plan"), recorded on the debug trace row. Unused when
	// DebugRecorder is nil.
	Stage string
	// DebugRecorder receives one DebugTraceRow per call when non-nil. Left
	// nil whenever the debug flag is off, so tracing costs nothing beyond a
	// nil check on the hot path.
	DebugRecorder func(model.DebugTraceRow)
}

// CompleteStructured issues one JSON-schema-constrained chat completion and
// unmarshals the response into result. Used by every non-agentic stage.
func (c *Client) CompleteStructured(ctx context.Context, req StructuredRequest, result any) (model.Usage, error) {
	modelID := c.models[req.Tier]
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2000
	}

	schemaParam := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:        req.SchemaName,
		Description: openai.String("structured response schema"),
		Schema:      req.Schema,
		Strict:      openai.Bool(true),
	}

	params := openai.ChatCompletionNewParams{
		Model: modelID,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt),
			openai.UserMessage(req.UserPrompt),
		},
		MaxTokens:   openai.Int(int64(maxTokens)),
		Temperature: openai.Float(req.Temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{JSONSchema: schemaParam},
		},
	}

	start := time.Now()
	resp, err := c.openai.Chat.Completions.New(ctx, params)
	elapsed := time.Since(start)
	if err != nil {
		return model.Usage{}, fmt.Errorf("llmclient: structured completion: %w", err)
	}

	slog.DebugContext(ctx, "llm structured completion",
		"tier", req.Tier, "model", modelID, "duration_ms", elapsed.Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 {
		return model.Usage{}, fmt.Errorf("llmclient: no choices in response")
	}

	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), result); err != nil {
		return model.Usage{}, fmt.Errorf("llmclient: unmarshal structured response: %w", err)
	}

	if req.DebugRecorder != nil {
		req.DebugRecorder(model.DebugTraceRow{
			ID:               uuid.NewString(),
			Stage:            req.Stage,
			Tier:             req.Tier,
			ModelID:          modelID,
			SystemPrompt:     req.SystemPrompt,
			UserPrompt:       req.UserPrompt,
			StructuredOutput: content,
			InputTokens:      int(resp.Usage.PromptTokens),
			OutputTokens:     int(resp.Usage.CompletionTokens),
			Elapsed:          elapsed,
			RecordedAt:       time.Now(),
		})
	}

	return model.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		ElapsedMS:    elapsed.Milliseconds(),
	}, nil
}

// Request describes one free-form (non-schema-constrained) completion
// call. Rarely used in this pipeline since every stage needs a structured
// answer, but kept for templates that just want prose back, e.g. an
// explanatory aside rendered straight into a debug trace.
type Request struct {
	Tier         model.ModelTier
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64

	Stage         string
	DebugRecorder func(model.DebugTraceRow)
}

// Complete issues one unconstrained chat completion and returns its text.
func (c *Client) Complete(ctx context.Context, req Request) (string, model.Usage, error) {
	modelID := c.models[req.Tier]
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2000
	}

	params := openai.ChatCompletionNewParams{
		Model: modelID,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt),
			openai.UserMessage(req.UserPrompt),
		},
		MaxTokens:   openai.Int(int64(maxTokens)),
		Temperature: openai.Float(req.Temperature),
	}

	start := time.Now()
	resp, err := c.openai.Chat.Completions.New(ctx, params)
	elapsed := time.Since(start)
	if err != nil {
		return "", model.Usage{}, fmt.Errorf("llmclient: completion: %w", err)
	}

	slog.DebugContext(ctx, "llm completion",
		"tier", req.Tier, "model", modelID, "duration_ms", elapsed.Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 {
		return "", model.Usage{}, fmt.Errorf("llmclient: no choices in response")
	}

	content := resp.Choices[0].Message.Content

	if req.DebugRecorder != nil {
		req.DebugRecorder(model.DebugTraceRow{
			ID:               uuid.NewString(),
			Stage:            req.Stage,
			Tier:             req.Tier,
			ModelID:          modelID,
			SystemPrompt:     req.SystemPrompt,
			UserPrompt:       req.UserPrompt,
			StructuredOutput: content,
			InputTokens:      int(resp.Usage.PromptTokens),
			OutputTokens:     int(resp.Usage.CompletionTokens),
			Elapsed:          elapsed,
			RecordedAt:       time.Now(),
		})
	}

	return content, model.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		ElapsedMS:    elapsed.Milliseconds(),
	}, nil
}

// GenerateSchema reflects a JSON schema for T, suitable for
// StructuredRequest.Schema.
func GenerateSchema[T any]() any {
	var v T
	return GenerateSchemaFrom(v)
}

// GenerateSchemaFrom reflects a JSON schema from an instance value, for
// callers that don't know the concrete type at compile time.
func GenerateSchemaFrom(v any) any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return reflector.Reflect(v)
}

// ParseToolArguments unmarshals a tool call's JSON-encoded arguments.
func ParseToolArguments[T any](arguments string) (T, error) {
	var result T
	if err := json.Unmarshal([]byte(arguments), &result); err != nil {
		return result, fmt.Errorf("llmclient: parse tool arguments: %w", err)
	}
	return result, nil
}

// IsRetryable reports whether a structured-completion or agent error is
// transient (rate limit, 5xx, network) and worth a fresh attempt by the
// caller. Context cancellation is never retryable.
func IsRetryable(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	return true
}

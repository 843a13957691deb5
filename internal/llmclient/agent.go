package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/querymind/nlsql/internal/model"
)

// Message is one turn in an agentic tool-calling conversation.
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// Tool describes one function the developer-tier model may call during
// step execution.
type Tool struct {
	Name        string
	Description string
	Parameters  any // JSON Schema
}

// ToolCall is one invocation the model requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// AgentRequest is one turn of the step executor's tool-calling loop.
type AgentRequest struct {
	Tier        model.ModelTier
	Messages    []Message
	Tools       []Tool
	MaxTokens   int
	Temperature *float64

	// Stage names the caller issuing this call (e.g. "generate_sql"),
	// recorded on the debug trace row. Unused when DebugRecorder is nil.
	Stage string
	// DebugRecorder receives one DebugTraceRow per call when non-nil.
	DebugRecorder func(model.DebugTraceRow)
}

// AgentResponse is the model's reply: either free text or a set of tool
// calls to run before the next turn.
type AgentResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        model.Usage
}

// ChatWithTools issues one turn of an agentic conversation.
func (c *Client) ChatWithTools(ctx context.Context, req AgentRequest) (*AgentResponse, error) {
	modelID := c.models[req.Tier]
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := openai.ChatCompletionNewParams{
		Model:               modelID,
		Messages:            convertMessages(req.Messages),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if tools := convertTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	start := time.Now()
	resp, err := c.openai.Chat.Completions.New(ctx, params)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("llmclient: chat with tools: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llmclient: no choices in response")
	}

	choice := resp.Choices[0]
	slog.DebugContext(ctx, "llm agent turn",
		"tier", req.Tier, "model", modelID, "duration_ms", elapsed.Milliseconds(),
		"finish_reason", choice.FinishReason)

	out := &AgentResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: model.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			ElapsedMS:    elapsed.Milliseconds(),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	if req.DebugRecorder != nil {
		req.DebugRecorder(model.DebugTraceRow{
			ID:               uuid.NewString(),
			Stage:            req.Stage,
			Tier:             req.Tier,
			ModelID:          modelID,
			SystemPrompt:     systemPromptOf(req.Messages),
			UserPrompt:       userPromptOf(req.Messages),
			StructuredOutput: toolCallSummary(out),
			InputTokens:      out.Usage.InputTokens,
			OutputTokens:     out.Usage.OutputTokens,
			Elapsed:          elapsed,
			RecordedAt:       time.Now(),
		})
	}

	return out, nil
}

// systemPromptOf and userPromptOf pick the first message of each role for
// the debug trace row. After a nudge round the history also holds the
// assistant's reply and a corrective user message; the row records only the
// first system and the first user message.
func systemPromptOf(msgs []Message) string {
	for _, m := range msgs {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

func userPromptOf(msgs []Message) string {
	for _, m := range msgs {
		if m.Role == "user" {
			return m.Content
		}
	}
	return ""
}

// toolCallSummary renders the model's reply for the debug trace: the
// requested tool call's arguments, or its free-text content when it didn't
// call a tool.
func toolCallSummary(resp *AgentResponse) string {
	if len(resp.ToolCalls) == 0 {
		return resp.Content
	}
	data, err := json.Marshal(resp.ToolCalls)
	if err != nil {
		return resp.Content
	}
	return string(data)
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case "system":
			result = append(result, openai.SystemMessage(msg.Content))
		case "user":
			result = append(result, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					}
				}
				result = append(result, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{
						Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)},
						ToolCalls: toolCalls,
					},
				})
			} else {
				result = append(result, openai.AssistantMessage(msg.Content))
			}
		case "tool":
			result = append(result, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return result
}

func convertTools(tools []Tool) []openai.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		var params shared.FunctionParameters
		if t.Parameters != nil {
			data, _ := json.Marshal(t.Parameters)
			_ = json.Unmarshal(data, &params)
		}
		result[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  params,
			},
		}
	}
	return result
}

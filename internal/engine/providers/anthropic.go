package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicProvider implements Provider for Anthropic's Claude API using the
// official SDK. Streaming uses the Messages API's Server-Sent Events; the
// blocking Send path collects the same stream into a complete response.
//
// AnthropicProvider is safe for concurrent use. Each Stream call creates an
// independent SSE stream and goroutine.
type AnthropicProvider struct {
	client anthropic.Client

	defaultModel string
}

// AnthropicConfig holds the settings for an AnthropicProvider. Only APIKey
// is required; the rest default during construction.
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	APIKey string

	// BaseURL overrides the default API base URL.
	BaseURL string

	// DefaultModel is used when the request does not specify a model.
	DefaultModel string
}

// NewAnthropicProvider creates a provider with the given configuration.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Send performs a blocking completion by collecting the stream.
func (p *AnthropicProvider) Send(ctx context.Context, req *Request) (*Response, error) {
	chunks, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(chunks)
}

// Stream sends the request and returns a channel of incremental chunks.
//
// The returned channel is closed after the terminal chunk. Stream errors are
// delivered as a chunk with Err set; only request construction failures are
// returned directly.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan Chunk)

	go func() {
		defer close(chunks)

		model := p.getModel(req.Model)

		stream := p.client.Messages.NewStreaming(ctx, params)
		if err := stream.Err(); err != nil {
			chunks <- Chunk{Err: p.wrapError(err, model)}
			return
		}

		p.processStream(stream, chunks, model)
	}()

	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}

	// System prompt lives outside the message list in the Anthropic API.
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.System,
			},
		}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return params, nil
}

// maxEmptyStreamEvents bounds consecutive events that produce no output
// before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// processStream consumes SSE events and emits neutral chunks.
//
// Tool calls arrive in three phases: content_block_start carries the ID and
// name, content_block_delta events carry partial argument JSON, and
// content_block_stop finalizes the call. Each phase maps directly onto a
// chunk kind; argument fragments are forwarded raw and never parsed here.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk, model string) {
	var currentToolID string
	var stopReason string
	sawToolUse := false
	emptyEventCount := 0

	var usage Usage

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolID = toolUse.ID
				sawToolUse = true
				chunks <- Chunk{
					Kind:       ChunkToolCallStart,
					ToolCallID: toolUse.ID,
					ToolName:   toolUse.Name,
				}
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta

			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- Chunk{Kind: ChunkTextDelta, Text: delta.Text}
					eventProcessed = true
				}

			case "input_json_delta":
				if delta.PartialJSON != "" && currentToolID != "" {
					chunks <- Chunk{
						Kind:             ChunkToolCallDelta,
						ToolCallID:       currentToolID,
						ArgumentFragment: delta.PartialJSON,
					}
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if currentToolID != "" {
				chunks <- Chunk{Kind: ChunkToolCallEnd, ToolCallID: currentToolID}
				currentToolID = ""
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				stopReason = string(messageDelta.Delta.StopReason)
			}
			eventProcessed = true

		case "message_stop":
			chunks <- Chunk{
				Kind:         ChunkDone,
				FinishReason: anthropicFinishReason(stopReason, sawToolUse),
				Usage:        usage,
			}
			return

		case "error":
			chunks <- Chunk{Err: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}

		// Malformed stream protection.
		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				chunks <- Chunk{Err: p.wrapError(
					fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount),
					model,
				)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- Chunk{Err: p.wrapError(err, model)}
		return
	}

	// Stream ended without message_stop. Treat as complete.
	chunks <- Chunk{
		Kind:         ChunkDone,
		FinishReason: anthropicFinishReason(stopReason, sawToolUse),
		Usage:        usage,
	}
}

func anthropicFinishReason(stopReason string, sawToolUse bool) FinishReason {
	switch stopReason {
	case "tool_use":
		return FinishToolUse
	case "max_tokens":
		return FinishMaxTokens
	case "end_turn", "stop_sequence":
		return FinishEndTurn
	}
	if sawToolUse {
		return FinishToolUse
	}
	return FinishEndTurn
}

// convertMessages translates neutral messages into Anthropic's content block
// format. System messages are skipped here since the system prompt is passed
// separately; tool results and tool calls become their dedicated block types.
func (p *AnthropicProvider) convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}

		for _, toolCall := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(toolCall.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(
				toolCall.ID,
				input,
				toolCall.Name,
			))
		}

		if len(content) == 0 {
			continue
		}

		// Tool role maps to a user message carrying tool result blocks.
		if msg.Role == RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)

		result = append(result, toolParam)
	}

	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			providerErr = providerErr.WithMessage(message)
		} else if providerErr.Message == "" {
			providerErr.Message = "anthropic request failed"
		}
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}

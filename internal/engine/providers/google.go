package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GoogleProvider implements Provider for Google's Gemini API.
//
// Gemini differs from the other vendors in two ways that matter here: tool
// calls arrive as complete function call parts rather than streamed argument
// fragments, and the API supplies no tool call IDs. The adapter synthesizes
// IDs and emits each function call as a start, one delta carrying the full
// argument JSON, and an end.
type GoogleProvider struct {
	client *genai.Client

	defaultModel string
}

// GoogleConfig holds the settings for a GoogleProvider.
type GoogleConfig struct {
	// APIKey is the Gemini API authentication key (required).
	APIKey string

	// DefaultModel is used when the request does not specify a model.
	DefaultModel string
}

// NewGoogleProvider creates a provider with the given configuration.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}

	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string {
	return "google"
}

// Send performs a blocking completion by collecting the stream.
func (p *GoogleProvider) Send(ctx context.Context, req *Request) (*Response, error) {
	chunks, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(chunks)
}

// Stream sends the request and returns a channel of incremental chunks.
func (p *GoogleProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	model := p.getModel(req.Model)

	contents, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("google: failed to convert messages: %w", err)
	}

	config := p.buildConfig(req)

	chunks := make(chan Chunk)

	go func() {
		defer close(chunks)

		streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, config)
		if err := p.processStream(ctx, streamIter, chunks, model); err != nil {
			chunks <- Chunk{Err: err}
		}
	}()

	return chunks, nil
}

// processStream consumes the Gemini response iterator and emits neutral
// chunks.
func (p *GoogleProvider) processStream(ctx context.Context, streamIter iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- Chunk, model string) error {
	sawToolCall := false
	finish := FinishEndTurn
	var usage Usage

	for resp, err := range streamIter {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			return p.wrapError(err, model)
		}
		if resp == nil {
			continue
		}

		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil {
				continue
			}

			switch candidate.FinishReason {
			case genai.FinishReasonMaxTokens:
				finish = FinishMaxTokens
			case genai.FinishReasonStop:
				finish = FinishEndTurn
			}

			if candidate.Content == nil {
				continue
			}

			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}

				if part.Text != "" {
					chunks <- Chunk{Kind: ChunkTextDelta, Text: part.Text}
				}

				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte(emptyArgs)
					}

					id := generateToolCallID(part.FunctionCall.Name)
					chunks <- Chunk{
						Kind:       ChunkToolCallStart,
						ToolCallID: id,
						ToolName:   part.FunctionCall.Name,
					}
					chunks <- Chunk{
						Kind:             ChunkToolCallDelta,
						ToolCallID:       id,
						ArgumentFragment: string(argsJSON),
					}
					chunks <- Chunk{Kind: ChunkToolCallEnd, ToolCallID: id}
					sawToolCall = true
				}
			}
		}
	}

	if sawToolCall {
		finish = FinishToolUse
	}
	chunks <- Chunk{Kind: ChunkDone, FinishReason: finish, Usage: usage}
	return nil
}

// convertMessages translates neutral messages into Gemini content. System
// messages are skipped here since the system prompt travels in the request
// config; tool calls and results become function call and response parts.
func (p *GoogleProvider) convertMessages(messages []Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == RoleSystem {
			continue
		}

		content := &genai.Content{}

		switch msg.Role {
		case RoleAssistant:
			content.Role = genai.RoleModel
		default:
			// Tool results come from the user side in Gemini.
			content.Role = genai.RoleUser
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{
				Text: msg.Content,
			})
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					Name: tc.Name,
					Args: args,
				},
			})
		}

		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{
					"result": tr.Content,
					"error":  tr.IsError,
				}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameFromID(tr.ToolCallID, messages),
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result, nil
}

func (p *GoogleProvider) buildConfig(req *Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{
				{Text: req.System},
			},
		}
	}

	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}

	if len(req.Tools) > 0 {
		config.Tools = toGeminiTools(req.Tools)
	}

	return config
}

// toGeminiTools converts tool specs to Gemini function declarations.
func toGeminiTools(tools []ToolSpec) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}

	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			continue
		}

		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}

	if len(declarations) == 0 {
		return nil
	}

	return []*genai.Tool{
		{
			FunctionDeclarations: declarations,
		},
	}
}

// toGeminiSchema converts a JSON Schema map to Gemini's typed Schema,
// recursing through properties and array items.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}

	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}

	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}

	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}

	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}

	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}

	return schema
}

func (p *GoogleProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	providerErr := NewProviderError("google", model, err)

	// The SDK reports failures as plain errors; recover the status code
	// from the message where possible.
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "401") || strings.Contains(errMsg, "unauthenticated"):
		providerErr = providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(errMsg, "403") || strings.Contains(errMsg, "permission denied"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(errMsg, "404") || strings.Contains(errMsg, "not found"):
		providerErr = providerErr.WithStatus(http.StatusNotFound)
	case strings.Contains(errMsg, "429") || strings.Contains(errMsg, "resource exhausted"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(errMsg, "500"):
		providerErr = providerErr.WithStatus(http.StatusInternalServerError)
	case strings.Contains(errMsg, "503"):
		providerErr = providerErr.WithStatus(http.StatusServiceUnavailable)
	}

	return providerErr
}

// generateToolCallID synthesizes an ID for a Gemini function call, which the
// API does not provide.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// toolNameFromID recovers the function name for a tool result by scanning
// earlier tool calls, falling back to the synthesized ID format.
func toolNameFromID(toolCallID string, messages []Message) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	parts := strings.Split(toolCallID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

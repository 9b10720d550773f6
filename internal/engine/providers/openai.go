package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Provider for OpenAI's Chat Completions API.
//
// OpenAI streams tool calls incrementally: the first fragment for a call
// carries its ID and function name, later fragments carry argument JSON
// pieces keyed by the call's index. The adapter surfaces those phases as
// start, delta, and end chunks without ever parsing the partial JSON.
type OpenAIProvider struct {
	client *openai.Client

	defaultModel string
}

// OpenAIConfig holds the settings for an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey is the OpenAI API authentication key (required).
	APIKey string

	// BaseURL overrides the default API base URL.
	BaseURL string

	// DefaultModel is used when the request does not specify a model.
	DefaultModel string
}

// NewOpenAIProvider creates a provider with the given configuration.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}

	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	var client *openai.Client
	if config.BaseURL != "" {
		clientConfig := openai.DefaultConfig(config.APIKey)
		clientConfig.BaseURL = config.BaseURL
		client = openai.NewClientWithConfig(clientConfig)
	} else {
		client = openai.NewClient(config.APIKey)
	}

	return &OpenAIProvider{
		client:       client,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Send performs a blocking completion by collecting the stream.
func (p *OpenAIProvider) Send(ctx context.Context, req *Request) (*Response, error) {
	chunks, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(chunks)
}

// Stream sends the request and returns a channel of incremental chunks.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	model := p.getModel(req.Model)

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: p.convertMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	chunks := make(chan Chunk)
	go p.processStream(ctx, stream, chunks, model)

	return chunks, nil
}

// openaiCall tracks one in-flight tool call during streaming. OpenAI keys
// fragments by index rather than ID, so the ID and name land on the first
// fragment and argument pieces follow.
type openaiCall struct {
	id      string
	name    string
	started bool
	ended   bool
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- Chunk, model string) {
	defer close(chunks)
	defer stream.Close()

	calls := make(map[int]*openaiCall)
	finish := FinishEndTurn
	var usage Usage

	// Emits end chunks for every started call, in index order.
	endCalls := func() {
		indexes := make([]int, 0, len(calls))
		for index := range calls {
			indexes = append(indexes, index)
		}
		sort.Ints(indexes)

		for _, index := range indexes {
			call := calls[index]
			if call.started && !call.ended {
				call.ended = true
				chunks <- Chunk{Kind: ChunkToolCallEnd, ToolCallID: call.id}
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- Chunk{Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				endCalls()
				chunks <- Chunk{Kind: ChunkDone, FinishReason: finish, Usage: usage}
				return
			}
			chunks <- Chunk{Err: p.wrapError(err, model)}
			return
		}

		// The final usage frame arrives with an empty choice list when
		// stream options request it.
		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}

		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			chunks <- Chunk{Kind: ChunkTextDelta, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}

			call := calls[index]
			if call == nil {
				call = &openaiCall{}
				calls[index] = call
			}

			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}

			if !call.started && call.id != "" && call.name != "" {
				call.started = true
				chunks <- Chunk{
					Kind:       ChunkToolCallStart,
					ToolCallID: call.id,
					ToolName:   call.name,
				}
			}

			if tc.Function.Arguments != "" && call.started {
				chunks <- Chunk{
					Kind:             ChunkToolCallDelta,
					ToolCallID:       call.id,
					ArgumentFragment: tc.Function.Arguments,
				}
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			finish = FinishToolUse
			endCalls()
		case openai.FinishReasonLength:
			finish = FinishMaxTokens
		case openai.FinishReasonStop:
			finish = FinishEndTurn
		}
	}
}

// convertMessages translates neutral messages into OpenAI's chat format. The
// system prompt becomes the first message, and each tool result becomes its
// own message with role "tool" linked by ToolCallID.
func (p *OpenAIProvider) convertMessages(messages []Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		case RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return result
}

func (p *OpenAIProvider) convertTools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			// A bad schema on one tool should not break the rest.
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}

	return result
}

func (p *OpenAIProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			providerErr = providerErr.WithMessage(apiErr.Message)
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		}
		return providerErr
	}

	return NewProviderError("openai", model, err)
}

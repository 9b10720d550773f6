// Package providers implements the LLM vendor integrations behind the turn
// engine. Each provider wraps an official SDK and converts between the
// vendor's wire format and the engine's neutral request, response, and chunk
// types. All providers support blocking completion and incremental streaming
// with tool calling.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/strandcrm/strand/pkg/models"
)

// Message roles used in the neutral conversation format.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single turn in the neutral conversation format. Depending on
// the role it carries text, tool calls requested by the model, or results
// being fed back to the model.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolSpec describes one tool exposed to the model. Schema is a JSON Schema
// document for the tool's arguments.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is a vendor-neutral completion request.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// FinishReason explains why the model stopped generating.
type FinishReason string

const (
	// FinishEndTurn means the model completed its response normally.
	FinishEndTurn FinishReason = "end_turn"

	// FinishToolUse means the model stopped to request tool execution.
	FinishToolUse FinishReason = "tool_use"

	// FinishMaxTokens means generation was truncated at the token limit.
	FinishMaxTokens FinishReason = "max_tokens"

	// FinishError means the stream terminated with an error.
	FinishError FinishReason = "error"
)

// Usage holds token accounting reported by the vendor for one request.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChunkKind discriminates the streaming chunk variants.
type ChunkKind string

const (
	// ChunkTextDelta carries an incremental piece of assistant text.
	ChunkTextDelta ChunkKind = "text_delta"

	// ChunkToolCallStart announces a new tool call with its ID and name.
	ChunkToolCallStart ChunkKind = "tool_call_start"

	// ChunkToolCallDelta carries a fragment of a tool call's argument JSON.
	// Fragments are raw text and must not be parsed until the call ends.
	ChunkToolCallDelta ChunkKind = "tool_call_delta"

	// ChunkToolCallEnd marks a tool call's arguments as complete.
	ChunkToolCallEnd ChunkKind = "tool_call_end"

	// ChunkDone is the terminal chunk of a successful stream. It carries
	// the finish reason and token usage.
	ChunkDone ChunkKind = "done"
)

// Chunk is one event in a provider stream. Exactly one of the kind-specific
// field groups is populated. A chunk with Err set is terminal and the channel
// is closed immediately after.
type Chunk struct {
	Kind ChunkKind

	// Text is set for ChunkTextDelta.
	Text string

	// ToolCallID is set for all tool call chunk kinds. ToolName is set on
	// ChunkToolCallStart only; ArgumentFragment on ChunkToolCallDelta only.
	ToolCallID       string
	ToolName         string
	ArgumentFragment string

	// FinishReason and Usage are set for ChunkDone.
	FinishReason FinishReason
	Usage        Usage

	// Err signals a terminal stream failure.
	Err error
}

// Response is an assembled, complete model response.
type Response struct {
	Text         string
	ToolCalls    []models.ToolCall
	FinishReason FinishReason
	Usage        Usage
}

// Provider is the interface every vendor adapter implements.
//
// Send blocks until the full response is available. Stream returns a channel
// of incremental chunks; the channel is closed after the terminal chunk
// (ChunkDone or a chunk with Err set). Both honor context cancellation.
type Provider interface {
	Name() string
	Send(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Factory constructs a provider bound to a decrypted API key. The key is
// held by the returned provider for the duration of its use and is never
// persisted by this package.
type Factory func(apiKey string) (Provider, error)

// Registry maps provider names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}

	r.Register("anthropic", func(apiKey string) (Provider, error) {
		return NewAnthropicProvider(AnthropicConfig{APIKey: apiKey})
	})
	r.Register("openai", func(apiKey string) (Provider, error) {
		return NewOpenAIProvider(OpenAIConfig{APIKey: apiKey})
	})
	r.Register("google", func(apiKey string) (Provider, error) {
		return NewGoogleProvider(GoogleConfig{APIKey: apiKey})
	})

	return r
}

// Register adds or replaces a factory under the given name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// For constructs a provider for the named vendor using the given API key.
func (r *Registry) For(name, apiKey string) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return factory(apiKey)
}

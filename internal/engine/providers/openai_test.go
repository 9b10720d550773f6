package providers

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/strandcrm/strand/pkg/models"
)

func TestOpenAIConvertMessages(t *testing.T) {
	p := &OpenAIProvider{defaultModel: "gpt-4o"}

	tests := []struct {
		name     string
		messages []Message
		system   string
		wantLen  int
	}{
		{
			name: "basic text messages",
			messages: []Message{
				{Role: RoleUser, Content: "Hello"},
				{Role: RoleAssistant, Content: "Hi there!"},
			},
			system:  "You are a CRM assistant",
			wantLen: 3, // system + 2 messages
		},
		{
			name: "assistant with tool calls",
			messages: []Message{
				{Role: RoleUser, Content: "Find the Acme contact"},
				{
					Role: RoleAssistant,
					ToolCalls: []models.ToolCall{
						{
							ID:    "call_123",
							Name:  "search_contacts",
							Input: json.RawMessage(`{"query":"acme"}`),
						},
					},
				},
			},
			wantLen: 2,
		},
		{
			name: "tool results become separate tool messages",
			messages: []Message{
				{
					Role: RoleTool,
					ToolResults: []models.ToolResult{
						{ToolCallID: "call_1", Content: "found 2 contacts"},
						{ToolCallID: "call_2", Content: "no orders"},
					},
				},
			},
			wantLen: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.convertMessages(tt.messages, tt.system)
			if len(got) != tt.wantLen {
				t.Fatalf("convertMessages() returned %d messages, want %d", len(got), tt.wantLen)
			}
			if tt.system != "" {
				if got[0].Role != openai.ChatMessageRoleSystem || got[0].Content != tt.system {
					t.Errorf("first message = %+v, want system prompt", got[0])
				}
			}
		})
	}
}

func TestOpenAIConvertMessagesToolCallFields(t *testing.T) {
	p := &OpenAIProvider{}

	got := p.convertMessages([]Message{
		{
			Role: RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_9", Name: "create_order", Input: json.RawMessage(`{"contact_id":"c1"}`)},
			},
		},
	}, "")

	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	tc := got[0].ToolCalls[0]
	if tc.ID != "call_9" || tc.Type != openai.ToolTypeFunction {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Name != "create_order" || tc.Function.Arguments != `{"contact_id":"c1"}` {
		t.Errorf("function = %+v", tc.Function)
	}
}

func TestOpenAIConvertTools(t *testing.T) {
	p := &OpenAIProvider{}

	tools := []ToolSpec{
		{
			Name:        "search_contacts",
			Description: "Search contacts by name or email",
			Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
		},
		{
			Name:        "broken",
			Description: "has a bad schema",
			Schema:      json.RawMessage(`{not json`),
		},
	}

	got := p.convertTools(tools)
	if len(got) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(got))
	}

	if got[0].Function.Name != "search_contacts" {
		t.Errorf("tool name = %s", got[0].Function.Name)
	}

	// A bad schema degrades to an empty object schema instead of failing.
	params, ok := got[1].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("degraded parameters have type %T", got[1].Function.Parameters)
	}
	if params["type"] != "object" {
		t.Errorf("degraded schema = %v", params)
	}
}

func TestNewOpenAIProviderRequiresKey(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

package engine

import (
	"encoding/json"
	"strings"

	"github.com/strandcrm/strand/internal/engine/providers"
	"github.com/strandcrm/strand/pkg/models"
)

const platformPreamble = `You are an AI assistant embedded in a business platform. You help users manage their CRM and ERP data through conversation.

You have access to tools for reading and modifying business records. Use them when the user's request requires live data; answer directly when it does not. Before taking any action that creates, modifies, or commits business data, state what you are about to do. Some actions require explicit human approval before they execute; when an action is held for approval, tell the user it is awaiting confirmation rather than pretending it completed.

Keep responses concise and grounded in the data the tools return. Never invent record IDs or field values.`

// BuildSystemPrompt assembles the model-facing system prompt from the fixed
// platform preamble and the agent's custom instructions.
func BuildSystemPrompt(agent *models.Agent) string {
	var b strings.Builder
	b.WriteString(platformPreamble)

	if agent != nil {
		b.WriteString("\n\nYour name is ")
		b.WriteString(agent.Name)
		b.WriteString(".")

		if custom := strings.TrimSpace(agent.SystemPrompt); custom != "" {
			b.WriteString("\n\n")
			b.WriteString(custom)
		}
	}

	return b.String()
}

// ToNeutralMessages maps stored conversation history onto the vendor-neutral
// message list. The mapping is deterministic and order-preserving and is
// re-derived from storage on every turn.
//
// action_request messages are UI-only and never reach the model. Agent
// tool_call messages become assistant messages with their tool calls
// reconstructed from metadata; tool_result and action_result messages become
// tool-role messages keyed by the originating call id.
func ToNeutralMessages(msgs []*models.Message, agentID string) []providers.Message {
	result := make([]providers.Message, 0, len(msgs))

	for _, msg := range msgs {
		switch msg.ContentType {
		case models.ContentActionRequest:
			continue

		case models.ContentToolCall:
			if msg.SenderType != models.SenderAgent {
				continue
			}
			call, ok := toolCallFromMetadata(msg.Metadata)
			if !ok {
				continue
			}
			result = append(result, providers.Message{
				Role:      providers.RoleAssistant,
				Content:   msg.Content,
				ToolCalls: []models.ToolCall{call},
			})

		case models.ContentToolResult, models.ContentActionResult:
			callID, _ := msg.Metadata[models.MetaToolCallID].(string)
			if callID == "" {
				continue
			}
			isError, _ := msg.Metadata[models.MetaIsError].(bool)
			result = append(result, providers.Message{
				Role: providers.RoleTool,
				ToolResults: []models.ToolResult{
					{
						ToolCallID: callID,
						Content:    msg.Content,
						IsError:    isError,
					},
				},
			})

		default:
			if msg.Content == "" {
				continue
			}
			role := providers.RoleUser
			if msg.SenderType == models.SenderAgent && msg.SenderID == agentID {
				role = providers.RoleAssistant
			}
			result = append(result, providers.Message{
				Role:    role,
				Content: msg.Content,
			})
		}
	}

	return result
}

// toolCallFromMetadata reconstructs a tool call from message metadata. The
// arguments may be stored as a JSON string or as a decoded map depending on
// the storage backend.
func toolCallFromMetadata(metadata map[string]any) (models.ToolCall, bool) {
	id, _ := metadata[models.MetaToolCallID].(string)
	name, _ := metadata[models.MetaToolName].(string)
	if id == "" || name == "" {
		return models.ToolCall{}, false
	}

	input := json.RawMessage("{}")
	switch args := metadata[models.MetaToolArgs].(type) {
	case string:
		if json.Valid([]byte(args)) {
			input = json.RawMessage(args)
		}
	case map[string]any:
		if raw, err := json.Marshal(args); err == nil {
			input = raw
		}
	}

	return models.ToolCall{ID: id, Name: name, Input: input}, true
}

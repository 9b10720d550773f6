// Package models defines the shared domain records for the Strand platform:
// agents, conversations, messages, action logs, and credentials. These types
// are plain data; behavior lives in the internal packages that operate on them.
package models

import (
	"encoding/json"
	"time"
)

// AgentStatus represents the lifecycle state of a configured agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentPaused   AgentStatus = "paused"
	AgentDisabled AgentStatus = "disabled"
)

// Agent is a configured AI persona bound to a provider/model and a set of
// permitted tools. The turn engine reads agents but never mutates them.
type Agent struct {
	ID           string      `json:"id"`
	OrgID        string      `json:"org_id"`
	Name         string      `json:"name"`
	Status       AgentStatus `json:"status"`
	SystemPrompt string      `json:"system_prompt,omitempty"`
	Provider     string      `json:"provider"`
	Model        string      `json:"model"`
	// ToolKeys lists the registry keys of tools this agent may invoke.
	ToolKeys []string `json:"tool_keys,omitempty"`
	// Permissions are the grants held by the agent, checked against each
	// tool's required permission by the engine.
	Permissions []string  `json:"permissions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ConversationStatus represents the state of a conversation thread.
type ConversationStatus string

const (
	ConversationOpen     ConversationStatus = "open"
	ConversationResolved ConversationStatus = "resolved"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation is a message thread between users and an agent within one
// organization.
type Conversation struct {
	ID            string             `json:"id"`
	OrgID         string             `json:"org_id"`
	AgentID       string             `json:"agent_id"`
	Status        ConversationStatus `json:"status"`
	LastMessageAt time.Time          `json:"last_message_at"`
	CreatedAt     time.Time          `json:"created_at"`
}

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
)

// ContentType classifies a message's payload.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentToolCall   ContentType = "tool_call"
	ContentToolResult ContentType = "tool_result"
	// ContentActionRequest marks a UI-only approval prompt. It is never sent
	// to the model.
	ContentActionRequest ContentType = "action_request"
	ContentActionResult  ContentType = "action_result"
)

// Metadata keys carried on tool-related messages.
const (
	MetaToolCallID = "tool_call_id"
	MetaToolName   = "tool_name"
	MetaToolArgs   = "tool_args"
	MetaActionID   = "action_id"
	MetaIsError    = "is_error"
)

// Message is an immutable, append-only conversation record. The ordered
// message sequence is the sole source of truth for conversation history.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	OrgID          string         `json:"org_id"`
	SenderType     SenderType     `json:"sender_type"`
	SenderID       string         `json:"sender_id"`
	ContentType    ContentType    `json:"content_type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution, keyed to the
// originating tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ActionStatus represents an action log entry's lifecycle state.
type ActionStatus string

const (
	ActionSuccess         ActionStatus = "success"
	ActionFailed          ActionStatus = "failed"
	ActionPendingApproval ActionStatus = "pending_approval"

	// ActionExecuting marks a pending action claimed by an approver whose
	// tool is currently running. The claim happens before execution so a
	// concurrent second approval cannot run the tool again.
	ActionExecuting ActionStatus = "executing"
)

// ActionLog is the durable record of one tool invocation's lifecycle. A
// pending_approval row is the handle that lets a suspended turn resume
// arbitrarily later, across process restarts.
type ActionLog struct {
	ID             string          `json:"id"`
	OrgID          string          `json:"org_id"`
	ConversationID string          `json:"conversation_id"`
	AgentID        string          `json:"agent_id"`
	ToolCallID     string          `json:"tool_call_id"`
	ToolKey        string          `json:"tool_key"`
	Input          json.RawMessage `json:"input"`
	Output         string          `json:"output,omitempty"`
	Status         ActionStatus    `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	DecidedBy      string          `json:"decided_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// Credential is an encrypted provider API key scoped to one organization and
// provider. The plaintext exists only transiently inside the engine call path.
type Credential struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	Provider   string    `json:"provider"`
	Ciphertext []byte    `json:"-"`
	Nonce      []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OrgContext carries the already-authorized organization scope into tool
// handlers. Handlers must scope every data access to OrgID.
type OrgContext struct {
	OrgID   string `json:"org_id"`
	AgentID string `json:"agent_id,omitempty"`
}

// OrderStatus represents an order's lifecycle state.
type OrderStatus string

const (
	OrderDraft     OrderStatus = "draft"
	OrderPlaced    OrderStatus = "placed"
	OrderCancelled OrderStatus = "cancelled"
)

// Contact is a CRM contact record.
type Contact struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Company   string    `json:"company,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Order is an ERP order record attached to a contact.
type Order struct {
	ID         string      `json:"id"`
	OrgID      string      `json:"org_id"`
	ContactID  string      `json:"contact_id"`
	Status     OrderStatus `json:"status"`
	TotalCents int64       `json:"total_cents"`
	Currency   string      `json:"currency"`
	Notes      string      `json:"notes,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

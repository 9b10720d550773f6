// Package tools defines the business tool registry the turn engine executes
// against. Tools are registered once at startup, indexed both by storage key
// and by the model-facing name, and validate model-supplied arguments against
// their declared JSON schema before the handler runs.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/strandcrm/strand/pkg/models"
)

// Handler executes a tool against platform data. Handlers receive the org
// context of the conversation being served and must scope every read and
// write to it. The returned string is relayed to the model as the tool
// result.
type Handler func(ctx context.Context, org models.OrgContext, args map[string]any) (string, error)

// Tool describes one registered tool.
type Tool struct {
	// Key is the stable storage identifier, e.g. "crm.contacts.search".
	// Agents reference tools by key; keys appear in action logs.
	Key string

	// Name is the model-facing function name, e.g. "search_contacts".
	Name string

	// Description tells the model what the tool does.
	Description string

	// Parameters is a JSON Schema document for the tool's arguments.
	Parameters json.RawMessage

	// RequiredPermission names the agent permission needed to expose this
	// tool, if any.
	RequiredPermission string

	// Destructive marks tools whose execution requires human approval.
	Destructive bool

	// Handler runs the tool.
	Handler Handler
}

// Definition is the model-facing view of a tool, handed to providers.
type Definition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// UnknownToolError reports a tool name the model invented. It is
// distinguishable from execution failures so the engine can relay a
// corrective result instead of failing the turn.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// ToolExecutionError wraps a handler or argument validation failure.
type ToolExecutionError struct {
	Tool  string
	Cause error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Cause
}

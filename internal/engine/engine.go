// Package engine drives agent turns: it assembles conversation context,
// calls the configured LLM provider, executes or defers the tool calls the
// model requests, and persists and emits every resulting message.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/strandcrm/strand/internal/engine/providers"
	"github.com/strandcrm/strand/internal/observability"
	"github.com/strandcrm/strand/internal/realtime"
	"github.com/strandcrm/strand/internal/store"
	"github.com/strandcrm/strand/internal/tools"
	"github.com/strandcrm/strand/internal/vault"
	"github.com/strandcrm/strand/pkg/models"
)

// Options configures engine behavior.
type Options struct {
	// MaxIterations caps model-call loops per turn. Default: 10.
	MaxIterations int

	// MaxTokens is the per-response token budget. Default: 4096.
	MaxTokens int

	// Logger receives engine diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// Metrics records turn, provider, and tool counters. Optional.
	Metrics *observability.Metrics
}

func sanitizeOptions(opts Options) Options {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 10
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Engine is the turn state machine. It is safe for concurrent use; turns for
// the same conversation are serialized, turns for different conversations
// run independently.
type Engine struct {
	store     store.Store
	tools     *tools.Registry
	providers *providers.Registry
	emitter   realtime.Emitter
	vault     *vault.Vault
	opts      Options

	locksMu sync.Mutex
	locks   map[string]*convLock
}

// New creates an engine. A nil emitter falls back to realtime.NopEmitter.
func New(st store.Store, toolReg *tools.Registry, provReg *providers.Registry, emitter realtime.Emitter, v *vault.Vault, opts Options) *Engine {
	if emitter == nil {
		emitter = realtime.NopEmitter{}
	}
	return &Engine{
		store:     st,
		tools:     toolReg,
		providers: provReg,
		emitter:   emitter,
		vault:     v,
		opts:      sanitizeOptions(opts),
		locks:     make(map[string]*convLock),
	}
}

// Turn outcomes recorded in metrics.
const (
	outcomeCompleted = "completed"
	outcomeSuspended = "suspended"
	outcomeError     = "error"
)

// RunTurn processes one inbound user message: it persists the message, then
// loops between the model and the tool registry until the model yields a
// terminal response or a destructive tool call suspends the turn.
//
// Credential and storage failures return as errors before or during the turn;
// model and tool failures become conversational messages instead.
func (e *Engine) RunTurn(ctx context.Context, conv *models.Conversation, agent *models.Agent, userMsg *models.Message) error {
	if conv == nil || agent == nil || userMsg == nil {
		return errors.New("conversation, agent, and message are required")
	}

	unlock := e.lockConversation(conv.ID)
	defer unlock()

	userMsg.ConversationID = conv.ID
	userMsg.OrgID = conv.OrgID
	if userMsg.SenderType == "" {
		userMsg.SenderType = models.SenderUser
	}
	if userMsg.ContentType == "" {
		userMsg.ContentType = models.ContentText
	}
	if err := e.appendAndEmit(ctx, conv, userMsg); err != nil {
		return err
	}

	return e.runLoop(ctx, conv, agent)
}

// ResumeAfterApproval re-enters the model loop after an approved tool call
// has executed. The caller (approval handler) has already recorded the
// action_result message; the resume adds a synthetic user turn asking the
// model to summarize the outcome. When result is non-empty it is carried in
// that synthetic turn, for callers whose action_result message holds only a
// status line rather than the raw tool output.
//
// The lock is re-acquired here because resumption happens arbitrarily later,
// possibly in a different process than the suspended turn.
func (e *Engine) ResumeAfterApproval(ctx context.Context, conv *models.Conversation, agent *models.Agent, result string) error {
	if conv == nil || agent == nil {
		return errors.New("conversation and agent are required")
	}

	unlock := e.lockConversation(conv.ID)
	defer unlock()

	content := "The requested action has been completed. Please summarize the result for the user."
	if result != "" {
		content = fmt.Sprintf("The requested action has been completed with this result:\n\n%s\n\nPlease summarize the outcome for the user.", result)
	}
	synthetic := &models.Message{
		ConversationID: conv.ID,
		OrgID:          conv.OrgID,
		SenderType:     models.SenderSystem,
		ContentType:    models.ContentText,
		Content:        content,
	}
	if err := e.appendAndEmit(ctx, conv, synthetic); err != nil {
		return err
	}

	return e.runLoop(ctx, conv, agent)
}

// runLoop is the ModelCall -> {ToolExecuting|AwaitingApproval} -> ModelCall
// cycle. The caller must hold the conversation lock.
func (e *Engine) runLoop(ctx context.Context, conv *models.Conversation, agent *models.Agent) error {
	start := time.Now()
	outcome := outcomeError
	defer func() {
		e.opts.Metrics.RecordTurn(outcome, time.Since(start).Seconds())
	}()

	provider, err := e.providerFor(ctx, conv.OrgID, agent)
	if err != nil {
		return err
	}

	system := BuildSystemPrompt(agent)
	specs := e.toolSpecs(agent)

	for iteration := 0; iteration < e.opts.MaxIterations; iteration++ {
		history, err := e.store.ListMessages(ctx, conv.OrgID, conv.ID)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}

		req := &providers.Request{
			Model:     agent.Model,
			System:    system,
			Messages:  ToNeutralMessages(history, agent.ID),
			Tools:     specs,
			MaxTokens: e.opts.MaxTokens,
		}

		response, err := e.callModel(ctx, conv, provider, req)
		if err != nil {
			e.opts.Metrics.RecordProviderRequest(provider.Name(), "error")
			e.opts.Logger.Warn("model call failed",
				"error", err, "provider", provider.Name(), "conversation_id", conv.ID)

			if persistErr := e.persistAssistantText(ctx, conv, agent,
				"I ran into a problem reaching the language model. Please try again in a moment."); persistErr != nil {
				return persistErr
			}
			return nil
		}
		e.opts.Metrics.RecordProviderRequest(provider.Name(), "success")

		// Companion text persists even when tool calls continue the loop.
		if response.Text != "" {
			if err := e.persistAssistantText(ctx, conv, agent, response.Text); err != nil {
				return err
			}
		}

		if len(response.ToolCalls) == 0 {
			if response.FinishReason == providers.FinishToolUse {
				// The vendor signaled tool use but delivered no calls.
				if err := e.persistAssistantText(ctx, conv, agent,
					"I received an incomplete response from the language model and stopped this turn. Please try again."); err != nil {
					return err
				}
			}
			outcome = outcomeCompleted
			return nil
		}

		suspended, err := e.handleToolCalls(ctx, conv, agent, response.ToolCalls)
		if err != nil {
			return err
		}
		if suspended {
			outcome = outcomeSuspended
			return nil
		}
	}

	// Iteration cap reached.
	e.opts.Logger.Warn("turn hit iteration cap", "conversation_id", conv.ID, "max_iterations", e.opts.MaxIterations)
	if err := e.persistAssistantText(ctx, conv, agent,
		"I stopped this request because it required too many consecutive tool calls. Please break it into smaller steps."); err != nil {
		return err
	}
	outcome = outcomeCompleted
	return nil
}

// providerFor decrypts the organization's credential and constructs the
// adapter. The plaintext key is passed straight to the SDK client and not
// retained.
func (e *Engine) providerFor(ctx context.Context, orgID string, agent *models.Agent) (providers.Provider, error) {
	cred, err := e.store.GetCredential(ctx, orgID, agent.Provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &vault.CredentialError{Op: "lookup", Cause: fmt.Errorf("no %s credential for org %s", agent.Provider, orgID)}
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}

	apiKey, err := e.vault.OpenCredential(cred)
	if err != nil {
		return nil, err
	}

	return e.providers.For(agent.Provider, apiKey)
}

func (e *Engine) toolSpecs(agent *models.Agent) []providers.ToolSpec {
	defs := e.tools.DefinitionsFor(agent.ToolKeys)
	specs := make([]providers.ToolSpec, len(defs))
	for i, def := range defs {
		specs[i] = providers.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Schema:      def.Parameters,
		}
	}
	return specs
}

// callModel streams one model response, forwarding text deltas to the
// conversation room as ephemeral events and assembling the complete response.
func (e *Engine) callModel(ctx context.Context, conv *models.Conversation, provider providers.Provider, req *providers.Request) (*providers.Response, error) {
	chunks, err := provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	room := realtime.ConversationRoom(conv.ID)
	assembler := providers.NewCallAssembler()
	var text []byte
	response := &providers.Response{FinishReason: providers.FinishEndTurn}

	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}

		switch chunk.Kind {
		case providers.ChunkTextDelta:
			text = append(text, chunk.Text...)
			e.emitter.Emit(room, "text-delta", map[string]any{"content": chunk.Text})

		case providers.ChunkToolCallStart, providers.ChunkToolCallDelta, providers.ChunkToolCallEnd:
			assembler.Observe(chunk)

		case providers.ChunkDone:
			response.FinishReason = chunk.FinishReason
			response.Usage = chunk.Usage
		}
	}

	response.Text = string(text)
	response.ToolCalls = assembler.Calls()
	return response, nil
}

// handleToolCalls resolves each requested call in response order. It returns
// suspended=true when a destructive call halted the turn for approval. Calls
// after the suspending one are not executed; they get error results so the
// model learns on resume that they were discarded.
func (e *Engine) handleToolCalls(ctx context.Context, conv *models.Conversation, agent *models.Agent, calls []models.ToolCall) (bool, error) {
	org := models.OrgContext{OrgID: conv.OrgID, AgentID: agent.ID}

	for i, call := range calls {
		if err := e.persistToolCall(ctx, conv, agent, call); err != nil {
			return false, err
		}

		tool, err := e.resolveTool(agent, call.Name)
		if err != nil {
			// Unknown or unbound tool: feed the failure back to the model.
			if recordErr := e.recordToolFailure(ctx, conv, agent, call, err.Error()); recordErr != nil {
				return false, recordErr
			}
			continue
		}

		if tool.Destructive {
			if err := e.suspendForApproval(ctx, conv, agent, tool, call); err != nil {
				return false, err
			}
			for _, rest := range calls[i+1:] {
				if err := e.persistToolCall(ctx, conv, agent, rest); err != nil {
					return false, err
				}
				if err := e.recordToolFailure(ctx, conv, agent, rest,
					"not executed: an earlier action in this response is awaiting approval; request it again if still needed"); err != nil {
					return false, err
				}
			}
			return true, nil
		}

		if err := e.executeTool(ctx, conv, agent, org, tool, call); err != nil {
			return false, err
		}
	}

	return false, nil
}

// resolveTool looks the call up by model-facing name and checks the agent's
// binding and permission grant.
func (e *Engine) resolveTool(agent *models.Agent, name string) (*tools.Tool, error) {
	tool, err := e.tools.ByName(name)
	if err != nil {
		return nil, err
	}

	bound := false
	for _, key := range agent.ToolKeys {
		if key == tool.Key {
			bound = true
			break
		}
	}
	if !bound {
		return nil, &tools.UnknownToolError{Name: name}
	}

	if tool.RequiredPermission != "" {
		granted := false
		for _, perm := range agent.Permissions {
			if perm == tool.RequiredPermission {
				granted = true
				break
			}
		}
		if !granted {
			return nil, fmt.Errorf("agent lacks permission %q required by tool %s", tool.RequiredPermission, name)
		}
	}

	return tool, nil
}

// executeTool runs one non-destructive call: ActionLog row, handler, and the
// tool_result message the model sees next iteration.
func (e *Engine) executeTool(ctx context.Context, conv *models.Conversation, agent *models.Agent, org models.OrgContext, tool *tools.Tool, call models.ToolCall) error {
	args, err := decodeCallArgs(call.Input)
	if err != nil {
		return e.recordToolFailure(ctx, conv, agent, call, fmt.Sprintf("invalid arguments: %v", err))
	}

	output, execErr := e.tools.ExecuteTool(ctx, tool, org, args)

	log := &models.ActionLog{
		OrgID:          conv.OrgID,
		ConversationID: conv.ID,
		AgentID:        agent.ID,
		ToolCallID:     call.ID,
		ToolKey:        tool.Key,
		Input:          call.Input,
	}

	if execErr != nil {
		e.opts.Metrics.RecordToolExecution(tool.Key, "error")
		log.Status = models.ActionFailed
		log.Reason = execErr.Error()
		if err := e.store.CreateActionLog(ctx, log); err != nil {
			return fmt.Errorf("record action log: %w", err)
		}
		return e.appendToolResult(ctx, conv, call.ID, fmt.Sprintf("Tool error: %v", execErr), true)
	}

	e.opts.Metrics.RecordToolExecution(tool.Key, "success")
	log.Status = models.ActionSuccess
	log.Output = output
	if err := e.store.CreateActionLog(ctx, log); err != nil {
		return fmt.Errorf("record action log: %w", err)
	}
	return e.appendToolResult(ctx, conv, call.ID, output, false)
}

// suspendForApproval records the pending ActionLog and the UI-facing
// action_request message, then leaves the turn halted. The pending row is the
// durable handle the approval handler resumes from.
func (e *Engine) suspendForApproval(ctx context.Context, conv *models.Conversation, agent *models.Agent, tool *tools.Tool, call models.ToolCall) error {
	log := &models.ActionLog{
		OrgID:          conv.OrgID,
		ConversationID: conv.ID,
		AgentID:        agent.ID,
		ToolCallID:     call.ID,
		ToolKey:        tool.Key,
		Input:          call.Input,
		Status:         models.ActionPendingApproval,
	}
	if err := e.store.CreateActionLog(ctx, log); err != nil {
		return fmt.Errorf("record pending action: %w", err)
	}

	request := &models.Message{
		ConversationID: conv.ID,
		OrgID:          conv.OrgID,
		SenderType:     models.SenderAgent,
		SenderID:       agent.ID,
		ContentType:    models.ContentActionRequest,
		Content:        fmt.Sprintf("Approval required to run %s.", tool.Name),
		Metadata: map[string]any{
			models.MetaActionID:   log.ID,
			models.MetaToolCallID: call.ID,
			models.MetaToolName:   tool.Name,
			models.MetaToolArgs:   string(call.Input),
		},
	}
	if err := e.appendAndEmit(ctx, conv, request); err != nil {
		return err
	}

	e.opts.Logger.Info("turn suspended for approval",
		"conversation_id", conv.ID, "action_id", log.ID, "tool", tool.Key)
	return nil
}

// recordToolFailure writes a failed ActionLog and the error-shaped
// tool_result the model reacts to next iteration.
func (e *Engine) recordToolFailure(ctx context.Context, conv *models.Conversation, agent *models.Agent, call models.ToolCall, reason string) error {
	e.opts.Metrics.RecordToolExecution(call.Name, "error")

	log := &models.ActionLog{
		OrgID:          conv.OrgID,
		ConversationID: conv.ID,
		AgentID:        agent.ID,
		ToolCallID:     call.ID,
		ToolKey:        call.Name,
		Input:          call.Input,
		Status:         models.ActionFailed,
		Reason:         reason,
	}
	if err := e.store.CreateActionLog(ctx, log); err != nil {
		return fmt.Errorf("record action log: %w", err)
	}

	return e.appendToolResult(ctx, conv, call.ID, "Tool error: "+reason, true)
}

func (e *Engine) persistToolCall(ctx context.Context, conv *models.Conversation, agent *models.Agent, call models.ToolCall) error {
	msg := &models.Message{
		ConversationID: conv.ID,
		OrgID:          conv.OrgID,
		SenderType:     models.SenderAgent,
		SenderID:       agent.ID,
		ContentType:    models.ContentToolCall,
		Metadata: map[string]any{
			models.MetaToolCallID: call.ID,
			models.MetaToolName:   call.Name,
			models.MetaToolArgs:   string(call.Input),
		},
	}
	return e.appendAndEmit(ctx, conv, msg)
}

func (e *Engine) appendToolResult(ctx context.Context, conv *models.Conversation, callID, content string, isError bool) error {
	msg := &models.Message{
		ConversationID: conv.ID,
		OrgID:          conv.OrgID,
		SenderType:     models.SenderSystem,
		ContentType:    models.ContentToolResult,
		Content:        content,
		Metadata: map[string]any{
			models.MetaToolCallID: callID,
			models.MetaIsError:    isError,
		},
	}
	return e.appendAndEmit(ctx, conv, msg)
}

func (e *Engine) persistAssistantText(ctx context.Context, conv *models.Conversation, agent *models.Agent, text string) error {
	msg := &models.Message{
		ConversationID: conv.ID,
		OrgID:          conv.OrgID,
		SenderType:     models.SenderAgent,
		SenderID:       agent.ID,
		ContentType:    models.ContentText,
		Content:        text,
	}
	return e.appendAndEmit(ctx, conv, msg)
}

// appendAndEmit persists a message, touches the conversation, and only then
// fans the event out. A late-joining reader of persisted history never sees
// a gap relative to what was emitted.
func (e *Engine) appendAndEmit(ctx context.Context, conv *models.Conversation, msg *models.Message) error {
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if err := e.store.TouchConversation(ctx, conv.OrgID, conv.ID, msg.CreatedAt); err != nil {
		e.opts.Logger.Warn("failed to touch conversation", "error", err, "conversation_id", conv.ID)
	}

	e.emitter.Emit(realtime.ConversationRoom(conv.ID), "new-message", msg)
	e.emitter.Emit(realtime.OrgRoom(conv.OrgID), "conversation-updated", map[string]any{
		"conversation_id": conv.ID,
		"last_message_at": msg.CreatedAt,
	})
	return nil
}

func decodeCallArgs(input json.RawMessage) (map[string]any, error) {
	if len(input) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

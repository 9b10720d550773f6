// Package approvals resolves pending destructive actions. Approval executes
// the held tool call and resumes the suspended conversation; rejection closes
// it out without a model call. Either way the decision is recorded on the
// action log and the conversation history stays consistent for the model.
package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/strandcrm/strand/internal/observability"
	"github.com/strandcrm/strand/internal/realtime"
	"github.com/strandcrm/strand/internal/store"
	"github.com/strandcrm/strand/internal/tools"
	"github.com/strandcrm/strand/pkg/models"
)

// ConflictError reports a decision against an action that is no longer
// pending. The stored state is not changed.
type ConflictError struct {
	ActionID string
	Status   models.ActionStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("action %s is already %s", e.ActionID, e.Status)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Resumer re-enters the turn loop after an approved action has executed.
// result, when non-empty, is raw tool output the resume prompt should carry.
// Satisfied by *engine.Engine.
type Resumer interface {
	ResumeAfterApproval(ctx context.Context, conv *models.Conversation, agent *models.Agent, result string) error
}

// Handler applies approval decisions.
type Handler struct {
	store   store.Store
	tools   *tools.Registry
	engine  Resumer
	emitter realtime.Emitter
	logger  *slog.Logger
	metrics *observability.Metrics

	// relayRaw persists an approved tool's raw output verbatim into the
	// conversation's action_result message. When false the conversation
	// gets a status line and the raw output travels only through the
	// resume prompt, so the user sees the model's summary instead; the
	// ActionLog row records the full output either way.
	relayRaw bool
}

// Config configures a Handler.
type Config struct {
	Store           store.Store
	Tools           *tools.Registry
	Engine          Resumer
	Emitter         realtime.Emitter
	Logger          *slog.Logger
	Metrics         *observability.Metrics
	RelayRawResults bool
}

// NewHandler creates a Handler. Store and Tools are required; a nil Engine
// disables resumption (the decision is still recorded), a nil Emitter
// disables events.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Store == nil || cfg.Tools == nil {
		return nil, errors.New("approvals: store and tools are required")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = realtime.NopEmitter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		store:    cfg.Store,
		tools:    cfg.Tools,
		engine:   cfg.Engine,
		emitter:  cfg.Emitter,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		relayRaw: cfg.RelayRawResults,
	}, nil
}

// Approve executes the pending action and resumes the conversation so the
// agent can summarize the outcome. A handler failure during execution does
// not fail the approval; it is recorded on the log and relayed to the agent
// like any other tool error.
//
// The row is claimed out of pending_approval with a compare-and-set before
// the tool runs, so two racing approvals execute the tool exactly once; the
// loser gets *ConflictError. Approving an action that is not pending also
// returns *ConflictError.
func (h *Handler) Approve(ctx context.Context, orgID, actionID, approverID string) error {
	log, err := h.store.GetActionLog(ctx, orgID, actionID)
	if err != nil {
		return err
	}
	if log.Status != models.ActionPendingApproval {
		return &ConflictError{ActionID: actionID, Status: log.Status}
	}

	claimed := *log
	claimed.Status = models.ActionExecuting
	claimed.DecidedBy = approverID
	if err := h.store.TransitionActionLog(ctx, &claimed, models.ActionPendingApproval); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			// Another decision raced ours after the initial read.
			current, getErr := h.store.GetActionLog(ctx, orgID, actionID)
			if getErr == nil {
				return &ConflictError{ActionID: actionID, Status: current.Status}
			}
		}
		return fmt.Errorf("claim action: %w", err)
	}

	output, execErr := h.execute(ctx, log)

	decided := claimed
	if execErr != nil {
		h.metrics.RecordToolExecution(log.ToolKey, "error")
		decided.Status = models.ActionFailed
		decided.Reason = execErr.Error()
	} else {
		h.metrics.RecordToolExecution(log.ToolKey, "success")
		decided.Status = models.ActionSuccess
		decided.Output = output
	}

	if err := h.store.TransitionActionLog(ctx, &decided, models.ActionExecuting); err != nil {
		return fmt.Errorf("record decision: %w", err)
	}

	content := "Action completed."
	resumeResult := output
	isError := false
	switch {
	case execErr != nil:
		content = "Action failed: " + execErr.Error()
		resumeResult = ""
		isError = true
	case h.relayRaw:
		// Raw output goes into history verbatim; the resume prompt
		// does not need to repeat it.
		content = output
		resumeResult = ""
	}
	conv, err := h.recordResult(ctx, &decided, content, isError)
	if err != nil {
		return err
	}

	h.emitDecision(&decided)
	h.logger.Info("action approved",
		"action_id", actionID, "tool", log.ToolKey, "decided_by", approverID, "status", decided.Status)

	if h.engine == nil {
		return nil
	}
	agent, err := h.store.GetAgent(ctx, orgID, log.AgentID)
	if err != nil {
		return fmt.Errorf("load agent for resume: %w", err)
	}
	return h.engine.ResumeAfterApproval(ctx, conv, agent, resumeResult)
}

// Reject closes the pending action without executing it. The conversation
// gets a short acknowledgment; no model call is made.
//
// Rejecting an action that is not pending returns *ConflictError, leaving
// the stored state untouched.
func (h *Handler) Reject(ctx context.Context, orgID, actionID, deciderID, reason string) error {
	log, err := h.store.GetActionLog(ctx, orgID, actionID)
	if err != nil {
		return err
	}
	if log.Status != models.ActionPendingApproval {
		return &ConflictError{ActionID: actionID, Status: log.Status}
	}

	if reason == "" {
		reason = "rejected"
	}
	decided := *log
	decided.Status = models.ActionFailed
	decided.Reason = reason
	decided.DecidedBy = deciderID

	if err := h.store.TransitionActionLog(ctx, &decided, models.ActionPendingApproval); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			current, getErr := h.store.GetActionLog(ctx, orgID, actionID)
			if getErr == nil {
				return &ConflictError{ActionID: actionID, Status: current.Status}
			}
		}
		return fmt.Errorf("record decision: %w", err)
	}

	conv, err := h.recordResult(ctx, &decided, "Action was not approved: "+reason, true)
	if err != nil {
		return err
	}

	ack := &models.Message{
		ConversationID: conv.ID,
		OrgID:          conv.OrgID,
		SenderType:     models.SenderAgent,
		SenderID:       log.AgentID,
		ContentType:    models.ContentText,
		Content:        fmt.Sprintf("The requested action was not approved (%s), so I have not carried it out.", reason),
	}
	if err := h.appendAndEmit(ctx, conv, ack); err != nil {
		return err
	}

	h.emitDecision(&decided)
	h.logger.Info("action rejected",
		"action_id", actionID, "tool", log.ToolKey, "decided_by", deciderID, "reason", reason)
	return nil
}

// execute runs the held tool call. The tool may have been unregistered since
// the action was recorded; that surfaces as an execution failure rather than
// a panic.
func (h *Handler) execute(ctx context.Context, log *models.ActionLog) (string, error) {
	tool, ok := h.tools.ByKey(log.ToolKey)
	if !ok {
		return "", fmt.Errorf("tool %s is no longer registered", log.ToolKey)
	}

	var args map[string]any
	if len(log.Input) > 0 {
		if err := json.Unmarshal(log.Input, &args); err != nil {
			return "", fmt.Errorf("stored arguments are not valid JSON: %w", err)
		}
	}

	org := models.OrgContext{OrgID: log.OrgID, AgentID: log.AgentID}
	return h.tools.ExecuteTool(ctx, tool, org, args)
}

// recordResult persists the action_result message that closes out the held
// tool call in conversation history. Without it the earlier tool_call message
// would dangle and the next model call would see an unanswered request.
func (h *Handler) recordResult(ctx context.Context, log *models.ActionLog, content string, isError bool) (*models.Conversation, error) {
	conv, err := h.store.GetConversation(ctx, log.OrgID, log.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		OrgID:          conv.OrgID,
		SenderType:     models.SenderSystem,
		ContentType:    models.ContentActionResult,
		Content:        content,
		Metadata: map[string]any{
			models.MetaActionID:   log.ID,
			models.MetaToolCallID: log.ToolCallID,
			models.MetaIsError:    isError,
		},
	}
	if err := h.appendAndEmit(ctx, conv, msg); err != nil {
		return nil, err
	}
	return conv, nil
}

func (h *Handler) appendAndEmit(ctx context.Context, conv *models.Conversation, msg *models.Message) error {
	if err := h.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if err := h.store.TouchConversation(ctx, conv.OrgID, conv.ID, msg.CreatedAt); err != nil {
		h.logger.Warn("failed to touch conversation", "error", err, "conversation_id", conv.ID)
	}
	h.emitter.Emit(realtime.ConversationRoom(conv.ID), "new-message", msg)
	return nil
}

func (h *Handler) emitDecision(log *models.ActionLog) {
	payload := map[string]any{
		"action_id": log.ID,
		"tool_key":  log.ToolKey,
		"status":    log.Status,
	}
	if h.relayRaw && log.Output != "" {
		payload["output"] = log.Output
	}
	h.emitter.Emit(realtime.ConversationRoom(log.ConversationID), "action-decided", payload)
	h.emitter.Emit(realtime.OrgRoom(log.OrgID), "action-decided", payload)
}

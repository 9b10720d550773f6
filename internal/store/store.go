// Package store defines the persistence interface for the platform's
// conversational and CRM records, with in-memory and SQLite implementations.
// Every read and write is scoped to an organization id; cross-org access is
// a bug at this layer, not a policy decision left to callers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/strandcrm/strand/pkg/models"
)

// ErrNotFound is returned when a record does not exist in the caller's org.
var ErrNotFound = errors.New("record not found")

// ErrStatusConflict is returned when a guarded status transition finds the
// row in a different state than expected. The approval handler relies on
// this to make decisions idempotent.
var ErrStatusConflict = errors.New("status conflict")

// Store is the persistence interface the engine, approval handler, and
// tools operate through.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, orgID, id string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	ListAgents(ctx context.Context, orgID string) ([]*models.Agent, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, orgID, id string) (*models.Conversation, error)
	UpdateConversationStatus(ctx context.Context, orgID, id string, status models.ConversationStatus) error
	TouchConversation(ctx context.Context, orgID, id string, at time.Time) error

	// Messages. The message log is append-only; ListMessages returns rows
	// in insertion order.
	AppendMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, orgID, conversationID string) ([]*models.Message, error)

	// Action logs. TransitionActionLog applies the update only when the
	// row's current status equals from, returning ErrStatusConflict
	// otherwise.
	CreateActionLog(ctx context.Context, log *models.ActionLog) error
	GetActionLog(ctx context.Context, orgID, id string) (*models.ActionLog, error)
	TransitionActionLog(ctx context.Context, log *models.ActionLog, from models.ActionStatus) error
	ListActionLogs(ctx context.Context, orgID string, status models.ActionStatus) ([]*models.ActionLog, error)
	ListPendingActionLogsOlderThan(ctx context.Context, cutoff time.Time) ([]*models.ActionLog, error)

	// Credentials, one per org and provider.
	UpsertCredential(ctx context.Context, cred *models.Credential) error
	GetCredential(ctx context.Context, orgID, provider string) (*models.Credential, error)

	// Contacts
	CreateContact(ctx context.Context, contact *models.Contact) error
	GetContact(ctx context.Context, orgID, id string) (*models.Contact, error)
	SearchContacts(ctx context.Context, orgID, query string, limit int) ([]*models.Contact, error)

	// Orders
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orgID, id string) (*models.Order, error)
	ListOrders(ctx context.Context, orgID, contactID string, limit int) ([]*models.Order, error)

	Close() error
}

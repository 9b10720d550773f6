package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandcrm/strand/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs. All reads return clones so callers cannot mutate shared state.
type MemoryStore struct {
	mu            sync.RWMutex
	agents        map[string]*models.Agent
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	actionLogs    map[string]*models.ActionLog
	credentials   map[string]*models.Credential
	contacts      map[string]*models.Contact
	orders        map[string]*models.Order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:        map[string]*models.Agent{},
		conversations: map[string]*models.Conversation{},
		messages:      map[string][]*models.Message{},
		actionLogs:    map[string]*models.ActionLog{},
		credentials:   map[string]*models.Credential{},
		contacts:      map[string]*models.Contact{},
		orders:        map[string]*models.Order{},
	}
}

func credentialKey(orgID, provider string) string {
	return orgID + ":" + provider
}

// Agents

func (m *MemoryStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil {
		return errors.New("agent is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneAgent(agent)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	agent.ID = clone.ID
	agent.CreatedAt = clone.CreatedAt
	agent.UpdatedAt = clone.UpdatedAt
	m.agents[clone.ID] = clone
	return nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, orgID, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[id]
	if !ok || agent.OrgID != orgID {
		return nil, ErrNotFound
	}
	return cloneAgent(agent), nil
}

func (m *MemoryStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil {
		return errors.New("agent is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.agents[agent.ID]
	if !ok || existing.OrgID != agent.OrgID {
		return ErrNotFound
	}
	clone := cloneAgent(agent)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.agents[clone.ID] = clone
	return nil
}

func (m *MemoryStore) ListAgents(ctx context.Context, orgID string) ([]*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.Agent
	for _, agent := range m.agents {
		if agent.OrgID == orgID {
			result = append(result, cloneAgent(agent))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Conversations

func (m *MemoryStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return errors.New("conversation is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneConversation(conv)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	if clone.Status == "" {
		clone.Status = models.ConversationOpen
	}
	conv.ID = clone.ID
	conv.CreatedAt = clone.CreatedAt
	conv.Status = clone.Status
	m.conversations[clone.ID] = clone
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, orgID, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok || conv.OrgID != orgID {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (m *MemoryStore) UpdateConversationStatus(ctx context.Context, orgID, id string, status models.ConversationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok || conv.OrgID != orgID {
		return ErrNotFound
	}
	conv.Status = status
	return nil
}

func (m *MemoryStore) TouchConversation(ctx context.Context, orgID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok || conv.OrgID != orgID {
		return ErrNotFound
	}
	conv.LastMessageAt = at
	return nil
}

// Messages

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	msg.ID = clone.ID
	msg.CreatedAt = clone.CreatedAt
	m.messages[clone.ConversationID] = append(m.messages[clone.ConversationID], clone)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, orgID, conversationID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	result := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.OrgID == orgID {
			result = append(result, cloneMessage(msg))
		}
	}
	return result, nil
}

// Action logs

func (m *MemoryStore) CreateActionLog(ctx context.Context, log *models.ActionLog) error {
	if log == nil {
		return errors.New("action log is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneActionLog(log)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	log.ID = clone.ID
	log.CreatedAt = clone.CreatedAt
	m.actionLogs[clone.ID] = clone
	return nil
}

func (m *MemoryStore) GetActionLog(ctx context.Context, orgID, id string) (*models.ActionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log, ok := m.actionLogs[id]
	if !ok || log.OrgID != orgID {
		return nil, ErrNotFound
	}
	return cloneActionLog(log), nil
}

func (m *MemoryStore) TransitionActionLog(ctx context.Context, log *models.ActionLog, from models.ActionStatus) error {
	if log == nil {
		return errors.New("action log is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.actionLogs[log.ID]
	if !ok || existing.OrgID != log.OrgID {
		return ErrNotFound
	}
	if existing.Status != from {
		return ErrStatusConflict
	}

	clone := cloneActionLog(log)
	clone.CreatedAt = existing.CreatedAt
	if clone.ResolvedAt == nil {
		now := time.Now()
		clone.ResolvedAt = &now
	}
	log.ResolvedAt = clone.ResolvedAt
	m.actionLogs[clone.ID] = clone
	return nil
}

func (m *MemoryStore) ListActionLogs(ctx context.Context, orgID string, status models.ActionStatus) ([]*models.ActionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.ActionLog
	for _, log := range m.actionLogs {
		if log.OrgID == orgID && log.Status == status {
			result = append(result, cloneActionLog(log))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListPendingActionLogsOlderThan(ctx context.Context, cutoff time.Time) ([]*models.ActionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.ActionLog
	for _, log := range m.actionLogs {
		if log.Status == models.ActionPendingApproval && log.CreatedAt.Before(cutoff) {
			result = append(result, cloneActionLog(log))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Credentials

func (m *MemoryStore) UpsertCredential(ctx context.Context, cred *models.Credential) error {
	if cred == nil {
		return errors.New("credential is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneCredential(cred)
	key := credentialKey(clone.OrgID, clone.Provider)
	if existing, ok := m.credentials[key]; ok {
		clone.ID = existing.ID
		clone.CreatedAt = existing.CreatedAt
	}
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = time.Now()
	cred.ID = clone.ID
	cred.CreatedAt = clone.CreatedAt
	cred.UpdatedAt = clone.UpdatedAt
	m.credentials[key] = clone
	return nil
}

func (m *MemoryStore) GetCredential(ctx context.Context, orgID, provider string) (*models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cred, ok := m.credentials[credentialKey(orgID, provider)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCredential(cred), nil
}

// Contacts

func (m *MemoryStore) CreateContact(ctx context.Context, contact *models.Contact) error {
	if contact == nil {
		return errors.New("contact is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneContact(contact)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	contact.ID = clone.ID
	contact.CreatedAt = clone.CreatedAt
	contact.UpdatedAt = clone.UpdatedAt
	m.contacts[clone.ID] = clone
	return nil
}

func (m *MemoryStore) GetContact(ctx context.Context, orgID, id string) (*models.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	contact, ok := m.contacts[id]
	if !ok || contact.OrgID != orgID {
		return nil, ErrNotFound
	}
	return cloneContact(contact), nil
}

func (m *MemoryStore) SearchContacts(ctx context.Context, orgID, query string, limit int) ([]*models.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query = strings.ToLower(query)
	var result []*models.Contact
	for _, contact := range m.contacts {
		if contact.OrgID != orgID {
			continue
		}
		if query == "" ||
			strings.Contains(strings.ToLower(contact.Name), query) ||
			strings.Contains(strings.ToLower(contact.Email), query) ||
			strings.Contains(strings.ToLower(contact.Company), query) {
			result = append(result, cloneContact(contact))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Orders

func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	if order == nil {
		return errors.New("order is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneOrder(order)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	if clone.Status == "" {
		clone.Status = models.OrderDraft
	}
	clone.UpdatedAt = clone.CreatedAt
	order.ID = clone.ID
	order.Status = clone.Status
	order.CreatedAt = clone.CreatedAt
	order.UpdatedAt = clone.UpdatedAt
	m.orders[clone.ID] = clone
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, orgID, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[id]
	if !ok || order.OrgID != orgID {
		return nil, ErrNotFound
	}
	return cloneOrder(order), nil
}

func (m *MemoryStore) ListOrders(ctx context.Context, orgID, contactID string, limit int) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*models.Order
	for _, order := range m.orders {
		if order.OrgID != orgID {
			continue
		}
		if contactID != "" && order.ContactID != contactID {
			continue
		}
		result = append(result, cloneOrder(order))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// Clone helpers. Slices and maps get fresh backing storage so callers cannot
// reach into the store's copies.

func cloneAgent(a *models.Agent) *models.Agent {
	clone := *a
	clone.ToolKeys = append([]string(nil), a.ToolKeys...)
	clone.Permissions = append([]string(nil), a.Permissions...)
	return &clone
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	clone := *c
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	if msg.Metadata != nil {
		clone.Metadata = make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func cloneActionLog(log *models.ActionLog) *models.ActionLog {
	clone := *log
	clone.Input = append([]byte(nil), log.Input...)
	if log.ResolvedAt != nil {
		at := *log.ResolvedAt
		clone.ResolvedAt = &at
	}
	return &clone
}

func cloneCredential(c *models.Credential) *models.Credential {
	clone := *c
	clone.Ciphertext = append([]byte(nil), c.Ciphertext...)
	clone.Nonce = append([]byte(nil), c.Nonce...)
	return &clone
}

func cloneContact(c *models.Contact) *models.Contact {
	clone := *c
	return &clone
}

func cloneOrder(o *models.Order) *models.Order {
	clone := *o
	return &clone
}

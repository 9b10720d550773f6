package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/strandcrm/strand/pkg/models"
)

// SQLiteStore implements the Store interface on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB

	// Prepared statements for the hot paths.
	stmtCreateAgent        *sql.Stmt
	stmtGetAgent           *sql.Stmt
	stmtUpdateAgent        *sql.Stmt
	stmtCreateConversation *sql.Stmt
	stmtGetConversation    *sql.Stmt
	stmtUpdateConvStatus   *sql.Stmt
	stmtTouchConversation  *sql.Stmt
	stmtAppendMessage      *sql.Stmt
	stmtListMessages       *sql.Stmt
	stmtCreateActionLog    *sql.Stmt
	stmtGetActionLog       *sql.Stmt
	stmtTransitionAction   *sql.Stmt
	stmtUpsertCredential   *sql.Stmt
	stmtGetCredential      *sql.Stmt
	stmtCreateContact      *sql.Stmt
	stmtGetContact         *sql.Stmt
	stmtCreateOrder        *sql.Stmt
	stmtGetOrder           *sql.Stmt
}

// SQLiteConfig holds configuration for the SQLite connection.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLiteConfig returns default configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:            "strand.db",
		MaxOpenConns:    1,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewSQLiteStore opens the database at config.Path, creates the schema if
// missing, and prepares statements.
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", config.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes anyway; a single connection avoids
	// SQLITE_BUSY churn under concurrent turns.
	maxOpen := config.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			org_id        TEXT NOT NULL,
			name          TEXT NOT NULL,
			status        TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			provider      TEXT NOT NULL,
			model         TEXT NOT NULL,
			tool_keys     TEXT NOT NULL DEFAULT '[]',
			permissions   TEXT NOT NULL DEFAULT '[]',
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_org ON agents(org_id)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			org_id          TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			status          TEXT NOT NULL,
			last_message_at TIMESTAMP,
			created_at      TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_org ON conversations(org_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			org_id          TEXT NOT NULL,
			sender_type     TEXT NOT NULL,
			sender_id       TEXT NOT NULL DEFAULT '',
			content_type    TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			metadata        TEXT NOT NULL DEFAULT '{}',
			created_at      TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
		`CREATE TABLE IF NOT EXISTS action_logs (
			id              TEXT PRIMARY KEY,
			org_id          TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			tool_call_id    TEXT NOT NULL,
			tool_key        TEXT NOT NULL,
			input           TEXT NOT NULL DEFAULT '{}',
			output          TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			reason          TEXT NOT NULL DEFAULT '',
			decided_by      TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL,
			resolved_at     TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_action_logs_org_status ON action_logs(org_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_action_logs_status_created ON action_logs(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id         TEXT PRIMARY KEY,
			org_id     TEXT NOT NULL,
			provider   TEXT NOT NULL,
			ciphertext BLOB NOT NULL,
			nonce      BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (org_id, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id         TEXT PRIMARY KEY,
			org_id     TEXT NOT NULL,
			name       TEXT NOT NULL,
			email      TEXT NOT NULL DEFAULT '',
			company    TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_org ON contacts(org_id)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id          TEXT PRIMARY KEY,
			org_id      TEXT NOT NULL,
			contact_id  TEXT NOT NULL,
			status      TEXT NOT NULL,
			total_cents INTEGER NOT NULL DEFAULT 0,
			currency    TEXT NOT NULL DEFAULT 'USD',
			notes       TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_org_contact ON orders(org_id, contact_id)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.stmtCreateAgent, `
			INSERT INTO agents (id, org_id, name, status, system_prompt, provider, model, tool_keys, permissions, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.stmtGetAgent, `
			SELECT id, org_id, name, status, system_prompt, provider, model, tool_keys, permissions, created_at, updated_at
			FROM agents WHERE org_id = ? AND id = ?`},
		{&s.stmtUpdateAgent, `
			UPDATE agents SET name = ?, status = ?, system_prompt = ?, provider = ?, model = ?, tool_keys = ?, permissions = ?, updated_at = ?
			WHERE org_id = ? AND id = ?`},
		{&s.stmtCreateConversation, `
			INSERT INTO conversations (id, org_id, agent_id, status, last_message_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`},
		{&s.stmtGetConversation, `
			SELECT id, org_id, agent_id, status, last_message_at, created_at
			FROM conversations WHERE org_id = ? AND id = ?`},
		{&s.stmtUpdateConvStatus, `
			UPDATE conversations SET status = ? WHERE org_id = ? AND id = ?`},
		{&s.stmtTouchConversation, `
			UPDATE conversations SET last_message_at = ? WHERE org_id = ? AND id = ?`},
		{&s.stmtAppendMessage, `
			INSERT INTO messages (id, conversation_id, org_id, sender_type, sender_id, content_type, content, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.stmtListMessages, `
			SELECT id, conversation_id, org_id, sender_type, sender_id, content_type, content, metadata, created_at
			FROM messages WHERE org_id = ? AND conversation_id = ?
			ORDER BY rowid ASC`},
		{&s.stmtCreateActionLog, `
			INSERT INTO action_logs (id, org_id, conversation_id, agent_id, tool_call_id, tool_key, input, output, status, reason, decided_by, created_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.stmtGetActionLog, `
			SELECT id, org_id, conversation_id, agent_id, tool_call_id, tool_key, input, output, status, reason, decided_by, created_at, resolved_at
			FROM action_logs WHERE org_id = ? AND id = ?`},
		{&s.stmtTransitionAction, `
			UPDATE action_logs SET output = ?, status = ?, reason = ?, decided_by = ?, resolved_at = ?
			WHERE org_id = ? AND id = ? AND status = ?`},
		{&s.stmtUpsertCredential, `
			INSERT INTO credentials (id, org_id, provider, ciphertext, nonce, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (org_id, provider) DO UPDATE SET
				ciphertext = excluded.ciphertext,
				nonce = excluded.nonce,
				updated_at = excluded.updated_at`},
		{&s.stmtGetCredential, `
			SELECT id, org_id, provider, ciphertext, nonce, created_at, updated_at
			FROM credentials WHERE org_id = ? AND provider = ?`},
		{&s.stmtCreateContact, `
			INSERT INTO contacts (id, org_id, name, email, company, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`},
		{&s.stmtGetContact, `
			SELECT id, org_id, name, email, company, created_at, updated_at
			FROM contacts WHERE org_id = ? AND id = ?`},
		{&s.stmtCreateOrder, `
			INSERT INTO orders (id, org_id, contact_id, status, total_cents, currency, notes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.stmtGetOrder, `
			SELECT id, org_id, contact_id, status, total_cents, currency, notes, created_at, updated_at
			FROM orders WHERE org_id = ? AND id = ?`},
	}

	for _, st := range stmts {
		prepared, err := s.db.Prepare(st.query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		*st.dst = prepared
	}
	return nil
}

// Close closes the prepared statements and the database connection.
func (s *SQLiteStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{
		s.stmtCreateAgent, s.stmtGetAgent, s.stmtUpdateAgent,
		s.stmtCreateConversation, s.stmtGetConversation, s.stmtUpdateConvStatus, s.stmtTouchConversation,
		s.stmtAppendMessage, s.stmtListMessages,
		s.stmtCreateActionLog, s.stmtGetActionLog, s.stmtTransitionAction,
		s.stmtUpsertCredential, s.stmtGetCredential,
		s.stmtCreateContact, s.stmtGetContact,
		s.stmtCreateOrder, s.stmtGetOrder,
	} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

// Agents

func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil {
		return errors.New("agent is required")
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}
	agent.UpdatedAt = agent.CreatedAt

	toolKeys, err := json.Marshal(agent.ToolKeys)
	if err != nil {
		return fmt.Errorf("failed to marshal tool keys: %w", err)
	}
	permissions, err := json.Marshal(agent.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	_, err = s.stmtCreateAgent.ExecContext(ctx,
		agent.ID, agent.OrgID, agent.Name, string(agent.Status), agent.SystemPrompt,
		agent.Provider, agent.Model, toolKeys, permissions,
		agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, orgID, id string) (*models.Agent, error) {
	return scanAgent(s.stmtGetAgent.QueryRowContext(ctx, orgID, id))
}

func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	if agent == nil {
		return errors.New("agent is required")
	}
	toolKeys, err := json.Marshal(agent.ToolKeys)
	if err != nil {
		return fmt.Errorf("failed to marshal tool keys: %w", err)
	}
	permissions, err := json.Marshal(agent.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}
	agent.UpdatedAt = time.Now()

	result, err := s.stmtUpdateAgent.ExecContext(ctx,
		agent.Name, string(agent.Status), agent.SystemPrompt, agent.Provider, agent.Model,
		toolKeys, permissions, agent.UpdatedAt,
		agent.OrgID, agent.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return requireRowAffected(result)
}

func (s *SQLiteStore) ListAgents(ctx context.Context, orgID string) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, name, status, system_prompt, provider, model, tool_keys, permissions, created_at, updated_at
		FROM agents WHERE org_id = ? ORDER BY created_at ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	agent := &models.Agent{}
	var toolKeys, permissions []byte

	err := row.Scan(
		&agent.ID, &agent.OrgID, &agent.Name, &agent.Status, &agent.SystemPrompt,
		&agent.Provider, &agent.Model, &toolKeys, &permissions,
		&agent.CreatedAt, &agent.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}

	if err := json.Unmarshal(toolKeys, &agent.ToolKeys); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool keys: %w", err)
	}
	if err := json.Unmarshal(permissions, &agent.Permissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}
	return agent, nil
}

// Conversations

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return errors.New("conversation is required")
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	if conv.Status == "" {
		conv.Status = models.ConversationOpen
	}

	_, err := s.stmtCreateConversation.ExecContext(ctx,
		conv.ID, conv.OrgID, conv.AgentID, string(conv.Status),
		nullableTime(conv.LastMessageAt), conv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, orgID, id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var lastMessageAt sql.NullTime

	err := s.stmtGetConversation.QueryRowContext(ctx, orgID, id).Scan(
		&conv.ID, &conv.OrgID, &conv.AgentID, &conv.Status, &lastMessageAt, &conv.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if lastMessageAt.Valid {
		conv.LastMessageAt = lastMessageAt.Time
	}
	return conv, nil
}

func (s *SQLiteStore) UpdateConversationStatus(ctx context.Context, orgID, id string, status models.ConversationStatus) error {
	result, err := s.stmtUpdateConvStatus.ExecContext(ctx, string(status), orgID, id)
	if err != nil {
		return fmt.Errorf("failed to update conversation status: %w", err)
	}
	return requireRowAffected(result)
}

func (s *SQLiteStore) TouchConversation(ctx context.Context, orgID, id string, at time.Time) error {
	result, err := s.stmtTouchConversation.ExecContext(ctx, at, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return requireRowAffected(result)
}

// Messages

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.stmtAppendMessage.ExecContext(ctx,
		msg.ID, msg.ConversationID, msg.OrgID, string(msg.SenderType), msg.SenderID,
		string(msg.ContentType), msg.Content, metadata, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, orgID, conversationID string) ([]*models.Message, error) {
	rows, err := s.stmtListMessages.QueryContext(ctx, orgID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	msgs := []*models.Message{}
	for rows.Next() {
		msg := &models.Message{}
		var metadata []byte
		err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.OrgID, &msg.SenderType, &msg.SenderID,
			&msg.ContentType, &msg.Content, &metadata, &msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(metadata) > 0 && string(metadata) != "null" {
			if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Action logs

func (s *SQLiteStore) CreateActionLog(ctx context.Context, log *models.ActionLog) error {
	if log == nil {
		return errors.New("action log is required")
	}
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	input := log.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	var resolvedAt any
	if log.ResolvedAt != nil {
		resolvedAt = *log.ResolvedAt
	}

	_, err := s.stmtCreateActionLog.ExecContext(ctx,
		log.ID, log.OrgID, log.ConversationID, log.AgentID, log.ToolCallID, log.ToolKey,
		string(input), log.Output, string(log.Status), log.Reason, log.DecidedBy,
		log.CreatedAt, resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create action log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetActionLog(ctx context.Context, orgID, id string) (*models.ActionLog, error) {
	return scanActionLog(s.stmtGetActionLog.QueryRowContext(ctx, orgID, id))
}

func (s *SQLiteStore) TransitionActionLog(ctx context.Context, log *models.ActionLog, from models.ActionStatus) error {
	if log == nil {
		return errors.New("action log is required")
	}
	if log.ResolvedAt == nil {
		now := time.Now()
		log.ResolvedAt = &now
	}

	result, err := s.stmtTransitionAction.ExecContext(ctx,
		log.Output, string(log.Status), log.Reason, log.DecidedBy, *log.ResolvedAt,
		log.OrgID, log.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to transition action log: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a missing row from a lost status race.
		if _, err := s.GetActionLog(ctx, log.OrgID, log.ID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *SQLiteStore) ListActionLogs(ctx context.Context, orgID string, status models.ActionStatus) ([]*models.ActionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, conversation_id, agent_id, tool_call_id, tool_key, input, output, status, reason, decided_by, created_at, resolved_at
		FROM action_logs WHERE org_id = ? AND status = ?
		ORDER BY created_at ASC`, orgID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list action logs: %w", err)
	}
	defer rows.Close()
	return collectActionLogs(rows)
}

func (s *SQLiteStore) ListPendingActionLogsOlderThan(ctx context.Context, cutoff time.Time) ([]*models.ActionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, conversation_id, agent_id, tool_call_id, tool_key, input, output, status, reason, decided_by, created_at, resolved_at
		FROM action_logs WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC`, string(models.ActionPendingApproval), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending action logs: %w", err)
	}
	defer rows.Close()
	return collectActionLogs(rows)
}

func collectActionLogs(rows *sql.Rows) ([]*models.ActionLog, error) {
	var logs []*models.ActionLog
	for rows.Next() {
		log, err := scanActionLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func scanActionLog(row rowScanner) (*models.ActionLog, error) {
	log := &models.ActionLog{}
	var input string
	var resolvedAt sql.NullTime

	err := row.Scan(
		&log.ID, &log.OrgID, &log.ConversationID, &log.AgentID, &log.ToolCallID, &log.ToolKey,
		&input, &log.Output, &log.Status, &log.Reason, &log.DecidedBy,
		&log.CreatedAt, &resolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan action log: %w", err)
	}
	log.Input = json.RawMessage(input)
	if resolvedAt.Valid {
		at := resolvedAt.Time
		log.ResolvedAt = &at
	}
	return log, nil
}

// Credentials

func (s *SQLiteStore) UpsertCredential(ctx context.Context, cred *models.Credential) error {
	if cred == nil {
		return errors.New("credential is required")
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	cred.UpdatedAt = time.Now()

	_, err := s.stmtUpsertCredential.ExecContext(ctx,
		cred.ID, cred.OrgID, cred.Provider, cred.Ciphertext, cred.Nonce,
		cred.CreatedAt, cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCredential(ctx context.Context, orgID, provider string) (*models.Credential, error) {
	cred := &models.Credential{}
	err := s.stmtGetCredential.QueryRowContext(ctx, orgID, provider).Scan(
		&cred.ID, &cred.OrgID, &cred.Provider, &cred.Ciphertext, &cred.Nonce,
		&cred.CreatedAt, &cred.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// Contacts

func (s *SQLiteStore) CreateContact(ctx context.Context, contact *models.Contact) error {
	if contact == nil {
		return errors.New("contact is required")
	}
	if contact.ID == "" {
		contact.ID = uuid.NewString()
	}
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = time.Now()
	}
	contact.UpdatedAt = contact.CreatedAt

	_, err := s.stmtCreateContact.ExecContext(ctx,
		contact.ID, contact.OrgID, contact.Name, contact.Email, contact.Company,
		contact.CreatedAt, contact.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetContact(ctx context.Context, orgID, id string) (*models.Contact, error) {
	contact := &models.Contact{}
	err := s.stmtGetContact.QueryRowContext(ctx, orgID, id).Scan(
		&contact.ID, &contact.OrgID, &contact.Name, &contact.Email, &contact.Company,
		&contact.CreatedAt, &contact.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return contact, nil
}

func (s *SQLiteStore) SearchContacts(ctx context.Context, orgID, query string, limit int) ([]*models.Contact, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + query + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, name, email, company, created_at, updated_at
		FROM contacts
		WHERE org_id = ? AND (name LIKE ? COLLATE NOCASE OR email LIKE ? COLLATE NOCASE OR company LIKE ? COLLATE NOCASE)
		ORDER BY created_at ASC
		LIMIT ?`, orgID, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*models.Contact
	for rows.Next() {
		contact := &models.Contact{}
		err := rows.Scan(
			&contact.ID, &contact.OrgID, &contact.Name, &contact.Email, &contact.Company,
			&contact.CreatedAt, &contact.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, contact)
	}
	return contacts, rows.Err()
}

// Orders

func (s *SQLiteStore) CreateOrder(ctx context.Context, order *models.Order) error {
	if order == nil {
		return errors.New("order is required")
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	if order.Status == "" {
		order.Status = models.OrderDraft
	}
	order.UpdatedAt = order.CreatedAt

	_, err := s.stmtCreateOrder.ExecContext(ctx,
		order.ID, order.OrgID, order.ContactID, string(order.Status),
		order.TotalCents, order.Currency, order.Notes,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, orgID, id string) (*models.Order, error) {
	order := &models.Order{}
	err := s.stmtGetOrder.QueryRowContext(ctx, orgID, id).Scan(
		&order.ID, &order.OrgID, &order.ContactID, &order.Status,
		&order.TotalCents, &order.Currency, &order.Notes,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

func (s *SQLiteStore) ListOrders(ctx context.Context, orgID, contactID string, limit int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT id, org_id, contact_id, status, total_cents, currency, notes, created_at, updated_at
		FROM orders WHERE org_id = ?`
	args := []any{orgID}
	if contactID != "" {
		q += ` AND contact_id = ?`
		args = append(args, contactID)
	}
	q += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order := &models.Order{}
		err := rows.Scan(
			&order.ID, &order.OrgID, &order.ContactID, &order.Status,
			&order.TotalCents, &order.Currency, &order.Notes,
			&order.CreatedAt, &order.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func requireRowAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

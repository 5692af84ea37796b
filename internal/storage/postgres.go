package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nivora/inboxd/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	_, err = s.db.Exec(string(migrationSQL))
	if err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

func (s *PostgresStorage) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapConstraint(err)
	}
	return nil
}

func (s *PostgresStorage) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, contact_id, status, external_ref_id, last_activity_at, created_at
		FROM conversations
		WHERE id = $1`, id))
}

func (s *PostgresStorage) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx, messageColumns+` WHERE id = $1`, id))
}

func (s *PostgresStorage) OpenAssignment(ctx context.Context, conversationID string) (*models.Assignment, error) {
	return scanAssignment(s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, team_id, assignee_id, claimed_at, released_at
		FROM conversation_assignments
		WHERE conversation_id = $1 AND released_at IS NULL`, conversationID))
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) UpsertChannel(ctx context.Context, provider models.ProviderType, externalID, displayName string) (*models.Channel, error) {
	ch := &models.Channel{}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO channels (id, provider, external_id, display_name)
		VALUES (gen_random_uuid(), $1, $2, $3)
		ON CONFLICT ON CONSTRAINT channels_provider_external_uniq DO UPDATE
		SET display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE channels.display_name END
		RETURNING id, provider, external_id, display_name, active, created_at`,
		provider, externalID, displayName,
	).Scan(&ch.ID, &ch.Provider, &ch.ExternalID, &ch.DisplayName, &ch.Active, &ch.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("error upserting channel: %w", err)
	}
	return ch, nil
}

func (t *pgTx) UpsertContact(ctx context.Context, channelID, externalID, displayName string) (*models.Contact, bool, error) {
	c := &models.Contact{}
	var profileRaw []byte
	var inserted bool
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO contacts (id, channel_id, external_id, display_name)
		VALUES (gen_random_uuid(), $1, $2, $3)
		ON CONFLICT ON CONSTRAINT contacts_channel_external_uniq DO UPDATE
		SET display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE contacts.display_name END
		RETURNING id, channel_id, external_id, display_name, profile, created_at, (xmax = 0)`,
		channelID, externalID, displayName,
	).Scan(&c.ID, &c.ChannelID, &c.ExternalID, &c.DisplayName, &profileRaw, &c.CreatedAt, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("error upserting contact: %w", err)
	}
	if len(profileRaw) > 0 {
		if err := json.Unmarshal(profileRaw, &c.Profile); err != nil {
			return nil, false, fmt.Errorf("error decoding contact profile: %w", err)
		}
	}
	return c, inserted, nil
}

func (t *pgTx) UpdateContactProfile(ctx context.Context, contactID string, profile models.ContactProfile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("error encoding contact profile: %w", err)
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE contacts SET profile = $1 WHERE id = $2`, string(raw), contactID)
	if err != nil {
		return fmt.Errorf("error updating contact profile: %w", err)
	}
	return requireRow(res)
}

func (t *pgTx) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	c := &models.Contact{}
	var profileRaw []byte
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, channel_id, external_id, display_name, profile, created_at
		FROM contacts
		WHERE id = $1`, id,
	).Scan(&c.ID, &c.ChannelID, &c.ExternalID, &c.DisplayName, &profileRaw, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying contact: %w", err)
	}
	if len(profileRaw) > 0 {
		if err := json.Unmarshal(profileRaw, &c.Profile); err != nil {
			return nil, fmt.Errorf("error decoding contact profile: %w", err)
		}
	}
	return c, nil
}

func (t *pgTx) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	ch := &models.Channel{}
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, provider, external_id, display_name, active, created_at
		FROM channels
		WHERE id = $1`, id,
	).Scan(&ch.ID, &ch.Provider, &ch.ExternalID, &ch.DisplayName, &ch.Active, &ch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying channel: %w", err)
	}
	return ch, nil
}

func (t *pgTx) FindOpenConversation(ctx context.Context, channelID, contactID string) (*models.Conversation, error) {
	return scanConversation(t.tx.QueryRowContext(ctx, `
		SELECT id, channel_id, contact_id, status, external_ref_id, last_activity_at, created_at
		FROM conversations
		WHERE channel_id = $1 AND contact_id = $2 AND status = 'open'
		ORDER BY created_at ASC
		LIMIT 1`, channelID, contactID))
}

func (t *pgTx) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO conversations (id, channel_id, contact_id, status, external_ref_id, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		conv.ID, conv.ChannelID, conv.ContactID, conv.Status, conv.ExternalRefID, conv.LastActivityAt,
	).Scan(&conv.CreatedAt)
	if err != nil {
		return fmt.Errorf("error creating conversation: %w", err)
	}
	return nil
}

func (t *pgTx) GetConversationForUpdate(ctx context.Context, id string) (*models.Conversation, error) {
	return scanConversation(t.tx.QueryRowContext(ctx, `
		SELECT id, channel_id, contact_id, status, external_ref_id, last_activity_at, created_at
		FROM conversations
		WHERE id = $1
		FOR UPDATE`, id))
}

func (t *pgTx) UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE conversations SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("error updating conversation status: %w", err)
	}
	return requireRow(res)
}

func (t *pgTx) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("error touching conversation: %w", err)
	}
	return requireRow(res)
}

func (t *pgTx) InsertMessage(ctx context.Context, msg *models.Message) error {
	var externalID sql.NullString
	if msg.ExternalID != "" {
		externalID = sql.NullString{String: msg.ExternalID, Valid: true}
	}
	var status sql.NullString
	if msg.Status != models.StatusNone {
		status = sql.NullString{String: string(msg.Status), Valid: true}
	}
	// lib/pq encodes []byte as bytea; jsonb columns need text.
	var raw any
	if len(msg.RawPayload) > 0 {
		raw = string(msg.RawPayload)
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, channel_id, direction, content_type, external_id, body, status, raw_payload, created_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at`,
		msg.ID, msg.ConversationID, msg.ChannelID, msg.Direction, msg.Type,
		externalID, msg.Body, status, raw, msg.CreatedAt, msg.SentAt,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return mapConstraint(err)
	}
	return nil
}

func (t *pgTx) InsertAttachment(ctx context.Context, att *models.Attachment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO attachments (id, message_id, kind, link, mime_type)
		VALUES ($1, $2, $3, $4, $5)`,
		att.ID, att.MessageID, att.Kind, att.Link, att.MimeType)
	if err != nil {
		return fmt.Errorf("error inserting attachment: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateMessageStatus(ctx context.Context, id string, status models.DeliveryStatus, externalID string, sentAt *time.Time) error {
	var ext sql.NullString
	if externalID != "" {
		ext = sql.NullString{String: externalID, Valid: true}
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE messages
		SET status = $1, external_id = COALESCE($2, external_id), sent_at = COALESCE($3, sent_at)
		WHERE id = $4`,
		status, ext, sentAt, id)
	if err != nil {
		return mapConstraint(err)
	}
	return requireRow(res)
}

func (t *pgTx) LatestInboundAt(ctx context.Context, conversationID string) (time.Time, error) {
	var at time.Time
	err := t.tx.QueryRowContext(ctx, `
		SELECT created_at
		FROM messages
		WHERE conversation_id = $1 AND direction = 'inbound'
		ORDER BY created_at DESC
		LIMIT 1`, conversationID,
	).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("error querying latest inbound: %w", err)
	}
	return at, nil
}

func (t *pgTx) OpenAssignmentForUpdate(ctx context.Context, conversationID string) (*models.Assignment, error) {
	return scanAssignment(t.tx.QueryRowContext(ctx, `
		SELECT id, conversation_id, team_id, assignee_id, claimed_at, released_at
		FROM conversation_assignments
		WHERE conversation_id = $1 AND released_at IS NULL
		FOR UPDATE`, conversationID))
}

func (t *pgTx) InsertAssignment(ctx context.Context, a *models.Assignment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO conversation_assignments (id, conversation_id, team_id, assignee_id, claimed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.ConversationID, a.TeamID, a.AssigneeID, a.ClaimedAt)
	if err != nil {
		return mapConstraint(err)
	}
	return nil
}

func (t *pgTx) ReleaseAssignment(ctx context.Context, id string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE conversation_assignments
		SET released_at = $1
		WHERE id = $2 AND released_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("error releasing assignment: %w", err)
	}
	return requireRow(res)
}

func (t *pgTx) AppendAudit(ctx context.Context, entry *models.AuditLogEntry) error {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("error encoding audit metadata: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_id, action, entity_type, entity_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID, string(meta), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("error appending audit log: %w", err)
	}
	return nil
}

const messageColumns = `
	SELECT id, conversation_id, channel_id, direction, content_type, external_id, body, status, created_at, sent_at, read_at
	FROM messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := row.Scan(&conv.ID, &conv.ChannelID, &conv.ContactID, &conv.Status,
		&conv.ExternalRefID, &conv.LastActivityAt, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning conversation: %w", err)
	}
	return conv, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var externalID, status sql.NullString
	var sentAt, readAt sql.NullTime
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.ChannelID, &msg.Direction, &msg.Type,
		&externalID, &msg.Body, &status, &msg.CreatedAt, &sentAt, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning message: %w", err)
	}
	msg.ExternalID = externalID.String
	msg.Status = models.DeliveryStatus(status.String)
	if sentAt.Valid {
		msg.SentAt = &sentAt.Time
	}
	if readAt.Valid {
		msg.ReadAt = &readAt.Time
	}
	return msg, nil
}

func scanAssignment(row rowScanner) (*models.Assignment, error) {
	a := &models.Assignment{}
	var releasedAt sql.NullTime
	err := row.Scan(&a.ID, &a.ConversationID, &a.TeamID, &a.AssigneeID, &a.ClaimedAt, &releasedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning assignment: %w", err)
	}
	if releasedAt.Valid {
		a.ReleasedAt = &releasedAt.Time
	}
	return a, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// mapConstraint translates unique-violation errors from the two indexes the
// services key their semantics on; every other database error propagates.
func mapConstraint(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		switch pqErr.Constraint {
		case "messages_channel_external_uniq":
			return ErrDuplicateMessage
		case "assignments_one_open":
			return ErrAssignmentExists
		}
	}
	return err
}

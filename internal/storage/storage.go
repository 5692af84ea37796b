package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nivora/inboxd/internal/models"
)

// Sentinel errors surfaced by both backends. ErrDuplicateMessage and
// ErrAssignmentExists are the constraint-violation signals the services
// build their idempotency and conflict semantics on.
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateMessage = errors.New("duplicate message for channel")
	ErrAssignmentExists = errors.New("conversation already has an open assignment")
)

// Storage is the persistence boundary. All invariant-bearing writes go
// through WithTx; the database is the sole serialization mechanism, so
// implementations must give fn transactional semantics (all-or-nothing,
// row locks held until the function returns).
type Storage interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	OpenAssignment(ctx context.Context, conversationID string) (*models.Assignment, error)

	Close() error
}

// Tx is the set of row-level operations available inside a transaction.
// ForUpdate methods acquire row locks; lock order throughout the codebase
// is conversation row first, then assignment row.
type Tx interface {
	UpsertChannel(ctx context.Context, provider models.ProviderType, externalID, displayName string) (*models.Channel, error)
	UpsertContact(ctx context.Context, channelID, externalID, displayName string) (contact *models.Contact, created bool, err error)
	UpdateContactProfile(ctx context.Context, contactID string, profile models.ContactProfile) error
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	GetChannel(ctx context.Context, id string) (*models.Channel, error)

	FindOpenConversation(ctx context.Context, channelID, contactID string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversationForUpdate(ctx context.Context, id string) (*models.Conversation, error)
	UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus) error
	TouchConversation(ctx context.Context, id string, at time.Time) error

	InsertMessage(ctx context.Context, msg *models.Message) error
	InsertAttachment(ctx context.Context, att *models.Attachment) error
	UpdateMessageStatus(ctx context.Context, id string, status models.DeliveryStatus, externalID string, sentAt *time.Time) error
	LatestInboundAt(ctx context.Context, conversationID string) (time.Time, error)

	OpenAssignmentForUpdate(ctx context.Context, conversationID string) (*models.Assignment, error)
	InsertAssignment(ctx context.Context, a *models.Assignment) error
	ReleaseAssignment(ctx context.Context, id string, at time.Time) error

	AppendAudit(ctx context.Context, entry *models.AuditLogEntry) error
}

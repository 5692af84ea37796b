package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nivora/inboxd/internal/models"
	"github.com/nivora/inboxd/internal/notifier"
	"github.com/nivora/inboxd/internal/storage"
	"github.com/nivora/inboxd/internal/tasks"
	"github.com/nivora/inboxd/pkg/apperr"
)

// InboundEvent is one normalized provider event. (ChannelExternalID,
// ExternalMessageID) is the idempotency key: redelivery is a no-op.
type InboundEvent struct {
	ChannelExternalID string
	ChannelName       string
	SenderExternalID  string
	SenderName        string
	ExternalMessageID string
	Type              models.ContentType
	Body              string
	Attachments       []InboundAttachment
	RawPayload        []byte
	Timestamp         time.Time
}

type InboundAttachment struct {
	Kind     string
	Link     string
	MimeType string
}

// FirstContactHook runs off the request path when a contact is seen for the
// first time (lead-sync and similar automations).
type FirstContactHook func(ctx context.Context, contact *models.Contact, conversation *models.Conversation) error

type Service struct {
	store        storage.Storage
	notifier     notifier.Notifier
	runner       *tasks.Runner
	firstContact FirstContactHook
	logger       *zap.Logger
}

func NewService(store storage.Storage, n notifier.Notifier, runner *tasks.Runner, firstContact FirstContactHook, logger *zap.Logger) *Service {
	return &Service{
		store:        store,
		notifier:     n,
		runner:       runner,
		firstContact: firstContact,
		logger:       logger,
	}
}

// IngestBatch processes events in order, one transaction each. The first
// unrecoverable error stops the batch and propagates so the provider
// redelivers; events committed before it stay committed.
func (s *Service) IngestBatch(ctx context.Context, events []InboundEvent) error {
	for i := range events {
		if err := s.Ingest(ctx, events[i]); err != nil {
			return err
		}
	}
	return nil
}

type ingestOutcome struct {
	message      *models.Message
	contact      *models.Contact
	conversation *models.Conversation
	newContact   bool
}

// Ingest processes one inbound event in its own transaction. Duplicates and
// blocked contacts return nil without publishing anything; infrastructure
// errors propagate for upstream retry.
func (s *Service) Ingest(ctx context.Context, event InboundEvent) error {
	if event.ChannelExternalID == "" || event.SenderExternalID == "" || event.ExternalMessageID == "" {
		return apperr.Validation("event is missing channel, sender or message identifier")
	}
	if event.Type == "" {
		event.Type = models.TextContent
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var out ingestOutcome
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		channel, err := tx.UpsertChannel(ctx, models.ProviderWhatsApp, event.ChannelExternalID, event.ChannelName)
		if err != nil {
			return err
		}

		contact, created, err := tx.UpsertContact(ctx, channel.ID, event.SenderExternalID, event.SenderName)
		if err != nil {
			return err
		}
		out.contact = contact
		out.newContact = created

		// Blocked senders: keep the bookkeeping commit, drop the message so
		// the conversation never resurfaces in agent views.
		if contact.Profile.Blocked {
			return nil
		}

		conv, err := tx.FindOpenConversation(ctx, channel.ID, contact.ID)
		if errors.Is(err, storage.ErrNotFound) {
			conv = &models.Conversation{
				ID:             uuid.New().String(),
				ChannelID:      channel.ID,
				ContactID:      contact.ID,
				Status:         models.ConversationOpen,
				LastActivityAt: event.Timestamp,
			}
			if err := tx.CreateConversation(ctx, conv); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		out.conversation = conv

		msg := &models.Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			ChannelID:      channel.ID,
			Direction:      models.DirectionInbound,
			Type:           event.Type,
			ExternalID:     event.ExternalMessageID,
			Body:           event.Body,
			RawPayload:     event.RawPayload,
			CreatedAt:      event.Timestamp,
		}
		if err := tx.InsertMessage(ctx, msg); err != nil {
			return err
		}
		for _, att := range event.Attachments {
			if err := tx.InsertAttachment(ctx, &models.Attachment{
				ID:        uuid.New().String(),
				MessageID: msg.ID,
				Kind:      att.Kind,
				Link:      att.Link,
				MimeType:  att.MimeType,
			}); err != nil {
				return err
			}
		}

		if err := tx.TouchConversation(ctx, conv.ID, event.Timestamp); err != nil {
			return err
		}
		out.message = msg
		return nil
	})
	if errors.Is(err, storage.ErrDuplicateMessage) {
		// At-least-once redelivery; already processed.
		s.logger.Debug("duplicate inbound message ignored",
			zap.String("channel", event.ChannelExternalID),
			zap.String("external_id", event.ExternalMessageID))
		return nil
	}
	if err != nil {
		return err
	}

	if out.message == nil {
		// Blocked contact: committed without a message, nothing to announce.
		return nil
	}

	notifier.Fanout(ctx, s.notifier, s.logger, notifier.Event{
		Name:           notifier.EventMessageNew,
		ConversationID: out.conversation.ID,
		Data:           notifier.MessageNewData{Message: out.message},
	})

	if out.newContact && s.firstContact != nil {
		contact, conv := out.contact, out.conversation
		s.runner.Submit("first-contact", func(taskCtx context.Context) error {
			return s.firstContact(taskCtx, contact, conv)
		})
	}
	return nil
}

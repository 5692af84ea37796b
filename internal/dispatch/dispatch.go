package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nivora/inboxd/internal/models"
	"github.com/nivora/inboxd/internal/notifier"
	"github.com/nivora/inboxd/internal/provider"
	"github.com/nivora/inboxd/internal/storage"
	"github.com/nivora/inboxd/pkg/apperr"
)

// ServiceWindow is how long after the last inbound message free-form
// replies stay permitted. The boundary is exclusive: exactly this much
// elapsed counts as expired, and only template sends remain allowed.
const ServiceWindow = 24 * time.Hour

type SendResult struct {
	MessageID         string `json:"message_id"`
	ExternalMessageID string `json:"external_message_id"`
}

type Service struct {
	store    storage.Storage
	provider provider.Client
	notifier notifier.Notifier
	logger   *zap.Logger
	window   time.Duration
	now      func() time.Time
}

func NewService(store storage.Storage, client provider.Client, n notifier.Notifier, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		provider: client,
		notifier: n,
		logger:   logger,
		window:   ServiceWindow,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SendText(ctx context.Context, conversationID, actorID, text string) (SendResult, error) {
	if text == "" {
		return SendResult{}, apperr.Validation("message text is required")
	}
	return s.send(ctx, sendRequest{
		conversationID: conversationID,
		actorID:        actorID,
		contentType:    models.TextContent,
		body:           text,
		call: func(callCtx context.Context, to string) (string, error) {
			return s.provider.SendText(callCtx, to, text)
		},
	})
}

func (s *Service) SendMedia(ctx context.Context, conversationID, actorID, kind, link, caption string) (SendResult, error) {
	contentType, ok := mediaContentType(kind)
	if !ok {
		return SendResult{}, apperr.Validation("unsupported media kind: " + kind)
	}
	if link == "" {
		return SendResult{}, apperr.Validation("media link is required")
	}
	return s.send(ctx, sendRequest{
		conversationID: conversationID,
		actorID:        actorID,
		contentType:    contentType,
		body:           caption,
		attachment:     &models.Attachment{Kind: kind, Link: link},
		call: func(callCtx context.Context, to string) (string, error) {
			return s.provider.SendMedia(callCtx, to, kind, link, caption)
		},
	})
}

// SendTemplate sends a pre-approved template message. Templates are exempt
// from the service-window policy.
func (s *Service) SendTemplate(ctx context.Context, conversationID, actorID, name, languageCode string, components []provider.TemplateComponent) (SendResult, error) {
	if name == "" || languageCode == "" {
		return SendResult{}, apperr.Validation("template name and language code are required")
	}
	return s.send(ctx, sendRequest{
		conversationID: conversationID,
		actorID:        actorID,
		contentType:    models.TemplateContent,
		body:           name,
		template:       true,
		call: func(callCtx context.Context, to string) (string, error) {
			return s.provider.SendTemplate(callCtx, to, name, languageCode, components)
		},
	})
}

type sendRequest struct {
	conversationID string
	actorID        string
	contentType    models.ContentType
	body           string
	attachment     *models.Attachment
	template       bool
	call           func(ctx context.Context, to string) (string, error)
}

// send runs the shared pipeline: resolve links and check policy in one
// transaction that also commits the `sending` row, call the provider, then
// record the outcome in a second transaction. The in-flight row is visible
// to readers before the external call is made.
func (s *Service) send(ctx context.Context, req sendRequest) (SendResult, error) {
	if req.conversationID == "" {
		return SendResult{}, apperr.Validation("conversation id is required")
	}

	now := s.now()
	var contact *models.Contact
	msg := &models.Message{
		ID:        uuid.New().String(),
		Direction: models.DirectionOutbound,
		Type:      req.contentType,
		Body:      req.body,
		Status:    models.StatusSending,
		CreatedAt: now,
	}

	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		conv, err := tx.GetConversationForUpdate(ctx, req.conversationID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("conversation not found")
		}
		if err != nil {
			return err
		}

		contact, err = tx.GetContact(ctx, conv.ContactID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("contact not found")
		}
		if err != nil {
			return err
		}
		if _, err := tx.GetChannel(ctx, conv.ChannelID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperr.NotFound("channel not found")
			}
			return err
		}

		if contact.Profile.Blocked {
			return apperr.Policy("contact is blocked")
		}

		if !req.template {
			latest, err := tx.LatestInboundAt(ctx, conv.ID)
			if errors.Is(err, storage.ErrNotFound) {
				return apperr.Policy("service window expired - use a template message")
			}
			if err != nil {
				return err
			}
			if now.Sub(latest) >= s.window {
				return apperr.Policy("service window expired - use a template message")
			}
		}

		msg.ConversationID = conv.ID
		msg.ChannelID = conv.ChannelID
		if err := tx.InsertMessage(ctx, msg); err != nil {
			return err
		}
		if req.attachment != nil {
			att := *req.attachment
			att.ID = uuid.New().String()
			att.MessageID = msg.ID
			if err := tx.InsertAttachment(ctx, &att); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return SendResult{}, err
	}

	notifier.Fanout(ctx, s.notifier, s.logger, notifier.Event{
		Name:           notifier.EventMessageNew,
		ConversationID: msg.ConversationID,
		Data:           notifier.MessageNewData{Message: msg},
	})
	s.publishStatus(ctx, msg, models.StatusSending, "")

	externalID, callErr := req.call(ctx, contact.ExternalID)
	if callErr != nil {
		if failErr := s.recordOutcome(ctx, req, msg, models.StatusFailed, "", callErr); failErr != nil {
			s.logger.Error("failed to mark message failed",
				zap.String("message_id", msg.ID),
				zap.Error(failErr))
		}
		s.publishStatus(ctx, msg, models.StatusFailed, callErr.Error())
		return SendResult{}, upstreamError(callErr)
	}

	if err := s.recordOutcome(ctx, req, msg, models.StatusSent, externalID, nil); err != nil {
		// The provider accepted the message; surface the bookkeeping
		// failure rather than pretend the send failed.
		return SendResult{}, err
	}
	s.publishStatus(ctx, msg, models.StatusSent, "")

	return SendResult{MessageID: msg.ID, ExternalMessageID: externalID}, nil
}

// recordOutcome writes the post-call transition and the audit entry in a
// fresh transaction, and bumps conversation activity on success.
func (s *Service) recordOutcome(ctx context.Context, req sendRequest, msg *models.Message, status models.DeliveryStatus, externalID string, callErr error) error {
	now := s.now()
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		var sentAt *time.Time
		if status == models.StatusSent {
			sentAt = &now
		}
		if err := tx.UpdateMessageStatus(ctx, msg.ID, status, externalID, sentAt); err != nil {
			return err
		}
		if status == models.StatusSent {
			if err := tx.TouchConversation(ctx, msg.ConversationID, now); err != nil {
				return err
			}
		}

		metadata := map[string]string{
			"message_id":   msg.ID,
			"content_type": string(msg.Type),
			"outcome":      string(status),
		}
		if externalID != "" {
			metadata["external_message_id"] = externalID
		}
		if callErr != nil {
			metadata["error"] = callErr.Error()
		}
		return tx.AppendAudit(ctx, &models.AuditLogEntry{
			ID:         uuid.New().String(),
			ActorID:    req.actorID,
			Action:     "message.send",
			EntityType: "conversation",
			EntityID:   msg.ConversationID,
			Metadata:   metadata,
			CreatedAt:  now,
		})
	})
}

func (s *Service) publishStatus(ctx context.Context, msg *models.Message, status models.DeliveryStatus, errMsg string) {
	notifier.Fanout(ctx, s.notifier, s.logger, notifier.Event{
		Name:           notifier.EventMessageStatus,
		ConversationID: msg.ConversationID,
		Data: notifier.MessageStatusData{
			MessageID: msg.ID,
			Status:    status,
			Error:     errMsg,
		},
	})
}

func upstreamError(callErr error) error {
	var apiErr *provider.APIError
	if errors.As(callErr, &apiErr) {
		return apperr.Upstream(apiErr.Message, callErr)
	}
	return apperr.Upstream("message delivery failed", callErr)
}

func mediaContentType(kind string) (models.ContentType, bool) {
	switch kind {
	case "image":
		return models.ImageContent, true
	case "video":
		return models.VideoContent, true
	case "audio":
		return models.AudioContent, true
	case "document":
		return models.DocumentContent, true
	default:
		return "", false
	}
}

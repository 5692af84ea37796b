package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nivora/inboxd/internal/models"
	"github.com/nivora/inboxd/internal/notifier"
	"github.com/nivora/inboxd/internal/provider"
	"github.com/nivora/inboxd/internal/storage"
	"github.com/nivora/inboxd/pkg/apperr"
)

type fakeProvider struct {
	mu         sync.Mutex
	externalID string
	err        error
	calls      []string
}

func (f *fakeProvider) record(kind string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind)
	return f.externalID, f.err
}

func (f *fakeProvider) SendText(ctx context.Context, to, text string) (string, error) {
	return f.record("text")
}

func (f *fakeProvider) SendMedia(ctx context.Context, to, kind, link, caption string) (string, error) {
	return f.record("media")
}

func (f *fakeProvider) SendTemplate(ctx context.Context, to, name, languageCode string, components []provider.TemplateComponent) (string, error) {
	return f.record("template")
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStorage
	recorder *notifier.Recorder
	provider *fakeProvider
	convID   string
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStorage()
	recorder := notifier.NewRecorder()
	fake := &fakeProvider{externalID: "wamid.out.1"}
	svc := NewService(store, fake, recorder, zap.NewNop())

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	f := &fixture{svc: svc, store: store, recorder: recorder, provider: fake, now: now}
	f.convID = f.seedConversation(t, false)
	return f
}

func (f *fixture) seedConversation(t *testing.T, blocked bool) string {
	t.Helper()
	ctx := context.Background()
	convID := uuid.New().String()
	err := f.store.WithTx(ctx, func(tx storage.Tx) error {
		channel, err := tx.UpsertChannel(ctx, models.ProviderWhatsApp, uuid.New().String(), "Support Line")
		if err != nil {
			return err
		}
		contact, _, err := tx.UpsertContact(ctx, channel.ID, uuid.New().String(), "Casey")
		if err != nil {
			return err
		}
		if blocked {
			if err := tx.UpdateContactProfile(ctx, contact.ID, models.ContactProfile{Version: 1, Blocked: true}); err != nil {
				return err
			}
		}
		return tx.CreateConversation(ctx, &models.Conversation{
			ID:             convID,
			ChannelID:      channel.ID,
			ContactID:      contact.ID,
			Status:         models.ConversationOpen,
			LastActivityAt: f.now,
		})
	})
	require.NoError(t, err)
	return convID
}

// seedInbound plants an inbound message `age` before the fixture's frozen
// clock.
func (f *fixture) seedInbound(t *testing.T, convID string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	conv, err := f.store.GetConversation(ctx, convID)
	require.NoError(t, err)
	err = f.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertMessage(ctx, &models.Message{
			ID:             uuid.New().String(),
			ConversationID: convID,
			ChannelID:      conv.ChannelID,
			Direction:      models.DirectionInbound,
			Type:           models.TextContent,
			ExternalID:     uuid.New().String(),
			Body:           "ping",
			CreatedAt:      f.now.Add(-age),
		})
	})
	require.NoError(t, err)
}

func (f *fixture) statuses() []models.DeliveryStatus {
	var out []models.DeliveryStatus
	for _, rec := range f.recorder.Named(notifier.EventMessageStatus) {
		if rec.Topic == notifier.TopicGlobal {
			out = append(out, rec.Event.Data.(notifier.MessageStatusData).Status)
		}
	}
	return out
}

func TestSendTextWithinWindow(t *testing.T) {
	f := newFixture(t)
	f.seedInbound(t, f.convID, time.Hour)
	ctx := context.Background()

	result, err := f.svc.SendText(ctx, f.convID, "agent-1", "happy to help")
	require.NoError(t, err)
	assert.Equal(t, "wamid.out.1", result.ExternalMessageID)
	assert.Equal(t, []string{"text"}, f.provider.calls)

	msg, err := f.store.GetMessage(ctx, result.MessageID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.Status)
	assert.Equal(t, "wamid.out.1", msg.ExternalID)
	assert.Equal(t, models.DirectionOutbound, msg.Direction)
	require.NotNil(t, msg.SentAt)

	assert.Equal(t, []models.DeliveryStatus{models.StatusSending, models.StatusSent}, f.statuses())

	conv, err := f.store.GetConversation(ctx, f.convID)
	require.NoError(t, err)
	assert.Equal(t, f.now, conv.LastActivityAt)

	entries := f.store.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "message.send", entries[0].Action)
	assert.Equal(t, "sent", entries[0].Metadata["outcome"])
}

func TestSendTextWindowBoundaryIsExclusive(t *testing.T) {
	f := newFixture(t)
	// Exactly 24h elapsed counts as expired.
	f.seedInbound(t, f.convID, 24*time.Hour)

	_, err := f.svc.SendText(context.Background(), f.convID, "agent-1", "too late")
	require.Error(t, err)
	assert.Equal(t, apperr.CodePolicy, apperr.CodeOf(err))
	assert.Empty(t, f.provider.calls, "policy rejections never reach the provider")
}

func TestSendTextJustInsideWindow(t *testing.T) {
	f := newFixture(t)
	f.seedInbound(t, f.convID, 24*time.Hour-time.Second)

	_, err := f.svc.SendText(context.Background(), f.convID, "agent-1", "just in time")
	require.NoError(t, err)
}

func TestSendTextNoInboundEver(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SendText(context.Background(), f.convID, "agent-1", "hello?")
	require.Error(t, err)
	assert.Equal(t, apperr.CodePolicy, apperr.CodeOf(err))
}

func TestSendTemplateBypassesWindow(t *testing.T) {
	f := newFixture(t)
	f.seedInbound(t, f.convID, 48*time.Hour)
	ctx := context.Background()

	result, err := f.svc.SendTemplate(ctx, f.convID, "agent-1", "order_update", "en_US", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"template"}, f.provider.calls)

	msg, err := f.store.GetMessage(ctx, result.MessageID)
	require.NoError(t, err)
	assert.Equal(t, models.TemplateContent, msg.Type)
	assert.Equal(t, models.StatusSent, msg.Status)
}

func TestSendMediaPersistsAttachment(t *testing.T) {
	f := newFixture(t)
	f.seedInbound(t, f.convID, time.Minute)

	result, err := f.svc.SendMedia(context.Background(), f.convID, "agent-1", "image", "https://cdn.example/pic.jpg", "the part you asked about")
	require.NoError(t, err)
	assert.NotEmpty(t, result.MessageID)
	assert.Equal(t, []string{"media"}, f.provider.calls)
}

func TestSendMediaRejectsUnknownKind(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SendMedia(context.Background(), f.convID, "agent-1", "sticker", "https://cdn.example/s.webp", "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestSendProviderFailureMarksMessageFailed(t *testing.T) {
	f := newFixture(t)
	f.seedInbound(t, f.convID, time.Hour)
	f.provider.err = &provider.APIError{StatusCode: 400, Code: 131047, Message: "Re-engagement message required"}
	ctx := context.Background()

	_, err := f.svc.SendText(ctx, f.convID, "agent-1", "hi again")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUpstream, apperr.CodeOf(err))
	assert.Contains(t, err.Error(), "Re-engagement message required")

	// The sending row transitioned to failed, never stuck in sending.
	sending := f.recorder.Named(notifier.EventMessageNew)
	require.NotEmpty(t, sending)
	msgID := sending[0].Event.Data.(notifier.MessageNewData).Message.ID
	msg, getErr := f.store.GetMessage(ctx, msgID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StatusFailed, msg.Status)

	assert.Equal(t, []models.DeliveryStatus{models.StatusSending, models.StatusFailed}, f.statuses())

	entries := f.store.AuditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "failed", entries[0].Metadata["outcome"])
}

func TestSendTransportErrorIsGenericUpstream(t *testing.T) {
	f := newFixture(t)
	f.seedInbound(t, f.convID, time.Hour)
	f.provider.err = errors.New("dial tcp: i/o timeout")

	_, err := f.svc.SendText(context.Background(), f.convID, "agent-1", "hello")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUpstream, apperr.CodeOf(err))
	assert.Equal(t, "message delivery failed", apperr.MessageOf(err))
}

func TestSendBlockedContact(t *testing.T) {
	f := newFixture(t)
	blockedConv := f.seedConversation(t, true)
	f.seedInbound(t, blockedConv, time.Minute)

	_, err := f.svc.SendText(context.Background(), blockedConv, "agent-1", "hello")
	require.Error(t, err)
	assert.Equal(t, apperr.CodePolicy, apperr.CodeOf(err))
}

func TestSendUnknownConversation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SendText(context.Background(), uuid.New().String(), "agent-1", "hello")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SendText(context.Background(), f.convID, "agent-1", "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	_, err = f.svc.SendTemplate(context.Background(), f.convID, "agent-1", "", "en_US", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

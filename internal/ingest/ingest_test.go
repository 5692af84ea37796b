package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nivora/inboxd/internal/models"
	"github.com/nivora/inboxd/internal/notifier"
	"github.com/nivora/inboxd/internal/storage"
	"github.com/nivora/inboxd/internal/tasks"
	"github.com/nivora/inboxd/pkg/apperr"
)

type hookRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (h *hookRecorder) hook(ctx context.Context, contact *models.Contact, conv *models.Conversation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, contact.ID)
	return nil
}

func (h *hookRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStorage, *notifier.Recorder, *tasks.Runner, *hookRecorder) {
	t.Helper()
	store := storage.NewMemoryStorage()
	recorder := notifier.NewRecorder()
	runner := tasks.NewRunner(zap.NewNop(), tasks.RunnerOptions{RetryDelay: time.Millisecond})
	hooks := &hookRecorder{}
	svc := NewService(store, recorder, runner, hooks.hook, zap.NewNop())
	return svc, store, recorder, runner, hooks
}

func inboundEvent(externalMessageID string) InboundEvent {
	return InboundEvent{
		ChannelExternalID: "15550001111",
		ChannelName:       "Support Line",
		SenderExternalID:  "15552223333",
		SenderName:        "Casey",
		ExternalMessageID: externalMessageID,
		Type:              models.TextContent,
		Body:              "hello, I need help",
		Timestamp:         time.Now().UTC(),
	}
}

func TestIngestCreatesConversationAndMessage(t *testing.T) {
	svc, store, recorder, runner, hooks := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, inboundEvent("wamid.1")))
	runner.Wait()

	events := recorder.Named(notifier.EventMessageNew)
	require.Len(t, events, 2) // conversation topic + global topic
	data := events[0].Event.Data.(notifier.MessageNewData)
	assert.Equal(t, models.DirectionInbound, data.Message.Direction)
	assert.Equal(t, "hello, I need help", data.Message.Body)

	conv, err := store.GetConversation(ctx, data.Message.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationOpen, conv.Status)

	topics := []string{events[0].Topic, events[1].Topic}
	assert.Contains(t, topics, notifier.TopicConversation(conv.ID))
	assert.Contains(t, topics, notifier.TopicGlobal)

	assert.Equal(t, 1, hooks.count(), "first contact automation fires once")
}

func TestIngestRedeliveryIsNoOp(t *testing.T) {
	svc, _, recorder, runner, hooks := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, inboundEvent("wamid.dup")))
	require.NoError(t, svc.Ingest(ctx, inboundEvent("wamid.dup")))
	runner.Wait()

	// Second delivery neither re-publishes nor re-runs automations.
	assert.Len(t, recorder.Named(notifier.EventMessageNew), 2)
	assert.Equal(t, 1, hooks.count())
}

func TestIngestSecondMessageJoinsOpenConversation(t *testing.T) {
	svc, store, recorder, runner, hooks := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, inboundEvent("wamid.1")))
	require.NoError(t, svc.Ingest(ctx, inboundEvent("wamid.2")))

	events := recorder.Named(notifier.EventMessageNew)
	require.Len(t, events, 4)
	first := events[0].Event.Data.(notifier.MessageNewData).Message
	second := events[2].Event.Data.(notifier.MessageNewData).Message
	assert.Equal(t, first.ConversationID, second.ConversationID)

	conv, err := store.GetConversation(ctx, first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, second.CreatedAt, conv.LastActivityAt)

	runner.Wait()
	assert.Equal(t, 1, hooks.count(), "known contact does not re-trigger the hook")
}

func TestIngestClosedConversationOpensNewOne(t *testing.T) {
	svc, store, recorder, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Ingest(ctx, inboundEvent("wamid.1")))
	firstConvID := recorder.Named(notifier.EventMessageNew)[0].Event.Data.(notifier.MessageNewData).Message.ConversationID

	// Close it, then ingest again.
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpdateConversationStatus(ctx, firstConvID, models.ConversationClosed)
	})
	require.NoError(t, err)

	require.NoError(t, svc.Ingest(ctx, inboundEvent("wamid.2")))

	secondConvID := recorder.Named(notifier.EventMessageNew)[2].Event.Data.(notifier.MessageNewData).Message.ConversationID
	assert.NotEqual(t, firstConvID, secondConvID, "closed conversations never receive new inbound messages")

	conv, err := store.GetConversation(ctx, secondConvID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationOpen, conv.Status)
}

func TestIngestBlockedContactDropsMessage(t *testing.T) {
	svc, store, recorder, runner, hooks := newTestService(t)
	ctx := context.Background()

	// Seed the contact as blocked under the same channel/sender ids.
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		channel, err := tx.UpsertChannel(ctx, models.ProviderWhatsApp, "15550001111", "Support Line")
		if err != nil {
			return err
		}
		contact, _, err := tx.UpsertContact(ctx, channel.ID, "15552223333", "Casey")
		if err != nil {
			return err
		}
		return tx.UpdateContactProfile(ctx, contact.ID, models.ContactProfile{Version: 1, Blocked: true})
	})
	require.NoError(t, err)

	require.NoError(t, svc.Ingest(ctx, inboundEvent("wamid.blocked")))
	runner.Wait()

	assert.Empty(t, recorder.Events(), "blocked senders produce no notifications")
	assert.Equal(t, 0, hooks.count())

	// Channel and contact bookkeeping committed, but no conversation opened.
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		channel, err := tx.UpsertChannel(ctx, models.ProviderWhatsApp, "15550001111", "")
		if err != nil {
			return err
		}
		contact, created, err := tx.UpsertContact(ctx, channel.ID, "15552223333", "")
		if err != nil {
			return err
		}
		assert.False(t, created)
		_, err = tx.FindOpenConversation(ctx, channel.ID, contact.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestIngestValidation(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)

	err := svc.Ingest(context.Background(), InboundEvent{Body: "no identifiers"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestIngestBatchStopsOnValidationError(t *testing.T) {
	svc, _, recorder, _, _ := newTestService(t)

	good := inboundEvent("wamid.ok")
	bad := InboundEvent{ExternalMessageID: uuid.New().String()}

	err := svc.IngestBatch(context.Background(), []InboundEvent{good, bad})
	require.Error(t, err)
	// The first event stays committed and announced.
	assert.Len(t, recorder.Named(notifier.EventMessageNew), 2)
}

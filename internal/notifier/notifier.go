package notifier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event names pushed to connected agent clients.
const (
	EventMessageNew           = "message:new"
	EventMessageStatus        = "message:status"
	EventAssignmentClaimed    = "assignment:claimed"
	EventAssignmentReassigned = "assignment:reassigned"
	EventAssignmentReleased   = "assignment:released"
)

// TopicGlobal receives every event; per-conversation topics receive only
// their own.
const TopicGlobal = "inbox"

func TopicConversation(conversationID string) string {
	return "conversation." + conversationID
}

type Event struct {
	Name           string    `json:"name"`
	ConversationID string    `json:"conversation_id"`
	OccurredAt     time.Time `json:"occurred_at"`
	Data           any       `json:"data,omitempty"`
}

// Notifier is the narrow publish contract the core depends on. The core
// never constructs the concrete realtime connection itself.
type Notifier interface {
	Publish(ctx context.Context, topic string, event Event) error
	Close() error
}

// Fanout delivers one event to its conversation topic and the global topic.
// Publish failures are logged and dropped; realtime delivery is best-effort
// and must never fail a committed request.
func Fanout(ctx context.Context, n Notifier, logger *zap.Logger, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	for _, topic := range []string{TopicConversation(event.ConversationID), TopicGlobal} {
		if err := n.Publish(ctx, topic, event); err != nil {
			logger.Error("failed to publish realtime event",
				zap.String("event", event.Name),
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
}

// Noop discards every event. Used in tests and when realtime is disabled.
type Noop struct{}

func (Noop) Publish(ctx context.Context, topic string, event Event) error { return nil }

func (Noop) Close() error { return nil }

// Recorder captures published events for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

type RecordedEvent struct {
	Topic string
	Event Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(ctx context.Context, topic string, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{Topic: topic, Event: event})
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events carrying the given name.
func (r *Recorder) Named(name string) []RecordedEvent {
	var out []RecordedEvent
	for _, rec := range r.Events() {
		if rec.Event.Name == name {
			out = append(out, rec)
		}
	}
	return out
}

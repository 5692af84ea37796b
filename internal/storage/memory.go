package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nivora/inboxd/internal/models"
)

// MemoryStorage is a test/dev backend. A single mutex serializes WithTx,
// which mirrors the database-level serialization the services rely on; a
// snapshot taken at transaction start gives rollback-on-error semantics.
// It enforces the same two uniqueness rules as the Postgres schema and
// returns the same sentinels.
type MemoryStorage struct {
	mu            sync.Mutex
	channels      map[string]models.Channel
	contacts      map[string]models.Contact
	conversations map[string]models.Conversation
	messages      map[string]models.Message
	attachments   map[string]models.Attachment
	assignments   map[string]models.Assignment
	audits        []models.AuditLogEntry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		channels:      make(map[string]models.Channel),
		contacts:      make(map[string]models.Contact),
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string]models.Message),
		attachments:   make(map[string]models.Attachment),
		assignments:   make(map[string]models.Assignment),
	}
}

func (s *MemoryStorage) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *MemoryStorage) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[id]; ok {
		c := conv
		return &c, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[id]; ok {
		m := msg
		return &m, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) OpenAssignment(ctx context.Context, conversationID string) (*models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openAssignment(conversationID)
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

// AuditEntries returns a copy of the audit log, oldest first. Test helper.
func (s *MemoryStorage) AuditEntries() []models.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditLogEntry, len(s.audits))
	copy(out, s.audits)
	return out
}

// Assignments returns a copy of every assignment row for a conversation.
// Test helper.
func (s *MemoryStorage) Assignments(conversationID string) []models.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Assignment
	for _, a := range s.assignments {
		if a.ConversationID == conversationID {
			out = append(out, a)
		}
	}
	return out
}

func (s *MemoryStorage) openAssignment(conversationID string) (*models.Assignment, error) {
	for _, a := range s.assignments {
		if a.ConversationID == conversationID && a.ReleasedAt == nil {
			found := a
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

type memSnapshot struct {
	channels      map[string]models.Channel
	contacts      map[string]models.Contact
	conversations map[string]models.Conversation
	messages      map[string]models.Message
	attachments   map[string]models.Attachment
	assignments   map[string]models.Assignment
	audits        []models.AuditLogEntry
}

func (s *MemoryStorage) snapshot() memSnapshot {
	return memSnapshot{
		channels:      copyMap(s.channels),
		contacts:      copyMap(s.contacts),
		conversations: copyMap(s.conversations),
		messages:      copyMap(s.messages),
		attachments:   copyMap(s.attachments),
		assignments:   copyMap(s.assignments),
		audits:        append([]models.AuditLogEntry(nil), s.audits...),
	}
}

func (s *MemoryStorage) restore(snap memSnapshot) {
	s.channels = snap.channels
	s.contacts = snap.contacts
	s.conversations = snap.conversations
	s.messages = snap.messages
	s.attachments = snap.attachments
	s.assignments = snap.assignments
	s.audits = snap.audits
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type memTx struct {
	s *MemoryStorage
}

func (t *memTx) UpsertChannel(ctx context.Context, provider models.ProviderType, externalID, displayName string) (*models.Channel, error) {
	for id, ch := range t.s.channels {
		if ch.Provider == provider && ch.ExternalID == externalID {
			if displayName != "" {
				ch.DisplayName = displayName
				t.s.channels[id] = ch
			}
			found := ch
			return &found, nil
		}
	}
	ch := models.Channel{
		ID:          uuid.New().String(),
		Provider:    provider,
		ExternalID:  externalID,
		DisplayName: displayName,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	t.s.channels[ch.ID] = ch
	return &ch, nil
}

func (t *memTx) UpsertContact(ctx context.Context, channelID, externalID, displayName string) (*models.Contact, bool, error) {
	for id, c := range t.s.contacts {
		if c.ChannelID == channelID && c.ExternalID == externalID {
			if displayName != "" {
				c.DisplayName = displayName
				t.s.contacts[id] = c
			}
			found := c
			return &found, false, nil
		}
	}
	c := models.Contact{
		ID:          uuid.New().String(),
		ChannelID:   channelID,
		ExternalID:  externalID,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	t.s.contacts[c.ID] = c
	return &c, true, nil
}

func (t *memTx) UpdateContactProfile(ctx context.Context, contactID string, profile models.ContactProfile) error {
	c, ok := t.s.contacts[contactID]
	if !ok {
		return ErrNotFound
	}
	c.Profile = profile
	t.s.contacts[contactID] = c
	return nil
}

func (t *memTx) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	if c, ok := t.s.contacts[id]; ok {
		found := c
		return &found, nil
	}
	return nil, ErrNotFound
}

func (t *memTx) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	if ch, ok := t.s.channels[id]; ok {
		found := ch
		return &found, nil
	}
	return nil, ErrNotFound
}

func (t *memTx) FindOpenConversation(ctx context.Context, channelID, contactID string) (*models.Conversation, error) {
	var oldest *models.Conversation
	for _, conv := range t.s.conversations {
		if conv.ChannelID != channelID || conv.ContactID != contactID || conv.Status != models.ConversationOpen {
			continue
		}
		c := conv
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = &c
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	return oldest, nil
}

func (t *memTx) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	t.s.conversations[conv.ID] = *conv
	return nil
}

func (t *memTx) GetConversationForUpdate(ctx context.Context, id string) (*models.Conversation, error) {
	if conv, ok := t.s.conversations[id]; ok {
		c := conv
		return &c, nil
	}
	return nil, ErrNotFound
}

func (t *memTx) UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus) error {
	conv, ok := t.s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Status = status
	t.s.conversations[id] = conv
	return nil
}

func (t *memTx) TouchConversation(ctx context.Context, id string, at time.Time) error {
	conv, ok := t.s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.LastActivityAt = at
	t.s.conversations[id] = conv
	return nil
}

func (t *memTx) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.ExternalID != "" {
		for _, m := range t.s.messages {
			if m.ChannelID == msg.ChannelID && m.ExternalID == msg.ExternalID {
				return ErrDuplicateMessage
			}
		}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	t.s.messages[msg.ID] = *msg
	return nil
}

func (t *memTx) InsertAttachment(ctx context.Context, att *models.Attachment) error {
	if _, ok := t.s.messages[att.MessageID]; !ok {
		return ErrNotFound
	}
	t.s.attachments[att.ID] = *att
	return nil
}

func (t *memTx) UpdateMessageStatus(ctx context.Context, id string, status models.DeliveryStatus, externalID string, sentAt *time.Time) error {
	msg, ok := t.s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if externalID != "" {
		for otherID, m := range t.s.messages {
			if otherID != id && m.ChannelID == msg.ChannelID && m.ExternalID == externalID {
				return ErrDuplicateMessage
			}
		}
		msg.ExternalID = externalID
	}
	msg.Status = status
	if sentAt != nil {
		msg.SentAt = sentAt
	}
	t.s.messages[id] = msg
	return nil
}

func (t *memTx) LatestInboundAt(ctx context.Context, conversationID string) (time.Time, error) {
	var latest time.Time
	found := false
	for _, m := range t.s.messages {
		if m.ConversationID == conversationID && m.Direction == models.DirectionInbound {
			if !found || m.CreatedAt.After(latest) {
				latest = m.CreatedAt
				found = true
			}
		}
	}
	if !found {
		return time.Time{}, ErrNotFound
	}
	return latest, nil
}

func (t *memTx) OpenAssignmentForUpdate(ctx context.Context, conversationID string) (*models.Assignment, error) {
	return t.s.openAssignment(conversationID)
}

func (t *memTx) InsertAssignment(ctx context.Context, a *models.Assignment) error {
	for _, existing := range t.s.assignments {
		if existing.ConversationID == a.ConversationID && existing.ReleasedAt == nil {
			return ErrAssignmentExists
		}
	}
	t.s.assignments[a.ID] = *a
	return nil
}

func (t *memTx) ReleaseAssignment(ctx context.Context, id string, at time.Time) error {
	a, ok := t.s.assignments[id]
	if !ok || a.ReleasedAt != nil {
		return ErrNotFound
	}
	released := at
	a.ReleasedAt = &released
	t.s.assignments[id] = a
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	t.s.audits = append(t.s.audits, *entry)
	return nil
}

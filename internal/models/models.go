package models

import "time"

// ProviderType identifies the upstream messaging provider a channel lives on.
type ProviderType string

const (
	ProviderWhatsApp ProviderType = "whatsapp"
)

// Channel is one messaging endpoint, e.g. a single phone number.
type Channel struct {
	ID          string       `json:"id"`
	Provider    ProviderType `json:"provider"`
	ExternalID  string       `json:"external_id"`
	DisplayName string       `json:"display_name"`
	Active      bool         `json:"active"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Contact is an external party on a channel, unique per (channel, external id).
type Contact struct {
	ID          string         `json:"id"`
	ChannelID   string         `json:"channel_id"`
	ExternalID  string         `json:"external_id"`
	DisplayName string         `json:"display_name"`
	Profile     ContactProfile `json:"profile"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ContactProfile is the structured form of the contact's free-form profile
// blob. Claim-relevant fields are typed; everything else lives in Attributes.
type ContactProfile struct {
	Version    int               `json:"version"`
	Tags       []string          `json:"tags,omitempty"`
	Blocked    bool              `json:"blocked"`
	Language   string            `json:"language,omitempty"`
	LeadID     string            `json:"lead_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type ConversationStatus string

const (
	ConversationOpen    ConversationStatus = "open"
	ConversationClosed  ConversationStatus = "closed"
	ConversationSnoozed ConversationStatus = "snoozed"
)

// Conversation is the unit of assignment and threading.
type Conversation struct {
	ID             string             `json:"id"`
	ChannelID      string             `json:"channel_id"`
	ContactID      string             `json:"contact_id"`
	Status         ConversationStatus `json:"status"`
	ExternalRefID  string             `json:"external_ref_id,omitempty"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	CreatedAt      time.Time          `json:"created_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type ContentType string

const (
	TextContent     ContentType = "text"
	ImageContent    ContentType = "image"
	VideoContent    ContentType = "video"
	AudioContent    ContentType = "audio"
	DocumentContent ContentType = "document"
	TemplateContent ContentType = "template"
)

// DeliveryStatus tracks the outbound message lifecycle. Inbound messages
// carry the empty status.
type DeliveryStatus string

const (
	StatusNone    DeliveryStatus = ""
	StatusSending DeliveryStatus = "sending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// Message is an immutable record of one inbound or outbound communication.
// (ChannelID, ExternalID) is the idempotency key for inbound redelivery.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	ChannelID      string         `json:"channel_id"`
	Direction      Direction      `json:"direction"`
	Type           ContentType    `json:"type"`
	ExternalID     string         `json:"external_id,omitempty"`
	Body           string         `json:"body"`
	Status         DeliveryStatus `json:"status,omitempty"`
	RawPayload     []byte         `json:"raw_payload,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
}

// Attachment is a media reference bound to a message.
type Attachment struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"`
	Link      string `json:"link"`
	MimeType  string `json:"mime_type,omitempty"`
}

// Assignment is a time-bounded claim of a conversation by one user. At most
// one row per conversation has ReleasedAt == nil; the database enforces this.
type Assignment struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	TeamID         string     `json:"team_id,omitempty"`
	AssigneeID     string     `json:"assignee_id"`
	ClaimedAt      time.Time  `json:"claimed_at"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
}

// AuditLogEntry is an append-only record of an assignment transition or an
// outbound send attempt.
type AuditLogEntry struct {
	ID         string            `json:"id"`
	ActorID    string            `json:"actor_id"`
	Action     string            `json:"action"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Role is the caller's role as asserted by the authentication boundary.
type Role string

const (
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

package notifier

import "github.com/nivora/inboxd/internal/models"

// MessageNewData accompanies message:new.
type MessageNewData struct {
	Message *models.Message `json:"message"`
}

// MessageStatusData accompanies message:status through the sending/sent/
// failed lifecycle. Error carries the provider's message on failure.
type MessageStatusData struct {
	MessageID string                `json:"message_id"`
	Status    models.DeliveryStatus `json:"status"`
	Error     string                `json:"error,omitempty"`
}

// AssignmentData accompanies the three assignment events. PreviousAssignee
// is set only for assignment:reassigned.
type AssignmentData struct {
	AssignmentID     string `json:"assignment_id,omitempty"`
	AssigneeID       string `json:"assignee_id,omitempty"`
	PreviousAssignee string `json:"previous_assignee,omitempty"`
	ActorID          string `json:"actor_id"`
}

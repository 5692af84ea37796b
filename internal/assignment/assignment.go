package assignment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nivora/inboxd/internal/models"
	"github.com/nivora/inboxd/internal/notifier"
	"github.com/nivora/inboxd/internal/storage"
	"github.com/nivora/inboxd/pkg/apperr"
)

// Status is the outcome of a claim/reassign/release operation.
type Status string

const (
	StatusAssigned          Status = "assigned"
	StatusAlreadyAssigned   Status = "already_assigned"
	StatusReassigned        Status = "reassigned"
	StatusReleased          Status = "released"
	StatusAlreadyUnassigned Status = "already_unassigned"
)

type Result struct {
	Status       Status `json:"status"`
	AssignmentID string `json:"assignment_id,omitempty"`
}

// Service enforces the single-open-assignment invariant. Every operation
// locks the conversation row first, then the open assignment row, so
// concurrent operations on one conversation are totally ordered and cannot
// deadlock against each other.
type Service struct {
	store    storage.Storage
	notifier notifier.Notifier
	logger   *zap.Logger
}

func NewService(store storage.Storage, n notifier.Notifier, logger *zap.Logger) *Service {
	return &Service{store: store, notifier: n, logger: logger}
}

// Claim assigns the conversation to userID. Claiming a conversation already
// held by the same user succeeds as a no-op; held by anyone else is a
// conflict, whether detected synchronously or via the unique index when two
// claims race past the lookup.
func (s *Service) Claim(ctx context.Context, conversationID, teamID, userID string) (Result, error) {
	if conversationID == "" || userID == "" {
		return Result{}, apperr.Validation("conversation id and user id are required")
	}

	var result Result
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetConversationForUpdate(ctx, conversationID); err != nil {
			return notFoundConversation(err)
		}

		current, err := tx.OpenAssignmentForUpdate(ctx, conversationID)
		switch {
		case err == nil:
			if current.AssigneeID == userID {
				result = Result{Status: StatusAlreadyAssigned, AssignmentID: current.ID}
				return nil
			}
			return apperr.Conflict("conversation already claimed by another agent")
		case errors.Is(err, storage.ErrNotFound):
			// fall through to insert
		default:
			return err
		}

		a := &models.Assignment{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			TeamID:         teamID,
			AssigneeID:     userID,
			ClaimedAt:      time.Now().UTC(),
		}
		if err := tx.InsertAssignment(ctx, a); err != nil {
			if errors.Is(err, storage.ErrAssignmentExists) {
				// Lost a race past the lookup; same answer as the
				// synchronous case.
				return apperr.Conflict("conversation already claimed by another agent")
			}
			return err
		}
		if err := tx.AppendAudit(ctx, auditEntry(userID, "assignment.claim", conversationID, map[string]string{
			"assignment_id": a.ID,
			"assignee_id":   userID,
			"team_id":       teamID,
		})); err != nil {
			return err
		}
		result = Result{Status: StatusAssigned, AssignmentID: a.ID}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if result.Status == StatusAssigned {
		notifier.Fanout(ctx, s.notifier, s.logger, notifier.Event{
			Name:           notifier.EventAssignmentClaimed,
			ConversationID: conversationID,
			Data: notifier.AssignmentData{
				AssignmentID: result.AssignmentID,
				AssigneeID:   userID,
				ActorID:      userID,
			},
		})
	}
	return result, nil
}

// Reassign moves the conversation to newUserID, releasing any current
// assignment in the same transaction so no reader ever observes the
// conversation unassigned mid-reassignment. Admin only.
func (s *Service) Reassign(ctx context.Context, conversationID, teamID, newUserID, actorID string, actorRole models.Role) (Result, error) {
	if conversationID == "" || newUserID == "" {
		return Result{}, apperr.Validation("conversation id and new assignee are required")
	}
	if actorRole != models.RoleAdmin {
		return Result{}, apperr.Permission("reassign requires an elevated role")
	}

	var result Result
	var previousAssignee string
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetConversationForUpdate(ctx, conversationID); err != nil {
			return notFoundConversation(err)
		}

		now := time.Now().UTC()
		current, err := tx.OpenAssignmentForUpdate(ctx, conversationID)
		switch {
		case err == nil:
			previousAssignee = current.AssigneeID
			if err := tx.ReleaseAssignment(ctx, current.ID, now); err != nil {
				return err
			}
		case errors.Is(err, storage.ErrNotFound):
			// nothing to release
		default:
			return err
		}

		a := &models.Assignment{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			TeamID:         teamID,
			AssigneeID:     newUserID,
			ClaimedAt:      now,
		}
		if err := tx.InsertAssignment(ctx, a); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, auditEntry(actorID, "assignment.reassign", conversationID, map[string]string{
			"assignment_id":     a.ID,
			"assignee_id":       newUserID,
			"previous_assignee": previousAssignee,
			"team_id":           teamID,
		})); err != nil {
			return err
		}
		result = Result{Status: StatusReassigned, AssignmentID: a.ID}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	notifier.Fanout(ctx, s.notifier, s.logger, notifier.Event{
		Name:           notifier.EventAssignmentReassigned,
		ConversationID: conversationID,
		Data: notifier.AssignmentData{
			AssignmentID:     result.AssignmentID,
			AssigneeID:       newUserID,
			PreviousAssignee: previousAssignee,
			ActorID:          actorID,
		},
	})
	return result, nil
}

// Release closes the open assignment. Releasing an unassigned conversation
// is a no-op; only the current assignee or an admin may release.
func (s *Service) Release(ctx context.Context, conversationID, actorID string, actorRole models.Role) (Result, error) {
	if conversationID == "" || actorID == "" {
		return Result{}, apperr.Validation("conversation id and actor id are required")
	}

	var result Result
	var releasedAssignee string
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetConversationForUpdate(ctx, conversationID); err != nil {
			return notFoundConversation(err)
		}

		current, err := tx.OpenAssignmentForUpdate(ctx, conversationID)
		if errors.Is(err, storage.ErrNotFound) {
			result = Result{Status: StatusAlreadyUnassigned}
			return nil
		}
		if err != nil {
			return err
		}

		if current.AssigneeID != actorID && actorRole != models.RoleAdmin {
			return apperr.Permission("only the current assignee or an admin may release")
		}

		if err := tx.ReleaseAssignment(ctx, current.ID, time.Now().UTC()); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, auditEntry(actorID, "assignment.release", conversationID, map[string]string{
			"assignment_id": current.ID,
			"assignee_id":   current.AssigneeID,
		})); err != nil {
			return err
		}
		releasedAssignee = current.AssigneeID
		result = Result{Status: StatusReleased, AssignmentID: current.ID}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if result.Status == StatusReleased {
		notifier.Fanout(ctx, s.notifier, s.logger, notifier.Event{
			Name:           notifier.EventAssignmentReleased,
			ConversationID: conversationID,
			Data: notifier.AssignmentData{
				AssignmentID: result.AssignmentID,
				AssigneeID:   releasedAssignee,
				ActorID:      actorID,
			},
		})
	}
	return result, nil
}

func notFoundConversation(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("conversation not found")
	}
	return err
}

func auditEntry(actorID, action, conversationID string, metadata map[string]string) *models.AuditLogEntry {
	return &models.AuditLogEntry{
		ID:         uuid.New().String(),
		ActorID:    actorID,
		Action:     action,
		EntityType: "conversation",
		EntityID:   conversationID,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
}

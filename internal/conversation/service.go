package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/accordhq/accord/internal/models"
	"github.com/accordhq/accord/internal/store"
)

// Errors surfaced by the conversation service.
var (
	// ErrBadSessionType means the requested session type is not a
	// recognized enum member.
	ErrBadSessionType = errors.New("unrecognized session type")

	// ErrNotSessionOwner means the caller may not write to the session.
	ErrNotSessionOwner = errors.New("user may not write to this session")

	// ErrUnsafeContent means the safety checker rejected the message.
	ErrUnsafeContent = errors.New("message rejected by safety check")
)

// SessionFinalized is emitted on the first finalize of a session.
// Subscribers decide what downstream work to queue; the conversation
// service itself knows nothing about guidance.
type SessionFinalized struct {
	SessionID   string
	SessionType models.SessionType
	ConflictID  string
	UserID      string
}

// Subscriber receives SessionFinalized facts. Handlers run
// synchronously on the finalizing call path and must not block on
// external services.
type Subscriber func(ctx context.Context, ev SessionFinalized)

// SafetyResult is the outcome of a content-safety check.
type SafetyResult struct {
	Safe   bool
	Reason string
}

// SafetyChecker screens user-authored text before it enters a
// transcript. Implementations live outside this core.
type SafetyChecker interface {
	Check(text string) SafetyResult
}

// Service owns ConversationSession lifecycle: creation, append,
// finalize-lock, and the finalized event fan-out.
type Service struct {
	store       store.Store
	safety      SafetyChecker
	subscribers []Subscriber
}

// NewService creates a conversation service. The safety checker may be
// nil, in which case user appends are not screened.
func NewService(s store.Store, safety SafetyChecker) *Service {
	return &Service{store: s, safety: safety}
}

// Subscribe registers a handler for SessionFinalized events. Not safe
// for concurrent use; register all subscribers at startup.
func (s *Service) Subscribe(fn Subscriber) {
	s.subscribers = append(s.subscribers, fn)
}

// CreateSession starts a new active session with an empty transcript.
func (s *Service) CreateSession(ctx context.Context, userID string, sessionType models.SessionType, conflictID string) (*models.ConversationSession, error) {
	if !models.ValidSessionType(sessionType) {
		return nil, fmt.Errorf("session type %q: %w", sessionType, ErrBadSessionType)
	}

	sess := &models.ConversationSession{
		UserID:      userID,
		ConflictID:  conflictID,
		SessionType: sessionType,
		Status:      models.SessionStatusActive,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession returns a session with its full transcript.
func (s *Service) GetSession(ctx context.Context, id string) (*models.ConversationSession, error) {
	return s.store.GetSession(ctx, id)
}

// AddMessage appends a message to an active session. Append order is
// the transcript order; the store rejects appends on finalized
// sessions with store.ErrSessionLocked.
func (s *Service) AddMessage(ctx context.Context, sessionID string, role models.MessageRole, content, senderID string) (*models.Message, error) {
	m := &models.Message{
		Role:     role,
		Content:  content,
		SenderID: senderID,
	}
	if err := s.store.AppendMessage(ctx, sessionID, m); err != nil {
		return nil, err
	}
	return m, nil
}

// AddUserMessage appends a user-authored message, enforcing write
// access: single-owner sessions accept only their owner, while
// relationship_shared sessions accept both partners of the owning
// conflict. User text passes the safety checker when one is configured.
func (s *Service) AddUserMessage(ctx context.Context, sessionID, userID, content string) (*models.Message, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	role := models.MessageRoleUser
	if sess.SessionType == models.SessionTypeRelationshipShared {
		conflict, err := s.store.GetConflict(ctx, sess.ConflictID)
		if err != nil {
			return nil, err
		}
		slot, ok := conflict.PartnerSlotOf(userID)
		if !ok {
			return nil, fmt.Errorf("user %s on shared session %s: %w", userID, sessionID, ErrNotSessionOwner)
		}
		if slot == models.PartnerSlotA {
			role = models.MessageRolePartnerA
		} else {
			role = models.MessageRolePartnerB
		}
	} else if sess.UserID != userID {
		return nil, fmt.Errorf("user %s on session %s: %w", userID, sessionID, ErrNotSessionOwner)
	}

	if s.safety != nil {
		if res := s.safety.Check(content); !res.Safe {
			return nil, fmt.Errorf("%w: %s", ErrUnsafeContent, res.Reason)
		}
	}

	return s.AddMessage(ctx, sessionID, role, content, userID)
}

// FinalizeSession locks a session. Finalizing an already-finalized
// session is a no-op returning the session unchanged. Subscribers are
// notified only on the first finalize.
func (s *Service) FinalizeSession(ctx context.Context, id string) (*models.ConversationSession, error) {
	sess, first, err := s.store.FinalizeSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if first {
		ev := SessionFinalized{
			SessionID:   sess.ID,
			SessionType: sess.SessionType,
			ConflictID:  sess.ConflictID,
			UserID:      sess.UserID,
		}
		for _, fn := range s.subscribers {
			fn(ctx, ev)
		}
	}
	return sess, nil
}

// ListByConflict returns all sessions linked to a conflict in creation
// order. Callers use this to test for existing sessions of a type
// before creating duplicates.
func (s *Service) ListByConflict(ctx context.Context, conflictID string) ([]*models.ConversationSession, error) {
	return s.store.ListSessionsByConflict(ctx, conflictID)
}

// ListByUser returns a user's sessions, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*models.ConversationSession, error) {
	return s.store.ListSessionsByUser(ctx, userID, limit)
}

// FindByType returns the first session of the given type for a
// conflict, or nil when none exists.
func FindByType(sessions []*models.ConversationSession, t models.SessionType) *models.ConversationSession {
	for _, sess := range sessions {
		if sess.SessionType == t {
			return sess
		}
	}
	return nil
}

package conflict

import (
	"context"
	"errors"
	"fmt"

	"github.com/accordhq/accord/internal/conversation"
	"github.com/accordhq/accord/internal/models"
	"github.com/accordhq/accord/internal/store"
)

// Errors surfaced by the state machine.
var (
	// ErrInvalidTransition means the requested status change is not an
	// edge in the legal status graph.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyInvited means partner B is already set on the conflict.
	ErrAlreadyInvited = errors.New("partner B already invited")

	// ErrBadPrivacy / ErrBadGuidanceMode reject unrecognized enum values.
	ErrBadPrivacy      = errors.New("unrecognized privacy value")
	ErrBadGuidanceMode = errors.New("unrecognized guidance mode")
)

// allowedTransitions is the source of truth for the status graph.
// Anything not listed is rejected. Status never regresses.
var allowedTransitions = map[models.ConflictStatus][]models.ConflictStatus{
	models.ConflictStatusPartnerAChatting: {
		models.ConflictStatusPendingPartnerB,
		models.ConflictStatusPartnerBChatting,
	},
	models.ConflictStatusPendingPartnerB: {
		models.ConflictStatusPartnerBChatting,
	},
	models.ConflictStatusPartnerBChatting: {
		models.ConflictStatusBothFinalized,
	},
	models.ConflictStatusBothFinalized: nil,
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to models.ConflictStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsPartnerFinalized reports whether the given partner's exploration
// session is finalized. This is the single derivation used everywhere;
// conflict status alone cannot answer it (B may finalize while status
// is still partner_b_chatting waiting on A).
func IsPartnerFinalized(c *models.Conflict, slot models.PartnerSlot, sessions []*models.ConversationSession) bool {
	sessionID := c.SessionID(slot)
	if sessionID != "" {
		for _, sess := range sessions {
			if sess.ID == sessionID {
				return sess.Finalized()
			}
		}
	}
	// Fall back to the session type when the conflict's back-pointer is
	// missing or stale.
	if sess := conversation.FindByType(sessions, models.IndividualType(slot)); sess != nil {
		return sess.Finalized()
	}
	return false
}

// Machine owns Conflict entities and enforces the legal status graph.
type Machine struct {
	store    store.Store
	sessions *conversation.Service
}

// NewMachine creates the conflict state machine.
func NewMachine(s store.Store, sessions *conversation.Service) *Machine {
	return &Machine{store: s, sessions: sessions}
}

// CreateParams are the caller-supplied fields for a new conflict.
type CreateParams struct {
	OwnerID        string
	Title          string
	Description    string
	Privacy        models.ConflictPrivacy
	GuidanceMode   models.GuidanceMode
	RelationshipID string
}

// Create creates a conflict and, synchronously, partner A's exploration
// session. The two-step create is intentional: the session must exist
// before the conflict is usable. If the session back-write fails the
// conflict is left session-less and callers must treat it as invalid.
func (m *Machine) Create(ctx context.Context, p CreateParams) (*models.Conflict, error) {
	switch p.Privacy {
	case models.ConflictPrivacyPrivate, models.ConflictPrivacyShared:
	default:
		return nil, fmt.Errorf("privacy %q: %w", p.Privacy, ErrBadPrivacy)
	}
	switch p.GuidanceMode {
	case models.GuidanceModeStructured, models.GuidanceModeConversational, models.GuidanceModeTest:
	default:
		return nil, fmt.Errorf("guidance mode %q: %w", p.GuidanceMode, ErrBadGuidanceMode)
	}

	c := &models.Conflict{
		Title:          p.Title,
		Description:    p.Description,
		Privacy:        p.Privacy,
		GuidanceMode:   p.GuidanceMode,
		Status:         models.ConflictStatusPartnerAChatting,
		PartnerAID:     p.OwnerID,
		RelationshipID: p.RelationshipID,
	}
	if err := m.store.CreateConflict(ctx, c); err != nil {
		return nil, err
	}

	sess, err := m.sessions.CreateSession(ctx, p.OwnerID, models.SessionTypeIndividualA, c.ID)
	if err != nil {
		return nil, fmt.Errorf("create partner A session for conflict %s: %w", c.ID, err)
	}
	if err := m.store.SetConflictPartnerASession(ctx, c.ID, sess.ID); err != nil {
		return nil, fmt.Errorf("link partner A session for conflict %s: %w", c.ID, err)
	}
	c.PartnerASessionID = sess.ID

	return c, nil
}

// Get returns a conflict by id.
func (m *Machine) Get(ctx context.Context, id string) (*models.Conflict, error) {
	return m.store.GetConflict(ctx, id)
}

// ListByUser returns conflicts where user is either partner.
func (m *Machine) ListByUser(ctx context.Context, userID string, includeArchived bool) ([]*models.Conflict, error) {
	return m.store.ListConflictsByUser(ctx, userID, includeArchived)
}

// ListByRelationship returns a relationship's conflicts.
func (m *Machine) ListByRelationship(ctx context.Context, relationshipID string) ([]*models.Conflict, error) {
	return m.store.ListConflictsByRelationship(ctx, relationshipID)
}

// InvitePartnerB sets partner B on the conflict and creates their
// exploration session. Joining as partner B is this same operation
// called with the joining user's own id; the distinction is caller
// identity at the API boundary.
func (m *Machine) InvitePartnerB(ctx context.Context, conflictID, partnerBID string) (*models.Conflict, error) {
	c, err := m.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.PartnerBID != "" {
		return nil, fmt.Errorf("conflict %s: %w", conflictID, ErrAlreadyInvited)
	}
	if !CanTransition(c.Status, models.ConflictStatusPartnerBChatting) {
		return nil, fmt.Errorf("%s -> %s: %w", c.Status, models.ConflictStatusPartnerBChatting, ErrInvalidTransition)
	}

	sess, err := m.sessions.CreateSession(ctx, partnerBID, models.SessionTypeIndividualB, c.ID)
	if err != nil {
		return nil, fmt.Errorf("create partner B session for conflict %s: %w", c.ID, err)
	}
	if err := m.store.SetConflictPartnerB(ctx, c.ID, partnerBID, sess.ID); err != nil {
		return nil, err
	}
	if err := m.store.UpdateConflictStatus(ctx, c.ID, c.Status, models.ConflictStatusPartnerBChatting); err != nil {
		return nil, err
	}

	return m.store.GetConflict(ctx, c.ID)
}

// UpdateStatus applies a transition from the legal graph. Disallowed
// pairs fail with ErrInvalidTransition naming both states and leave the
// conflict unchanged.
func (m *Machine) UpdateStatus(ctx context.Context, conflictID string, to models.ConflictStatus) (*models.Conflict, error) {
	switch to {
	case models.ConflictStatusPartnerAChatting, models.ConflictStatusPendingPartnerB,
		models.ConflictStatusPartnerBChatting, models.ConflictStatusBothFinalized:
	default:
		return nil, fmt.Errorf("unknown status %q: %w", to, ErrInvalidTransition)
	}

	c, err := m.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(c.Status, to) {
		return nil, fmt.Errorf("%s -> %s: %w", c.Status, to, ErrInvalidTransition)
	}
	if err := m.store.UpdateConflictStatus(ctx, conflictID, c.Status, to); err != nil {
		return nil, err
	}
	return m.store.GetConflict(ctx, conflictID)
}

// Archive marks a conflict archived. Conflicts are never hard-deleted.
func (m *Machine) Archive(ctx context.Context, conflictID string) error {
	return m.store.ArchiveConflict(ctx, conflictID)
}

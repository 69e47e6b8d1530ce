// Package visibility computes what a given viewer may read of a
// conflict and its sessions. It is pure: no storage access, no clocks.
package visibility

import (
	"github.com/accordhq/accord/internal/conflict"
	"github.com/accordhq/accord/internal/models"
)

// View is what a viewer may see of a conflict's exploration sessions.
type View struct {
	CanViewA bool `json:"canViewA"`
	CanViewB bool `json:"canViewB"`
}

// Evaluate computes session visibility for viewerID. Each partner can
// always view their own session. The other partner's session opens only
// when the conflict is shared, the viewer's own session is finalized,
// and the conflict has reached both_finalized, all at once, so a fast
// partner never reads the other's narrative mid-conversation.
func Evaluate(c *models.Conflict, sessions []*models.ConversationSession, viewerID string) View {
	slot, ok := c.PartnerSlotOf(viewerID)
	if !ok {
		return View{}
	}

	var v View
	if slot == models.PartnerSlotA {
		v.CanViewA = true
	} else {
		v.CanViewB = true
	}

	crossOpen := c.Privacy == models.ConflictPrivacyShared &&
		c.Status == models.ConflictStatusBothFinalized &&
		conflict.IsPartnerFinalized(c, slot, sessions)
	if crossOpen {
		v.CanViewA = true
		v.CanViewB = true
	}
	return v
}

// CanViewMetadata reports whether viewerID may read the conflict's
// metadata (not session content). Partners always can; a non-partner
// can only when they are a member of the conflict's relationship,
// which lets a just-invited user fetch the conflict before joining.
func CanViewMetadata(c *models.Conflict, rel *models.Relationship, viewerID string) bool {
	if _, ok := c.PartnerSlotOf(viewerID); ok {
		return true
	}
	return rel != nil && rel.ID == c.RelationshipID && rel.IsMember(viewerID)
}

// CanViewSession reports whether viewerID may read one session's
// content, applying the cross-partner rules for exploration sessions
// and conflict membership for shared and joint-context sessions.
func CanViewSession(c *models.Conflict, sessions []*models.ConversationSession, sess *models.ConversationSession, viewerID string) bool {
	_, isPartner := c.PartnerSlotOf(viewerID)

	switch sess.SessionType {
	case models.SessionTypeIndividualA:
		return Evaluate(c, sessions, viewerID).CanViewA
	case models.SessionTypeIndividualB:
		return Evaluate(c, sessions, viewerID).CanViewB
	case models.SessionTypeRelationshipShared:
		// Gated purely by conflict membership, not session ownership.
		return isPartner
	case models.SessionTypeJointContextA, models.SessionTypeJointContextB:
		// Joint-context guidance is addressed to one partner.
		return sess.UserID == viewerID
	default:
		return sess.UserID == viewerID
	}
}

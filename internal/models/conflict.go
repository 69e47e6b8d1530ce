package models

import "time"

// ConflictStatus represents where a conflict sits in its lifecycle.
// Values are wire-stable; status only ever advances forward.
type ConflictStatus string

const (
	ConflictStatusPartnerAChatting ConflictStatus = "partner_a_chatting"
	ConflictStatusPendingPartnerB  ConflictStatus = "pending_partner_b"
	ConflictStatusPartnerBChatting ConflictStatus = "partner_b_chatting"
	ConflictStatusBothFinalized    ConflictStatus = "both_finalized"
)

// ConflictPrivacy controls whether partners may eventually read each
// other's exploration transcripts.
type ConflictPrivacy string

const (
	ConflictPrivacyPrivate ConflictPrivacy = "private"
	ConflictPrivacyShared  ConflictPrivacy = "shared"
)

// GuidanceMode selects the style of generated guidance.
type GuidanceMode string

const (
	GuidanceModeStructured     GuidanceMode = "structured"
	GuidanceModeConversational GuidanceMode = "conversational"
	GuidanceModeTest           GuidanceMode = "test"
)

// PartnerSlot identifies which side of a conflict a partner occupies.
type PartnerSlot string

const (
	PartnerSlotA PartnerSlot = "a"
	PartnerSlotB PartnerSlot = "b"
)

// Conflict is the top-level unit of a counseling episode shared by
// exactly two partners. PartnerBID and PartnerBSessionID are set
// together or not at all. Conflicts are archived, never hard-deleted.
type Conflict struct {
	ID                string
	Title             string
	Description       string
	Privacy           ConflictPrivacy
	GuidanceMode      GuidanceMode
	Status            ConflictStatus
	PartnerAID        string
	PartnerBID        string
	PartnerASessionID string
	PartnerBSessionID string
	RelationshipID    string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ArchivedAt        *time.Time
}

// PartnerSlotOf returns which slot userID occupies on the conflict,
// or false if the user is not a partner.
func (c *Conflict) PartnerSlotOf(userID string) (PartnerSlot, bool) {
	switch userID {
	case "":
		return "", false
	case c.PartnerAID:
		return PartnerSlotA, true
	case c.PartnerBID:
		return PartnerSlotB, true
	}
	return "", false
}

// PartnerID returns the user id occupying the given slot.
func (c *Conflict) PartnerID(slot PartnerSlot) string {
	if slot == PartnerSlotA {
		return c.PartnerAID
	}
	return c.PartnerBID
}

// SessionID returns the exploration session id for the given slot.
func (c *Conflict) SessionID(slot PartnerSlot) string {
	if slot == PartnerSlotA {
		return c.PartnerASessionID
	}
	return c.PartnerBSessionID
}

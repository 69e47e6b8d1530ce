package models

import "time"

// SessionType identifies the purpose of a conversation session.
// Values are wire-stable and must not be renamed.
type SessionType string

const (
	SessionTypeIntake             SessionType = "intake"
	SessionTypeIndividualA        SessionType = "individual_a"
	SessionTypeIndividualB        SessionType = "individual_b"
	SessionTypeJointContextA      SessionType = "joint_context_a"
	SessionTypeJointContextB      SessionType = "joint_context_b"
	SessionTypeRelationshipShared SessionType = "relationship_shared"
)

// ValidSessionType reports whether t is a recognized session type.
func ValidSessionType(t SessionType) bool {
	switch t {
	case SessionTypeIntake, SessionTypeIndividualA, SessionTypeIndividualB,
		SessionTypeJointContextA, SessionTypeJointContextB, SessionTypeRelationshipShared:
		return true
	}
	return false
}

// IsIndividual reports whether t is one of the two private exploration
// session types.
func (t SessionType) IsIndividual() bool {
	return t == SessionTypeIndividualA || t == SessionTypeIndividualB
}

// IndividualSlot returns the partner slot an exploration session type
// belongs to. Only meaningful when IsIndividual is true.
func (t SessionType) IndividualSlot() PartnerSlot {
	if t == SessionTypeIndividualB {
		return PartnerSlotB
	}
	return PartnerSlotA
}

// JointContextType returns the joint-context session type for a slot.
func JointContextType(slot PartnerSlot) SessionType {
	if slot == PartnerSlotB {
		return SessionTypeJointContextB
	}
	return SessionTypeJointContextA
}

// IndividualType returns the exploration session type for a slot.
func IndividualType(slot PartnerSlot) SessionType {
	if slot == PartnerSlotB {
		return SessionTypeIndividualB
	}
	return SessionTypeIndividualA
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusFinalized SessionStatus = "finalized"
)

// MessageRole identifies who authored a message.
type MessageRole string

const (
	MessageRoleUser     MessageRole = "user"
	MessageRoleAI       MessageRole = "ai"
	MessageRolePartnerA MessageRole = "partner-a"
	MessageRolePartnerB MessageRole = "partner-b"
)

// Message is a single immutable entry in a session transcript.
// SenderID disambiguates the author in shared-write sessions.
type Message struct {
	ID        string
	SessionID string
	Role      MessageRole
	Content   string
	SenderID  string
	Timestamp time.Time
}

// ConversationSession is one chat transcript. UserID is the creator;
// for relationship_shared sessions it is creator-only and grants no
// exclusive write access: both partners of the owning conflict write.
// Once finalized no further messages may be appended.
type ConversationSession struct {
	ID          string
	UserID      string
	ConflictID  string
	SessionType SessionType
	Status      SessionStatus
	Messages    []*Message
	CreatedAt   time.Time
	FinalizedAt *time.Time
}

// Finalized reports whether the session transcript is locked.
func (s *ConversationSession) Finalized() bool {
	return s.Status == SessionStatusFinalized
}

package models

import "time"

// Relationship links the two partners a conflict belongs to. Membership
// is what lets a just-invited partner B read conflict metadata before
// joining.
type Relationship struct {
	ID         string
	PartnerAID string
	PartnerBID string
	CreatedAt  time.Time
}

// IsMember reports whether userID is one of the relationship's partners.
func (r *Relationship) IsMember(userID string) bool {
	return userID != "" && (userID == r.PartnerAID || userID == r.PartnerBID)
}

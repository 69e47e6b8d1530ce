package visibility

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/accordhq/accord/internal/models"
)

func fixtureConflict(privacy models.ConflictPrivacy, status models.ConflictStatus) (*models.Conflict, []*models.ConversationSession) {
	c := &models.Conflict{
		ID:                "conf-1",
		Privacy:           privacy,
		Status:            status,
		PartnerAID:        "alice",
		PartnerBID:        "bob",
		PartnerASessionID: "sess-a",
		PartnerBSessionID: "sess-b",
		RelationshipID:    "rel-1",
	}
	sessions := []*models.ConversationSession{
		{ID: "sess-a", UserID: "alice", ConflictID: c.ID, SessionType: models.SessionTypeIndividualA, Status: models.SessionStatusActive},
		{ID: "sess-b", UserID: "bob", ConflictID: c.ID, SessionType: models.SessionTypeIndividualB, Status: models.SessionStatusActive},
	}
	return c, sessions
}

func finalize(sess *models.ConversationSession) {
	now := time.Now()
	sess.Status = models.SessionStatusFinalized
	sess.FinalizedAt = &now
}

func TestEvaluateOwnSessionAlwaysVisible(t *testing.T) {
	c, sessions := fixtureConflict(models.ConflictPrivacyShared, models.ConflictStatusPartnerBChatting)

	v := Evaluate(c, sessions, "alice")
	assert.True(t, v.CanViewA)
	assert.False(t, v.CanViewB)

	v = Evaluate(c, sessions, "bob")
	assert.False(t, v.CanViewA)
	assert.True(t, v.CanViewB)
}

func TestEvaluateNonPartnerSeesNothing(t *testing.T) {
	c, sessions := fixtureConflict(models.ConflictPrivacyShared, models.ConflictStatusBothFinalized)
	finalize(sessions[0])
	finalize(sessions[1])

	v := Evaluate(c, sessions, "carol")
	assert.False(t, v.CanViewA)
	assert.False(t, v.CanViewB)
}

func TestEvaluatePrivateNeverCrosses(t *testing.T) {
	c, sessions := fixtureConflict(models.ConflictPrivacyPrivate, models.ConflictStatusBothFinalized)
	finalize(sessions[0])
	finalize(sessions[1])

	v := Evaluate(c, sessions, "alice")
	assert.True(t, v.CanViewA)
	assert.False(t, v.CanViewB, "private conflicts never expose the other transcript")
}

func TestEvaluateSharedCrossRequiresAllConditions(t *testing.T) {
	// Shared but conflict not yet both_finalized: no cross access even
	// with both sessions finalized.
	c, sessions := fixtureConflict(models.ConflictPrivacyShared, models.ConflictStatusPartnerBChatting)
	finalize(sessions[0])
	finalize(sessions[1])
	assert.False(t, Evaluate(c, sessions, "alice").CanViewB)
	assert.False(t, Evaluate(c, sessions, "bob").CanViewA)

	// Conflict both_finalized but the viewer's session still active:
	// still closed for that viewer.
	c, sessions = fixtureConflict(models.ConflictPrivacyShared, models.ConflictStatusBothFinalized)
	finalize(sessions[1])
	assert.False(t, Evaluate(c, sessions, "alice").CanViewB)

	// All three conditions hold: open both ways.
	finalize(sessions[0])
	va := Evaluate(c, sessions, "alice")
	vb := Evaluate(c, sessions, "bob")
	assert.True(t, va.CanViewA)
	assert.True(t, va.CanViewB)
	assert.True(t, vb.CanViewA)
	assert.True(t, vb.CanViewB)
}

func TestCanViewMetadata(t *testing.T) {
	c, _ := fixtureConflict(models.ConflictPrivacyPrivate, models.ConflictStatusPartnerAChatting)
	rel := &models.Relationship{ID: "rel-1", PartnerAID: "alice", PartnerBID: "carol"}

	assert.True(t, CanViewMetadata(c, nil, "alice"))
	assert.True(t, CanViewMetadata(c, nil, "bob"))

	// carol is not a conflict partner but shares the relationship, so
	// she can read metadata before joining.
	assert.True(t, CanViewMetadata(c, rel, "carol"))
	assert.False(t, CanViewMetadata(c, rel, "dave"))
	assert.False(t, CanViewMetadata(c, nil, "carol"))
}

func TestCanViewSession(t *testing.T) {
	c, sessions := fixtureConflict(models.ConflictPrivacyShared, models.ConflictStatusPartnerBChatting)
	shared := &models.ConversationSession{ID: "sess-shared", UserID: "alice", ConflictID: c.ID, SessionType: models.SessionTypeRelationshipShared}
	jointA := &models.ConversationSession{ID: "sess-ja", UserID: "alice", ConflictID: c.ID, SessionType: models.SessionTypeJointContextA}

	assert.True(t, CanViewSession(c, sessions, sessions[0], "alice"))
	assert.False(t, CanViewSession(c, sessions, sessions[0], "bob"))
	assert.False(t, CanViewSession(c, sessions, sessions[1], "alice"))

	// Shared sessions are readable by both partners regardless of who
	// created the row, and by nobody else.
	assert.True(t, CanViewSession(c, sessions, shared, "alice"))
	assert.True(t, CanViewSession(c, sessions, shared, "bob"))
	assert.False(t, CanViewSession(c, sessions, shared, "carol"))

	// Joint-context guidance stays with its addressee.
	assert.True(t, CanViewSession(c, sessions, jointA, "alice"))
	assert.False(t, CanViewSession(c, sessions, jointA, "bob"))

	// After full finalization the cross transcripts open.
	finalize(sessions[0])
	finalize(sessions[1])
	c.Status = models.ConflictStatusBothFinalized
	assert.True(t, CanViewSession(c, sessions, sessions[1], "alice"))
	assert.True(t, CanViewSession(c, sessions, sessions[0], "bob"))
}

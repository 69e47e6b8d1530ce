package guidance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/accordhq/accord/internal/conflict"
	"github.com/accordhq/accord/internal/conversation"
	"github.com/accordhq/accord/internal/models"
	"github.com/accordhq/accord/internal/queue"
	"github.com/accordhq/accord/internal/store"
)

// ErrGuidanceNotReady means the shared session cannot be produced yet
// because one or both partners lack joint-context guidance.
var ErrGuidanceNotReady = errors.New("joint-context guidance not ready")

// Orchestrator consumes guidance jobs: it calls the completion
// capability, writes results into new or derived sessions, and triggers
// the downstream relationship synthesis.
type Orchestrator struct {
	store     store.Store
	sessions  *conversation.Service
	completer Completer
	logger    *slog.Logger
}

// NewOrchestrator creates the synthesis worker.
func NewOrchestrator(s store.Store, sessions *conversation.Service, completer Completer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: s, sessions: sessions, completer: completer, logger: logger}
}

// Handle implements the queue handler for both job variants.
func (o *Orchestrator) Handle(ctx context.Context, job models.GuidanceJob) (queue.Result, error) {
	switch job.Kind {
	case models.JobKindIndividualGuidance:
		_, res, err := o.runIndividual(ctx, job)
		return res, err
	case models.JobKindJointContextGuidance:
		_, res, err := o.runJointContext(ctx, job)
		return res, err
	default:
		return queue.Result{}, queue.Permanent(fmt.Errorf("unknown job kind %q", job.Kind))
	}
}

// classify maps a completion failure onto queue retry semantics:
// transient failures retry, everything else fails the job immediately.
func classify(err error) error {
	if IsTransient(err) {
		return err
	}
	return queue.Permanent(err)
}

// runIndividual synthesizes guidance from one partner's finalized
// exploration transcript into their joint_context session.
func (o *Orchestrator) runIndividual(ctx context.Context, job models.GuidanceJob) (string, queue.Result, error) {
	sess, err := o.store.GetSession(ctx, job.SessionID)
	if err != nil {
		// A missing session is an upstream bug, not a transient condition.
		return "", queue.Result{}, queue.Permanent(err)
	}
	if !sess.Finalized() {
		return "", queue.Result{}, queue.Permanent(fmt.Errorf("session %s is not finalized", sess.ID))
	}

	c, err := o.store.GetConflict(ctx, job.ConflictID)
	if err != nil {
		return "", queue.Result{}, queue.Permanent(err)
	}

	system, prior := buildIndividualPrompt(c, sess)
	comp, err := o.completer.Complete(ctx, system, prior)
	if err != nil {
		return "", queue.Result{}, classify(err)
	}

	target, err := o.findOrCreateJointSession(ctx, c.ID, sess.UserID, models.JointContextType(job.PartnerSlot))
	if err != nil {
		return "", queue.Result{}, err
	}
	if _, err := o.sessions.AddMessage(ctx, target.ID, models.MessageRoleAI, comp.Text, ""); err != nil {
		return "", queue.Result{}, err
	}

	return target.ID, queue.Result{InputTokens: comp.InputTokens, OutputTokens: comp.OutputTokens}, nil
}

// runJointContext synthesizes guidance for one partner from both
// partners' transcripts, then runs the relationship-synthesis trigger
// check.
func (o *Orchestrator) runJointContext(ctx context.Context, job models.GuidanceJob) (string, queue.Result, error) {
	c, err := o.store.GetConflict(ctx, job.ConflictID)
	if err != nil {
		return "", queue.Result{}, queue.Permanent(err)
	}
	slot, ok := c.PartnerSlotOf(job.PartnerID)
	if !ok {
		return "", queue.Result{}, queue.Permanent(fmt.Errorf("user %s is not a partner of conflict %s", job.PartnerID, c.ID))
	}

	sessions, err := o.store.ListSessionsByConflict(ctx, c.ID)
	if err != nil {
		return "", queue.Result{}, err
	}
	if !conflict.IsPartnerFinalized(c, models.PartnerSlotA, sessions) ||
		!conflict.IsPartnerFinalized(c, models.PartnerSlotB, sessions) {
		return "", queue.Result{}, queue.Permanent(fmt.Errorf("conflict %s: both explorations must be finalized", c.ID))
	}

	own := findSessionByID(sessions, c.SessionID(slot))
	other := findSessionByID(sessions, c.SessionID(otherSlot(slot)))
	if own == nil || other == nil {
		return "", queue.Result{}, queue.Permanent(fmt.Errorf("conflict %s: exploration sessions missing", c.ID))
	}

	system, prior := buildJointPrompt(c, own, other)
	comp, err := o.completer.Complete(ctx, system, prior)
	if err != nil {
		return "", queue.Result{}, classify(err)
	}

	target, err := o.findOrCreateJointSession(ctx, c.ID, job.PartnerID, models.JointContextType(slot))
	if err != nil {
		return "", queue.Result{}, err
	}
	if _, err := o.sessions.AddMessage(ctx, target.ID, models.MessageRoleAI, comp.Text, ""); err != nil {
		return "", queue.Result{}, err
	}

	res := queue.Result{InputTokens: comp.InputTokens, OutputTokens: comp.OutputTokens}

	// Best-effort: the partner's own guidance already landed, so a
	// failing synthesis must never fail this job. The lazy path in
	// EnsureSharedSession picks up anything missed here.
	synthRes, synthErr := o.maybeCreateSynthesis(ctx, c)
	if synthErr != nil {
		o.logger.Warn("relationship synthesis trigger failed",
			"conflict", c.ID, "error", synthErr)
	}
	res.InputTokens += synthRes.InputTokens
	res.OutputTokens += synthRes.OutputTokens

	return target.ID, res, nil
}

// maybeCreateSynthesis creates the relationship_shared session and its
// opening message once both joint-context sessions carry guidance. The
// store's uniqueness rule makes creation at-most-once per conflict.
func (o *Orchestrator) maybeCreateSynthesis(ctx context.Context, c *models.Conflict) (queue.Result, error) {
	sessions, err := o.store.ListSessionsByConflict(ctx, c.ID)
	if err != nil {
		return queue.Result{}, err
	}

	if conversation.FindByType(sessions, models.SessionTypeRelationshipShared) != nil {
		return queue.Result{}, nil
	}
	jointA := conversation.FindByType(sessions, models.SessionTypeJointContextA)
	jointB := conversation.FindByType(sessions, models.SessionTypeJointContextB)
	if jointA == nil || jointB == nil || len(jointA.Messages) == 0 || len(jointB.Messages) == 0 {
		return queue.Result{}, nil
	}

	shared, err := o.sessions.CreateSession(ctx, c.PartnerAID, models.SessionTypeRelationshipShared, c.ID)
	if errors.Is(err, store.ErrDuplicateSession) {
		// Another worker won the creation race.
		return queue.Result{}, nil
	}
	if err != nil {
		return queue.Result{}, err
	}

	return o.generateSharedOpening(ctx, c, sessions, shared.ID)
}

// generateSharedOpening writes the relationship-synthesis opening
// message into the shared session from both explorations and both
// partners' joint-context guidance texts.
func (o *Orchestrator) generateSharedOpening(ctx context.Context, c *models.Conflict, sessions []*models.ConversationSession, sharedID string) (queue.Result, error) {
	a := findSessionByID(sessions, c.PartnerASessionID)
	b := findSessionByID(sessions, c.PartnerBSessionID)
	jointA := conversation.FindByType(sessions, models.SessionTypeJointContextA)
	jointB := conversation.FindByType(sessions, models.SessionTypeJointContextB)
	if a == nil || b == nil || jointA == nil || jointB == nil ||
		len(jointA.Messages) == 0 || len(jointB.Messages) == 0 {
		return queue.Result{}, ErrGuidanceNotReady
	}

	system, prior := buildSynthesisPrompt(c, a, b, jointA.Messages[0].Content, jointB.Messages[0].Content)
	comp, err := o.completer.Complete(ctx, system, prior)
	if err != nil {
		return queue.Result{}, err
	}
	if _, err := o.sessions.AddMessage(ctx, sharedID, models.MessageRoleAI, comp.Text, ""); err != nil {
		return queue.Result{}, err
	}
	return queue.Result{InputTokens: comp.InputTokens, OutputTokens: comp.OutputTokens}, nil
}

// EnsureSharedSession returns the conflict's relationship_shared
// session, lazily creating it (and its opening message) when the
// automatic trigger was missed. Fails with ErrGuidanceNotReady until
// both partners have joint-context guidance.
func (o *Orchestrator) EnsureSharedSession(ctx context.Context, conflictID string) (*models.ConversationSession, error) {
	c, err := o.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	sessions, err := o.store.ListSessionsByConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}

	shared := conversation.FindByType(sessions, models.SessionTypeRelationshipShared)
	if shared != nil && len(shared.Messages) > 0 {
		return shared, nil
	}

	jointA := conversation.FindByType(sessions, models.SessionTypeJointContextA)
	jointB := conversation.FindByType(sessions, models.SessionTypeJointContextB)
	if jointA == nil || jointB == nil || len(jointA.Messages) == 0 || len(jointB.Messages) == 0 {
		return nil, ErrGuidanceNotReady
	}

	if shared == nil {
		created, err := o.sessions.CreateSession(ctx, c.PartnerAID, models.SessionTypeRelationshipShared, conflictID)
		if errors.Is(err, store.ErrDuplicateSession) {
			sessions, err = o.store.ListSessionsByConflict(ctx, conflictID)
			if err != nil {
				return nil, err
			}
			shared = conversation.FindByType(sessions, models.SessionTypeRelationshipShared)
		} else if err != nil {
			return nil, err
		} else {
			shared = created
		}
	}
	if shared == nil {
		return nil, fmt.Errorf("conflict %s: shared session unavailable", conflictID)
	}

	if len(shared.Messages) == 0 {
		if _, err := o.generateSharedOpening(ctx, c, sessions, shared.ID); err != nil {
			return nil, err
		}
	}
	return o.store.GetSession(ctx, shared.ID)
}

// GenerateNow is the manual retry path: it re-derives and runs the
// partner's guidance job synchronously instead of replaying the
// original finalize event. Returns the session the guidance landed in.
func (o *Orchestrator) GenerateNow(ctx context.Context, conflictID, partnerID string) (string, queue.Result, error) {
	c, err := o.store.GetConflict(ctx, conflictID)
	if err != nil {
		return "", queue.Result{}, err
	}
	slot, ok := c.PartnerSlotOf(partnerID)
	if !ok {
		return "", queue.Result{}, fmt.Errorf("user %s is not a partner of conflict %s", partnerID, conflictID)
	}

	sessions, err := o.store.ListSessionsByConflict(ctx, conflictID)
	if err != nil {
		return "", queue.Result{}, err
	}
	if !conflict.IsPartnerFinalized(c, slot, sessions) {
		return "", queue.Result{}, fmt.Errorf("conflict %s: partner %s exploration is not finalized", conflictID, slot)
	}

	if conflict.IsPartnerFinalized(c, otherSlot(slot), sessions) {
		return o.runJointContext(ctx, models.GuidanceJob{
			Kind:       models.JobKindJointContextGuidance,
			ConflictID: conflictID,
			PartnerID:  partnerID,
		})
	}
	return o.runIndividual(ctx, models.GuidanceJob{
		Kind:        models.JobKindIndividualGuidance,
		ConflictID:  conflictID,
		SessionID:   c.SessionID(slot),
		PartnerSlot: slot,
	})
}

// findOrCreateJointSession reuses an existing session of the given
// type+conflict rather than duplicating one; duplicate jobs land in the
// same transcript.
func (o *Orchestrator) findOrCreateJointSession(ctx context.Context, conflictID, userID string, t models.SessionType) (*models.ConversationSession, error) {
	sessions, err := o.store.ListSessionsByConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if existing := conversation.FindByType(sessions, t); existing != nil {
		return existing, nil
	}
	return o.sessions.CreateSession(ctx, userID, t, conflictID)
}

func findSessionByID(sessions []*models.ConversationSession, id string) *models.ConversationSession {
	if id == "" {
		return nil
	}
	for _, sess := range sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}

func otherSlot(slot models.PartnerSlot) models.PartnerSlot {
	if slot == models.PartnerSlotA {
		return models.PartnerSlotB
	}
	return models.PartnerSlotA
}

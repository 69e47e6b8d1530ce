package guidance

import (
	"context"
	"errors"
	"log/slog"

	"github.com/accordhq/accord/internal/conflict"
	"github.com/accordhq/accord/internal/conversation"
	"github.com/accordhq/accord/internal/models"
	"github.com/accordhq/accord/internal/store"
)

// Enqueuer is the queue surface the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.GuidanceJob) (string, error)
}

// Dispatcher reacts to session-finalized events by advancing conflict
// status and enqueueing guidance jobs. Enqueue failures are logged, not
// returned: the finalize itself already committed, and the manual
// generate path recovers lost jobs.
type Dispatcher struct {
	store  store.Store
	queue  Enqueuer
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher over the given store and queue.
func NewDispatcher(s store.Store, q Enqueuer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: s, queue: q, logger: logger}
}

// HandleSessionFinalized is a conversation.Subscriber. Only individual
// exploration sessions tied to a conflict produce work.
func (d *Dispatcher) HandleSessionFinalized(ctx context.Context, ev conversation.SessionFinalized) {
	if ev.ConflictID == "" || !ev.SessionType.IsIndividual() {
		return
	}
	slot := ev.SessionType.IndividualSlot()

	if _, err := d.queue.Enqueue(ctx, models.GuidanceJob{
		Kind:        models.JobKindIndividualGuidance,
		ConflictID:  ev.ConflictID,
		SessionID:   ev.SessionID,
		PartnerSlot: slot,
		PartnerID:   ev.UserID,
	}); err != nil {
		d.logger.Error("enqueue individual guidance failed",
			"conflict", ev.ConflictID, "session", ev.SessionID, "error", err)
	}

	if slot == models.PartnerSlotA {
		d.advanceAfterPartnerA(ctx, ev.ConflictID)
	}

	if err := d.CheckAndQueueJointContext(ctx, ev.ConflictID); err != nil {
		d.logger.Error("joint-context check failed",
			"conflict", ev.ConflictID, "error", err)
	}
}

// advanceAfterPartnerA moves a conflict out of partner_a_chatting when
// partner A finalizes before anyone was invited. A stale status means
// the invite already advanced it, which is fine.
func (d *Dispatcher) advanceAfterPartnerA(ctx context.Context, conflictID string) {
	c, err := d.store.GetConflict(ctx, conflictID)
	if err != nil {
		d.logger.Error("load conflict failed", "conflict", conflictID, "error", err)
		return
	}
	if c.Status != models.ConflictStatusPartnerAChatting {
		return
	}
	err = d.store.UpdateConflictStatus(ctx, conflictID,
		models.ConflictStatusPartnerAChatting, models.ConflictStatusPendingPartnerB)
	if err != nil && !errors.Is(err, store.ErrStaleStatus) {
		d.logger.Error("advance to pending_partner_b failed",
			"conflict", conflictID, "error", err)
	}
}

// CheckAndQueueJointContext advances the conflict to both_finalized and
// enqueues the two joint-context jobs when both explorations are
// finalized. The conditional status update picks exactly one winner
// when both finalizes race: the loser observes a stale status and
// enqueues nothing, so the pair of jobs is produced once.
func (d *Dispatcher) CheckAndQueueJointContext(ctx context.Context, conflictID string) error {
	c, err := d.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if c.Status != models.ConflictStatusPartnerBChatting {
		return nil
	}

	sessions, err := d.store.ListSessionsByConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if !conflict.IsPartnerFinalized(c, models.PartnerSlotA, sessions) ||
		!conflict.IsPartnerFinalized(c, models.PartnerSlotB, sessions) {
		return nil
	}

	err = d.store.UpdateConflictStatus(ctx, conflictID,
		models.ConflictStatusPartnerBChatting, models.ConflictStatusBothFinalized)
	if errors.Is(err, store.ErrStaleStatus) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, slot := range []models.PartnerSlot{models.PartnerSlotA, models.PartnerSlotB} {
		if _, err := d.queue.Enqueue(ctx, models.GuidanceJob{
			Kind:        models.JobKindJointContextGuidance,
			ConflictID:  conflictID,
			PartnerSlot: slot,
			PartnerID:   c.PartnerID(slot),
		}); err != nil {
			d.logger.Error("enqueue joint-context guidance failed",
				"conflict", conflictID, "partner", c.PartnerID(slot), "error", err)
		}
	}
	return nil
}

package guidance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordhq/accord/internal/conflict"
	"github.com/accordhq/accord/internal/conversation"
	"github.com/accordhq/accord/internal/models"
	"github.com/accordhq/accord/internal/queue"
	"github.com/accordhq/accord/internal/store"
)

// fakeCompleter classifies calls by system-prompt markers and can be
// told to fail specific call kinds.
type fakeCompleter struct {
	mu    sync.Mutex
	calls []string

	failKind  string // "individual", "joint", "synthesis", or "" for none
	failErr   error
	failTimes int // -1 means always
}

func promptKind(systemPrompt string) string {
	switch {
	case strings.Contains(systemPrompt, "only their own account"):
		return "individual"
	case strings.Contains(systemPrompt, "informed by both accounts"):
		return "joint"
	case strings.Contains(systemPrompt, "opening a joint conversation"):
		return "synthesis"
	}
	return "unknown"
}

func (f *fakeCompleter) Complete(_ context.Context, systemPrompt string, _ []PromptMessage) (Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	kind := promptKind(systemPrompt)
	f.calls = append(f.calls, kind)

	if kind == f.failKind && f.failTimes != 0 {
		if f.failTimes > 0 {
			f.failTimes--
		}
		return Completion{}, f.failErr
	}
	return Completion{
		Text:         fmt.Sprintf("%s guidance %d", kind, len(f.calls)),
		InputTokens:  100,
		OutputTokens: 50,
	}, nil
}

func (f *fakeCompleter) callCount(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == kind {
			n++
		}
	}
	return n
}

type pipeline struct {
	store     *store.SQLiteStore
	sessions  *conversation.Service
	machine   *conflict.Machine
	queue     *queue.Queue
	orch      *Orchestrator
	completer *fakeCompleter
}

func setupPipeline(t *testing.T) *pipeline {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fc := &fakeCompleter{}
	svc := conversation.NewService(s, nil)
	orch := NewOrchestrator(s, svc, fc, logger)

	cfg := queue.DefaultConfig()
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	q := queue.New(s, orch, cfg, logger)

	disp := NewDispatcher(s, q, logger)
	svc.Subscribe(disp.HandleSessionFinalized)

	return &pipeline{
		store:     s,
		sessions:  svc,
		machine:   conflict.NewMachine(s, svc),
		queue:     q,
		orch:      orch,
		completer: fc,
	}
}

// startConflict creates alice's conflict and puts one message in her
// exploration session.
func (p *pipeline) startConflict(t *testing.T) *models.Conflict {
	t.Helper()
	ctx := context.Background()

	rel := &models.Relationship{PartnerAID: "alice", PartnerBID: "bob"}
	require.NoError(t, p.store.CreateRelationship(ctx, rel))

	c, err := p.machine.Create(ctx, conflict.CreateParams{
		OwnerID:        "alice",
		Title:          "chores",
		Privacy:        models.ConflictPrivacyShared,
		GuidanceMode:   models.GuidanceModeTest,
		RelationshipID: rel.ID,
	})
	require.NoError(t, err)

	_, err = p.sessions.AddUserMessage(ctx, c.PartnerASessionID, "alice", "I do all the dishes")
	require.NoError(t, err)
	return c
}

// runBothPartners takes a conflict through invite, both transcripts,
// and both finalizes. Jobs are enqueued but not yet drained.
func (p *pipeline) runBothPartners(t *testing.T, c *models.Conflict) *models.Conflict {
	t.Helper()
	ctx := context.Background()

	c, err := p.machine.InvitePartnerB(ctx, c.ID, "bob")
	require.NoError(t, err)
	_, err = p.sessions.AddUserMessage(ctx, c.PartnerBSessionID, "bob", "I cook every night")
	require.NoError(t, err)

	_, err = p.sessions.FinalizeSession(ctx, c.PartnerASessionID)
	require.NoError(t, err)
	_, err = p.sessions.FinalizeSession(ctx, c.PartnerBSessionID)
	require.NoError(t, err)

	c, err = p.store.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	return c
}

func (p *pipeline) sessionOfType(t *testing.T, conflictID string, st models.SessionType) *models.ConversationSession {
	t.Helper()
	sessions, err := p.store.ListSessionsByConflict(context.Background(), conflictID)
	require.NoError(t, err)
	return conversation.FindByType(sessions, st)
}

func TestPipelineEndToEnd(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()

	c := p.startConflict(t)
	c = p.runBothPartners(t, c)
	assert.Equal(t, models.ConflictStatusBothFinalized, c.Status)

	require.NoError(t, p.queue.Drain(ctx))

	jointA := p.sessionOfType(t, c.ID, models.SessionTypeJointContextA)
	require.NotNil(t, jointA)
	assert.Equal(t, "alice", jointA.UserID)
	require.NotEmpty(t, jointA.Messages)
	assert.Equal(t, models.MessageRoleAI, jointA.Messages[0].Role)

	jointB := p.sessionOfType(t, c.ID, models.SessionTypeJointContextB)
	require.NotNil(t, jointB)
	assert.Equal(t, "bob", jointB.UserID)
	require.NotEmpty(t, jointB.Messages)

	shared := p.sessionOfType(t, c.ID, models.SessionTypeRelationshipShared)
	require.NotNil(t, shared)
	require.Len(t, shared.Messages, 1)
	assert.Equal(t, models.MessageRoleAI, shared.Messages[0].Role)
	assert.Contains(t, shared.Messages[0].Content, "synthesis")

	// 2 individual + 2 joint + 1 synthesis
	assert.Equal(t, 2, p.completer.callCount("individual"))
	assert.Equal(t, 2, p.completer.callCount("joint"))
	assert.Equal(t, 1, p.completer.callCount("synthesis"))

	counts, err := p.store.CountJobsByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, counts[models.JobStateCompleted])
	assert.Zero(t, counts[models.JobStatePending])
	assert.Zero(t, counts[models.JobStateFailed])

	jobs, err := p.store.ListJobs(ctx, store.JobListFilter{State: models.JobStateCompleted})
	require.NoError(t, err)
	for _, j := range jobs {
		assert.Positive(t, j.InputTokens)
		assert.Positive(t, j.OutputTokens)
		assert.NotNil(t, j.CompletedAt)
	}
}

func TestJointCheckEnqueuesOnce(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()

	c := p.startConflict(t)
	c = p.runBothPartners(t, c)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	disp := NewDispatcher(p.store, p.queue, logger)
	require.NoError(t, disp.CheckAndQueueJointContext(ctx, c.ID))
	require.NoError(t, disp.CheckAndQueueJointContext(ctx, c.ID))

	jobs, err := p.store.ListJobs(ctx, store.JobListFilter{})
	require.NoError(t, err)

	joint := 0
	for _, j := range jobs {
		if j.Payload.Kind == models.JobKindJointContextGuidance {
			joint++
		}
	}
	assert.Equal(t, 2, joint, "re-running the check must not duplicate joint jobs")

	require.NoError(t, p.queue.Drain(ctx))
	shared := p.sessionOfType(t, c.ID, models.SessionTypeRelationshipShared)
	require.NotNil(t, shared)
	assert.Len(t, shared.Messages, 1)
}

func TestFinalizeBeforeInviteParksConflict(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()

	c := p.startConflict(t)
	_, err := p.sessions.FinalizeSession(ctx, c.PartnerASessionID)
	require.NoError(t, err)

	c, err = p.store.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusPendingPartnerB, c.Status)

	require.NoError(t, p.queue.Drain(ctx))

	jointA := p.sessionOfType(t, c.ID, models.SessionTypeJointContextA)
	require.NotNil(t, jointA)
	require.Len(t, jointA.Messages, 1)

	assert.Nil(t, p.sessionOfType(t, c.ID, models.SessionTypeJointContextB))
	assert.Nil(t, p.sessionOfType(t, c.ID, models.SessionTypeRelationshipShared))
	assert.Equal(t, 0, p.completer.callCount("joint"))
}

func TestTransientCompletionRetries(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()

	p.completer.failKind = "individual"
	p.completer.failErr = MarkTransient(errors.New("rate limited"))
	p.completer.failTimes = 2

	c := p.startConflict(t)
	_, err := p.sessions.FinalizeSession(ctx, c.PartnerASessionID)
	require.NoError(t, err)

	// First two attempts fail transiently, the third lands.
	require.NoError(t, p.queue.Drain(ctx))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, p.queue.Drain(ctx))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, p.queue.Drain(ctx))

	jobs, err := p.store.ListJobs(ctx, store.JobListFilter{State: models.JobStateCompleted})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 3, jobs[0].Attempts)

	jointA := p.sessionOfType(t, c.ID, models.SessionTypeJointContextA)
	require.NotNil(t, jointA)
	assert.Len(t, jointA.Messages, 1)
}

func TestPermanentCompletionFailsJob(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()

	p.completer.failKind = "individual"
	p.completer.failErr = errors.New("prompt rejected")
	p.completer.failTimes = -1

	c := p.startConflict(t)
	_, err := p.sessions.FinalizeSession(ctx, c.PartnerASessionID)
	require.NoError(t, err)

	require.NoError(t, p.queue.Drain(ctx))

	jobs, err := p.store.ListJobs(ctx, store.JobListFilter{State: models.JobStateFailed})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts, "permanent failures must not retry")
	assert.Contains(t, jobs[0].LastError, "prompt rejected")

	jointA := p.sessionOfType(t, c.ID, models.SessionTypeJointContextA)
	if jointA != nil {
		assert.Empty(t, jointA.Messages)
	}
}

func TestSynthesisFailureDoesNotFailJointJobs(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()

	p.completer.failKind = "synthesis"
	p.completer.failErr = MarkTransient(errors.New("overloaded"))
	p.completer.failTimes = -1

	c := p.startConflict(t)
	c = p.runBothPartners(t, c)
	require.NoError(t, p.queue.Drain(ctx))

	counts, err := p.store.CountJobsByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, counts[models.JobStateCompleted])
	assert.Zero(t, counts[models.JobStateFailed])

	// The shared session may exist but carries no opening yet.
	if shared := p.sessionOfType(t, c.ID, models.SessionTypeRelationshipShared); shared != nil {
		assert.Empty(t, shared.Messages)
	}

	// Once the provider recovers, the lazy path backfills the opening.
	p.completer.failTimes = 0
	shared, err := p.orch.EnsureSharedSession(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, shared.Messages, 1)
	assert.Equal(t, models.MessageRoleAI, shared.Messages[0].Role)
}

func TestEnsureSharedSessionNotReady(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()

	c := p.startConflict(t)
	_, err := p.orch.EnsureSharedSession(ctx, c.ID)
	assert.ErrorIs(t, err, ErrGuidanceNotReady)
}

func TestGenerateNow(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()

	c := p.startConflict(t)
	_, err := p.sessions.FinalizeSession(ctx, c.PartnerASessionID)
	require.NoError(t, err)

	// Alice finalized alone: manual generation takes the individual path.
	sessionID, res, err := p.orch.GenerateNow(ctx, c.ID, "alice")
	require.NoError(t, err)
	assert.Positive(t, res.OutputTokens)

	sess, err := p.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTypeJointContextA, sess.SessionType)
	assert.NotEmpty(t, sess.Messages)

	// Bob has not finalized anything yet.
	_, _, err = p.orch.GenerateNow(ctx, c.ID, "bob")
	assert.Error(t, err)

	c = p.runBothPartners(t, c)

	// Both finalized: manual generation takes the joint path.
	sessionID, _, err = p.orch.GenerateNow(ctx, c.ID, "bob")
	require.NoError(t, err)
	sess, err = p.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionTypeJointContextB, sess.SessionType)
	assert.NotEmpty(t, sess.Messages)

	_, _, err = p.orch.GenerateNow(ctx, c.ID, "carol")
	assert.Error(t, err)
}

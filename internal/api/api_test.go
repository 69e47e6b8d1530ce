package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordhq/accord/internal/conflict"
	"github.com/accordhq/accord/internal/conversation"
	"github.com/accordhq/accord/internal/guidance"
	"github.com/accordhq/accord/internal/models"
	"github.com/accordhq/accord/internal/queue"
	"github.com/accordhq/accord/internal/store"
)

type staticCompleter struct{}

func (staticCompleter) Complete(_ context.Context, _ string, _ []guidance.PromptMessage) (guidance.Completion, error) {
	return guidance.Completion{Text: "generated guidance", InputTokens: 10, OutputTokens: 5}, nil
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	store  *store.SQLiteStore
	queue  *queue.Queue
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := conversation.NewService(s, nil)
	orch := guidance.NewOrchestrator(s, svc, staticCompleter{}, logger)

	cfg := queue.DefaultConfig()
	cfg.BaseBackoff = time.Millisecond
	q := queue.New(s, orch, cfg, logger)
	svc.Subscribe(guidance.NewDispatcher(s, q, logger).HandleSessionFinalized)

	machine := conflict.NewMachine(s, svc)
	server := NewServer(s, machine, svc, orch, q)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &testEnv{server: server, http: ts, store: s, queue: q}
}

// doAs performs a request with the given identity and decodes the JSON
// response into out when non-nil.
func (e *testEnv) doAs(t *testing.T, userID, method, path string, body any, out any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (e *testEnv) createConflict(t *testing.T, owner string) conflictResponse {
	t.Helper()
	var resp conflictResponse
	r := e.doAs(t, owner, "POST", "/api/v1/conflicts", map[string]string{
		"title":         "weekend plans",
		"privacy":       "shared",
		"guidance_mode": "test",
	}, &resp)
	require.Equal(t, http.StatusCreated, r.StatusCode)
	return resp
}

func TestCreateConflictRequiresIdentityAndTitle(t *testing.T) {
	e := setupEnv(t)

	r := e.doAs(t, "", "POST", "/api/v1/conflicts", map[string]string{"title": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)

	r = e.doAs(t, "alice", "POST", "/api/v1/conflicts", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)

	r = e.doAs(t, "alice", "POST", "/api/v1/conflicts", map[string]string{
		"title": "x", "privacy": "secret",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestConflictLifecycleOverHTTP(t *testing.T) {
	e := setupEnv(t)

	c := e.createConflict(t, "alice")
	assert.Equal(t, models.ConflictStatusPartnerAChatting, c.Status)
	assert.NotEmpty(t, c.PartnerASessionID)
	assert.True(t, c.Visibility.CanViewA)
	assert.False(t, c.Visibility.CanViewB)

	// Alice chats and finalizes.
	r := e.doAs(t, "alice", "POST", "/api/v1/sessions/"+c.PartnerASessionID+"/messages",
		map[string]string{"content": "we never plan anything"}, nil)
	require.Equal(t, http.StatusCreated, r.StatusCode)
	r = e.doAs(t, "alice", "POST", "/api/v1/sessions/"+c.PartnerASessionID+"/finalize", nil, nil)
	require.Equal(t, http.StatusOK, r.StatusCode)

	// Bob joins with his own identity and an empty body.
	var joined conflictResponse
	r = e.doAs(t, "bob", "POST", "/api/v1/conflicts/"+c.ID+"/invite", map[string]string{}, &joined)
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, "bob", joined.PartnerBID)
	assert.Equal(t, models.ConflictStatusPartnerBChatting, joined.Status)
	assert.True(t, joined.PartnerAFinalized)
	assert.False(t, joined.PartnerBFinalized)

	// Re-inviting conflicts.
	r = e.doAs(t, "carol", "POST", "/api/v1/conflicts/"+c.ID+"/invite", map[string]string{}, nil)
	assert.Equal(t, http.StatusConflict, r.StatusCode)

	// Bob chats and finalizes; the conflict reaches both_finalized.
	r = e.doAs(t, "bob", "POST", "/api/v1/sessions/"+joined.PartnerBSessionID+"/messages",
		map[string]string{"content": "I plan everything alone"}, nil)
	require.Equal(t, http.StatusCreated, r.StatusCode)
	r = e.doAs(t, "bob", "POST", "/api/v1/sessions/"+joined.PartnerBSessionID+"/finalize", nil, nil)
	require.Equal(t, http.StatusOK, r.StatusCode)

	var final conflictResponse
	r = e.doAs(t, "alice", "GET", "/api/v1/conflicts/"+c.ID, nil, &final)
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, models.ConflictStatusBothFinalized, final.Status)
	assert.True(t, final.Visibility.CanViewA)
	assert.True(t, final.Visibility.CanViewB)

	// Drain the guidance jobs, then the shared session is served.
	require.NoError(t, e.queue.Drain(context.Background()))

	var shared models.ConversationSession
	r = e.doAs(t, "alice", "GET", "/api/v1/conflicts/"+c.ID+"/shared-session", nil, &shared)
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, models.SessionTypeRelationshipShared, shared.SessionType)
	require.NotEmpty(t, shared.Messages)
	assert.Equal(t, models.MessageRoleAI, shared.Messages[0].Role)

	// Both partners write into it under their partner roles.
	var msg models.Message
	r = e.doAs(t, "bob", "POST", "/api/v1/sessions/"+shared.ID+"/messages",
		map[string]string{"content": "I did not know you felt that way"}, &msg)
	require.Equal(t, http.StatusCreated, r.StatusCode)
	assert.Equal(t, models.MessageRolePartnerB, msg.Role)
}

func TestSessionVisibilityOverHTTP(t *testing.T) {
	e := setupEnv(t)

	c := e.createConflict(t, "alice")
	r := e.doAs(t, "alice", "POST", "/api/v1/sessions/"+c.PartnerASessionID+"/messages",
		map[string]string{"content": "private thoughts"}, nil)
	require.Equal(t, http.StatusCreated, r.StatusCode)

	// Alice reads her own session; bob cannot yet.
	r = e.doAs(t, "alice", "GET", "/api/v1/sessions/"+c.PartnerASessionID, nil, nil)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	r = e.doAs(t, "bob", "GET", "/api/v1/sessions/"+c.PartnerASessionID, nil, nil)
	assert.Equal(t, http.StatusForbidden, r.StatusCode)

	// An outsider cannot even see the conflict.
	r = e.doAs(t, "mallory", "GET", "/api/v1/conflicts/"+c.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)

	// Session listing is filtered per viewer.
	r = e.doAs(t, "bob", "POST", "/api/v1/conflicts/"+c.ID+"/invite", map[string]string{}, nil)
	require.Equal(t, http.StatusOK, r.StatusCode)

	var aliceSessions []*models.ConversationSession
	e.doAs(t, "alice", "GET", "/api/v1/conflicts/"+c.ID+"/sessions", nil, &aliceSessions)
	require.Len(t, aliceSessions, 1)
	assert.Equal(t, models.SessionTypeIndividualA, aliceSessions[0].SessionType)

	var bobSessions []*models.ConversationSession
	e.doAs(t, "bob", "GET", "/api/v1/conflicts/"+c.ID+"/sessions", nil, &bobSessions)
	require.Len(t, bobSessions, 1)
	assert.Equal(t, models.SessionTypeIndividualB, bobSessions[0].SessionType)
}

func TestFinalizedSessionRejectsAppends(t *testing.T) {
	e := setupEnv(t)

	c := e.createConflict(t, "alice")
	r := e.doAs(t, "alice", "POST", "/api/v1/sessions/"+c.PartnerASessionID+"/finalize", nil, nil)
	require.Equal(t, http.StatusOK, r.StatusCode)

	r = e.doAs(t, "alice", "POST", "/api/v1/sessions/"+c.PartnerASessionID+"/messages",
		map[string]string{"content": "too late"}, nil)
	assert.Equal(t, http.StatusConflict, r.StatusCode)

	// Only the owner may finalize.
	var sess models.ConversationSession
	r = e.doAs(t, "alice", "POST", "/api/v1/sessions",
		map[string]string{"session_type": "intake"}, &sess)
	require.Equal(t, http.StatusCreated, r.StatusCode)
	r = e.doAs(t, "bob", "POST", "/api/v1/sessions/"+sess.ID+"/finalize", nil, nil)
	assert.Equal(t, http.StatusForbidden, r.StatusCode)
}

func TestStatusEndpointRejectsIllegalTransition(t *testing.T) {
	e := setupEnv(t)
	c := e.createConflict(t, "alice")

	r := e.doAs(t, "alice", "POST", "/api/v1/conflicts/"+c.ID+"/status",
		map[string]string{"status": "both_finalized"}, nil)
	assert.Equal(t, http.StatusConflict, r.StatusCode)

	var resp conflictResponse
	r = e.doAs(t, "alice", "POST", "/api/v1/conflicts/"+c.ID+"/status",
		map[string]string{"status": "pending_partner_b"}, &resp)
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, models.ConflictStatusPendingPartnerB, resp.Status)
}

func TestSharedSessionNotReady(t *testing.T) {
	e := setupEnv(t)
	c := e.createConflict(t, "alice")

	r := e.doAs(t, "alice", "GET", "/api/v1/conflicts/"+c.ID+"/shared-session", nil, nil)
	assert.Equal(t, http.StatusConflict, r.StatusCode)

	r = e.doAs(t, "mallory", "GET", "/api/v1/conflicts/"+c.ID+"/shared-session", nil, nil)
	assert.Equal(t, http.StatusForbidden, r.StatusCode)
}

func TestManualGuidanceEndpoint(t *testing.T) {
	e := setupEnv(t)
	c := e.createConflict(t, "alice")

	r := e.doAs(t, "alice", "POST", "/api/v1/sessions/"+c.PartnerASessionID+"/messages",
		map[string]string{"content": "hear me out"}, nil)
	require.Equal(t, http.StatusCreated, r.StatusCode)
	r = e.doAs(t, "alice", "POST", "/api/v1/sessions/"+c.PartnerASessionID+"/finalize", nil, nil)
	require.Equal(t, http.StatusOK, r.StatusCode)

	var out map[string]any
	r = e.doAs(t, "alice", "POST", "/api/v1/conflicts/"+c.ID+"/guidance", nil, &out)
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.NotEmpty(t, out["session_id"])
}

func TestArchiveConflict(t *testing.T) {
	e := setupEnv(t)
	c := e.createConflict(t, "alice")

	r := e.doAs(t, "mallory", "POST", "/api/v1/conflicts/"+c.ID+"/archive", nil, nil)
	assert.Equal(t, http.StatusForbidden, r.StatusCode)

	r = e.doAs(t, "alice", "POST", "/api/v1/conflicts/"+c.ID+"/archive", nil, nil)
	require.Equal(t, http.StatusNoContent, r.StatusCode)

	var active []*models.Conflict
	e.doAs(t, "alice", "GET", "/api/v1/conflicts", nil, &active)
	assert.Empty(t, active)

	var all []*models.Conflict
	e.doAs(t, "alice", "GET", "/api/v1/conflicts?archived=true", nil, &all)
	assert.Len(t, all, 1)
}

func TestJobEndpoints(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()

	c := e.createConflict(t, "alice")
	r := e.doAs(t, "alice", "POST", "/api/v1/sessions/"+c.PartnerASessionID+"/finalize", nil, nil)
	require.Equal(t, http.StatusOK, r.StatusCode)

	var jobs []*models.JobRecord
	r = e.doAs(t, "alice", "GET", "/api/v1/jobs?state=pending", nil, &jobs)
	require.Equal(t, http.StatusOK, r.StatusCode)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobKindIndividualGuidance, jobs[0].Payload.Kind)

	require.NoError(t, e.queue.Drain(ctx))

	var stats queue.Stats
	r = e.doAs(t, "alice", "GET", "/api/v1/jobs/stats", nil, &stats)
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, stats.Pending)

	r = e.doAs(t, "alice", "GET", "/api/v1/jobs/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestRelationshipEndpoints(t *testing.T) {
	e := setupEnv(t)

	var rel models.Relationship
	r := e.doAs(t, "alice", "POST", "/api/v1/relationships",
		map[string]string{"partner_a_id": "alice", "partner_b_id": "bob"}, &rel)
	require.Equal(t, http.StatusCreated, r.StatusCode)
	require.NotEmpty(t, rel.ID)

	var got models.Relationship
	r = e.doAs(t, "alice", "GET", "/api/v1/relationships/"+rel.ID, nil, &got)
	require.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, "bob", got.PartnerBID)
}

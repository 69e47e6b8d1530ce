package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/accordhq/accord/internal/conflict"
	"github.com/accordhq/accord/internal/conversation"
	"github.com/accordhq/accord/internal/guidance"
	"github.com/accordhq/accord/internal/models"
	"github.com/accordhq/accord/internal/queue"
	"github.com/accordhq/accord/internal/store"
	"github.com/accordhq/accord/internal/visibility"
)

// Server provides the REST API handlers. Identity is the trusted
// X-User-ID header; token verification happens upstream.
type Server struct {
	store     store.Store
	conflicts *conflict.Machine
	sessions  *conversation.Service
	orch      *guidance.Orchestrator
	queue     *queue.Queue
}

// NewServer creates a new API server. The orchestrator may be nil when
// no completion provider is configured; guidance endpoints then return
// 503.
func NewServer(s store.Store, m *conflict.Machine, svc *conversation.Service, orch *guidance.Orchestrator, q *queue.Queue) *Server {
	return &Server{
		store:     s,
		conflicts: m,
		sessions:  svc,
		orch:      orch,
		queue:     q,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/relationships", s.createRelationship)
	mux.HandleFunc("GET /api/v1/relationships/{id}", s.getRelationship)

	mux.HandleFunc("GET /api/v1/conflicts", s.listConflicts)
	mux.HandleFunc("POST /api/v1/conflicts", s.createConflict)
	mux.HandleFunc("GET /api/v1/conflicts/{id}", s.getConflict)
	mux.HandleFunc("POST /api/v1/conflicts/{id}/invite", s.invitePartnerB)
	mux.HandleFunc("POST /api/v1/conflicts/{id}/status", s.updateConflictStatus)
	mux.HandleFunc("POST /api/v1/conflicts/{id}/archive", s.archiveConflict)
	mux.HandleFunc("GET /api/v1/conflicts/{id}/sessions", s.listConflictSessions)
	mux.HandleFunc("GET /api/v1/conflicts/{id}/shared-session", s.getSharedSession)
	mux.HandleFunc("POST /api/v1/conflicts/{id}/guidance", s.generateGuidance)

	mux.HandleFunc("POST /api/v1/sessions", s.createSession)
	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/messages", s.postMessage)
	mux.HandleFunc("POST /api/v1/sessions/{id}/finalize", s.finalizeSession)

	mux.HandleFunc("GET /api/v1/jobs", s.listJobs)
	mux.HandleFunc("GET /api/v1/jobs/stats", s.jobStats)
	mux.HandleFunc("POST /api/v1/jobs/{id}/retry", s.retryJob)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// viewer extracts the authenticated user from the request. Empty means
// the caller sent no identity.
func viewer(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// writeDomainError maps domain sentinels onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrSessionLocked),
		errors.Is(err, store.ErrDuplicateSession),
		errors.Is(err, store.ErrStaleStatus),
		errors.Is(err, conflict.ErrAlreadyInvited),
		errors.Is(err, conflict.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, conflict.ErrBadPrivacy),
		errors.Is(err, conflict.ErrBadGuidanceMode),
		errors.Is(err, conversation.ErrBadSessionType),
		errors.Is(err, conversation.ErrUnsafeContent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrNotSessionOwner):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Relationships ---

func (s *Server) createRelationship(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PartnerAID string `json:"partner_a_id"`
		PartnerBID string `json:"partner_b_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.PartnerAID == "" || req.PartnerBID == "" {
		writeError(w, http.StatusBadRequest, "partner_a_id and partner_b_id are required")
		return
	}

	rel := &models.Relationship{PartnerAID: req.PartnerAID, PartnerBID: req.PartnerBID}
	if err := s.store.CreateRelationship(r.Context(), rel); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (s *Server) getRelationship(w http.ResponseWriter, r *http.Request) {
	rel, err := s.store.GetRelationship(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

// --- Conflicts ---

// conflictResponse joins conflict state with the viewer's visibility
// and the per-partner finalized flags, so callers never derive either
// from status alone.
type conflictResponse struct {
	*models.Conflict
	Visibility        visibility.View `json:"visibility"`
	PartnerAFinalized bool            `json:"partnerAFinalized"`
	PartnerBFinalized bool            `json:"partnerBFinalized"`
}

func (s *Server) buildConflictResponse(r *http.Request, c *models.Conflict) (conflictResponse, error) {
	sessions, err := s.store.ListSessionsByConflict(r.Context(), c.ID)
	if err != nil {
		return conflictResponse{}, err
	}
	return conflictResponse{
		Conflict:          c,
		Visibility:        visibility.Evaluate(c, sessions, viewer(r)),
		PartnerAFinalized: conflict.IsPartnerFinalized(c, models.PartnerSlotA, sessions),
		PartnerBFinalized: conflict.IsPartnerFinalized(c, models.PartnerSlotB, sessions),
	}, nil
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	var (
		conflicts []*models.Conflict
		err       error
	)
	if relID := r.URL.Query().Get("relationship"); relID != "" {
		conflicts, err = s.conflicts.ListByRelationship(r.Context(), relID)
	} else {
		uid := viewer(r)
		if uid == "" {
			writeError(w, http.StatusBadRequest, "X-User-ID header is required")
			return
		}
		includeArchived := r.URL.Query().Get("archived") == "true"
		conflicts, err = s.conflicts.ListByUser(r.Context(), uid, includeArchived)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*models.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (s *Server) createConflict(w http.ResponseWriter, r *http.Request) {
	uid := viewer(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}

	var req struct {
		Title          string `json:"title"`
		Description    string `json:"description"`
		Privacy        string `json:"privacy"`
		GuidanceMode   string `json:"guidance_mode"`
		RelationshipID string `json:"relationship_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.Privacy == "" {
		req.Privacy = string(models.ConflictPrivacyPrivate)
	}
	if req.GuidanceMode == "" {
		req.GuidanceMode = string(models.GuidanceModeStructured)
	}

	c, err := s.conflicts.Create(r.Context(), conflict.CreateParams{
		OwnerID:        uid,
		Title:          req.Title,
		Description:    req.Description,
		Privacy:        models.ConflictPrivacy(req.Privacy),
		GuidanceMode:   models.GuidanceMode(req.GuidanceMode),
		RelationshipID: req.RelationshipID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp, err := s.buildConflictResponse(r, c)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) getConflict(w http.ResponseWriter, r *http.Request) {
	c, err := s.conflicts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var rel *models.Relationship
	if c.RelationshipID != "" {
		rel, _ = s.store.GetRelationship(r.Context(), c.RelationshipID)
	}
	if !visibility.CanViewMetadata(c, rel, viewer(r)) {
		// Hide existence from outsiders.
		writeError(w, http.StatusNotFound, "conflict not found")
		return
	}

	resp, err := s.buildConflictResponse(r, c)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) invitePartnerB(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	// Joining yourself and inviting someone are the same operation; an
	// empty body means the caller joins as partner B.
	if req.UserID == "" {
		req.UserID = viewer(r)
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	c, err := s.conflicts.InvitePartnerB(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp, err := s.buildConflictResponse(r, c)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) updateConflictStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	c, err := s.conflicts.UpdateStatus(r.Context(), r.PathValue("id"), models.ConflictStatus(req.Status))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp, err := s.buildConflictResponse(r, c)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) archiveConflict(w http.ResponseWriter, r *http.Request) {
	c, err := s.conflicts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if _, ok := c.PartnerSlotOf(viewer(r)); !ok {
		writeError(w, http.StatusForbidden, "only a partner may archive a conflict")
		return
	}
	if err := s.conflicts.Archive(r.Context(), c.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listConflictSessions(w http.ResponseWriter, r *http.Request) {
	c, err := s.conflicts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sessions, err := s.store.ListSessionsByConflict(r.Context(), c.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	uid := viewer(r)
	visible := make([]*models.ConversationSession, 0, len(sessions))
	for _, sess := range sessions {
		if visibility.CanViewSession(c, sessions, sess, uid) {
			visible = append(visible, sess)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

func (s *Server) getSharedSession(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeError(w, http.StatusServiceUnavailable, "guidance not configured (set ANTHROPIC_API_KEY)")
		return
	}

	c, err := s.conflicts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if _, ok := c.PartnerSlotOf(viewer(r)); !ok {
		writeError(w, http.StatusForbidden, "only a partner may view the shared session")
		return
	}

	sess, err := s.orch.EnsureSharedSession(r.Context(), c.ID)
	if errors.Is(err, guidance.ErrGuidanceNotReady) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) generateGuidance(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeError(w, http.StatusServiceUnavailable, "guidance not configured (set ANTHROPIC_API_KEY)")
		return
	}
	uid := viewer(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}

	sessionID, res, err := s.orch.GenerateNow(r.Context(), r.PathValue("id"), uid)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    sessionID,
		"input_tokens":  res.InputTokens,
		"output_tokens": res.OutputTokens,
	})
}

// --- Sessions ---

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	uid := viewer(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}

	var req struct {
		SessionType string `json:"session_type"`
		ConflictID  string `json:"conflict_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SessionType == "" {
		req.SessionType = string(models.SessionTypeIntake)
	}

	sess, err := s.sessions.CreateSession(r.Context(), uid, models.SessionType(req.SessionType), req.ConflictID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	uid := viewer(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}
	sessions, err := s.sessions.ListByUser(r.Context(), uid, 50)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*models.ConversationSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// canReadSession applies the visibility policy for a single session
// fetch. Sessions outside any conflict are owner-only.
func (s *Server) canReadSession(r *http.Request, sess *models.ConversationSession) (bool, error) {
	uid := viewer(r)
	if sess.ConflictID == "" {
		return sess.UserID == uid, nil
	}
	c, err := s.store.GetConflict(r.Context(), sess.ConflictID)
	if err != nil {
		return false, err
	}
	sessions, err := s.store.ListSessionsByConflict(r.Context(), sess.ConflictID)
	if err != nil {
		return false, err
	}
	return visibility.CanViewSession(c, sessions, sess, uid), nil
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ok, err := s.canReadSession(r, sess)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "session is not visible to you")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	uid := viewer(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	m, err := s.sessions.AddUserMessage(r.Context(), r.PathValue("id"), uid, req.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) finalizeSession(w http.ResponseWriter, r *http.Request) {
	uid := viewer(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}

	sess, err := s.sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess.UserID != uid {
		writeError(w, http.StatusForbidden, "only the session owner may finalize it")
		return
	}

	sess, err = s.sessions.FinalizeSession(r.Context(), sess.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// --- Jobs ---

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobListFilter{
		State: models.JobState(r.URL.Query().Get("state")),
		Limit: 50,
	}
	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.JobRecord{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) jobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.ResetJob(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	rec, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

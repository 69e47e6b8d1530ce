package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/accordhq/accord/internal/conflict"
	"github.com/accordhq/accord/internal/guidance"
	"github.com/accordhq/accord/internal/models"
	"github.com/accordhq/accord/internal/queue"
	"github.com/accordhq/accord/internal/store"
	"github.com/accordhq/accord/internal/visibility"
)

// Server wraps the accord data layer and exposes it as MCP tools.
// Tools act on behalf of a user_id parameter; the visibility policy
// applies the same way it does over HTTP.
type Server struct {
	store store.Store
	orch  *guidance.Orchestrator
	queue *queue.Queue
}

// NewServer creates the MCP server wrapper. The orchestrator may be
// nil when no completion provider is configured.
func NewServer(s store.Store, orch *guidance.Orchestrator, q *queue.Queue) *Server {
	return &Server{store: s, orch: orch, queue: q}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("accord", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listConflictsTool())
	srv.AddTool(s.getConflictTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.getTranscriptTool())
	srv.AddTool(s.generateGuidanceTool())
	srv.AddTool(s.queueStatusTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

type conflictOut struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	Status            string `json:"status"`
	Privacy           string `json:"privacy"`
	GuidanceMode      string `json:"guidance_mode"`
	PartnerAID        string `json:"partner_a_id"`
	PartnerBID        string `json:"partner_b_id,omitempty"`
	PartnerAFinalized bool   `json:"partner_a_finalized"`
	PartnerBFinalized bool   `json:"partner_b_finalized"`
	Archived          bool   `json:"archived"`
	CreatedAt         string `json:"created_at"`
}

func (s *Server) conflictOut(ctx context.Context, c *models.Conflict) (conflictOut, error) {
	sessions, err := s.store.ListSessionsByConflict(ctx, c.ID)
	if err != nil {
		return conflictOut{}, err
	}
	return conflictOut{
		ID:                c.ID,
		Title:             c.Title,
		Status:            string(c.Status),
		Privacy:           string(c.Privacy),
		GuidanceMode:      string(c.GuidanceMode),
		PartnerAID:        c.PartnerAID,
		PartnerBID:        c.PartnerBID,
		PartnerAFinalized: conflict.IsPartnerFinalized(c, models.PartnerSlotA, sessions),
		PartnerBFinalized: conflict.IsPartnerFinalized(c, models.PartnerSlotB, sessions),
		Archived:          c.ArchivedAt != nil,
		CreatedAt:         c.CreatedAt.Format(time.RFC3339),
	}, nil
}

// accord_list_conflicts
func (s *Server) listConflictsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("accord_list_conflicts",
		mcp.WithDescription("List a user's conflicts with status, privacy, and per-partner finalized flags. Returns a JSON array."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User whose conflicts to list")),
		mcp.WithString("include_archived", mcp.Description("Set to 'true' to include archived conflicts")),
	)
	return tool, s.handleListConflicts
}

func (s *Server) handleListConflicts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: user_id"), nil
	}
	includeArchived := request.GetString("include_archived", "") == "true"

	conflicts, err := s.store.ListConflictsByUser(ctx, userID, includeArchived)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list conflicts: %v", err)), nil
	}

	out := make([]conflictOut, 0, len(conflicts))
	for _, c := range conflicts {
		co, err := s.conflictOut(ctx, c)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to build conflict %s: %v", c.ID, err)), nil
		}
		out = append(out, co)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal conflicts: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// accord_get_conflict
func (s *Server) getConflictTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("accord_get_conflict",
		mcp.WithDescription("Get one conflict with the viewing user's visibility (whether each partner's exploration transcript is readable)."),
		mcp.WithString("conflict_id", mcp.Required(), mcp.Description("Conflict ID")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Viewing user")),
	)
	return tool, s.handleGetConflict
}

func (s *Server) handleGetConflict(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conflictID, err := request.RequireString("conflict_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: conflict_id"), nil
	}
	userID, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: user_id"), nil
	}

	c, err := s.store.GetConflict(ctx, conflictID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("conflict not found: %s", conflictID)), nil
	}

	var rel *models.Relationship
	if c.RelationshipID != "" {
		rel, _ = s.store.GetRelationship(ctx, c.RelationshipID)
	}
	if !visibility.CanViewMetadata(c, rel, userID) {
		return mcp.NewToolResultError(fmt.Sprintf("conflict not found: %s", conflictID)), nil
	}

	sessions, err := s.store.ListSessionsByConflict(ctx, c.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load sessions: %v", err)), nil
	}

	co, err := s.conflictOut(ctx, c)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view := visibility.Evaluate(c, sessions, userID)

	result := map[string]any{
		"conflict": co,
		"visibility": map[string]bool{
			"can_view_a": view.CanViewA,
			"can_view_b": view.CanViewB,
		},
	}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

// accord_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("accord_list_sessions",
		mcp.WithDescription("List the sessions of a conflict visible to a user. Message content is omitted; use accord_get_transcript for a transcript."),
		mcp.WithString("conflict_id", mcp.Required(), mcp.Description("Conflict ID")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Viewing user")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conflictID, err := request.RequireString("conflict_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: conflict_id"), nil
	}
	userID, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: user_id"), nil
	}

	c, err := s.store.GetConflict(ctx, conflictID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("conflict not found: %s", conflictID)), nil
	}
	sessions, err := s.store.ListSessionsByConflict(ctx, conflictID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	type sessionOut struct {
		ID          string `json:"id"`
		SessionType string `json:"session_type"`
		Status      string `json:"status"`
		UserID      string `json:"user_id"`
		Messages    int    `json:"message_count"`
		CreatedAt   string `json:"created_at"`
	}

	out := make([]sessionOut, 0, len(sessions))
	for _, sess := range sessions {
		if !visibility.CanViewSession(c, sessions, sess, userID) {
			continue
		}
		out = append(out, sessionOut{
			ID:          sess.ID,
			SessionType: string(sess.SessionType),
			Status:      string(sess.Status),
			UserID:      sess.UserID,
			Messages:    len(sess.Messages),
			CreatedAt:   sess.CreatedAt.Format(time.RFC3339),
		})
	}

	data, _ := json.Marshal(out)
	return mcp.NewToolResultText(string(data)), nil
}

// accord_get_transcript
func (s *Server) getTranscriptTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("accord_get_transcript",
		mcp.WithDescription("Get a session transcript if it is visible to the user. Messages are returned in append order with role and sender."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Viewing user")),
	)
	return tool, s.handleGetTranscript
}

func (s *Server) handleGetTranscript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	userID, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: user_id"), nil
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", sessionID)), nil
	}

	visible := sess.UserID == userID
	if sess.ConflictID != "" {
		c, err := s.store.GetConflict(ctx, sess.ConflictID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to load conflict: %v", err)), nil
		}
		sessions, err := s.store.ListSessionsByConflict(ctx, sess.ConflictID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to load sessions: %v", err)), nil
		}
		visible = visibility.CanViewSession(c, sessions, sess, userID)
	}
	if !visible {
		return mcp.NewToolResultError("session is not visible to this user"), nil
	}

	type messageOut struct {
		Role     string `json:"role"`
		Content  string `json:"content"`
		SenderID string `json:"sender_id,omitempty"`
		At       string `json:"at"`
	}
	msgs := make([]messageOut, len(sess.Messages))
	for i, m := range sess.Messages {
		msgs[i] = messageOut{
			Role:     string(m.Role),
			Content:  m.Content,
			SenderID: m.SenderID,
			At:       m.Timestamp.Format(time.RFC3339),
		}
	}

	result := map[string]any{
		"session_id":   sess.ID,
		"session_type": string(sess.SessionType),
		"status":       string(sess.Status),
		"messages":     msgs,
	}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

// accord_generate_guidance
func (s *Server) generateGuidanceTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("accord_generate_guidance",
		mcp.WithDescription("Synchronously generate guidance for a partner whose exploration is finalized. This is the manual retry path for missed or failed guidance jobs."),
		mcp.WithString("conflict_id", mcp.Required(), mcp.Description("Conflict ID")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Partner to generate guidance for")),
	)
	return tool, s.handleGenerateGuidance
}

func (s *Server) handleGenerateGuidance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.orch == nil {
		return mcp.NewToolResultError("guidance not configured (set ANTHROPIC_API_KEY)"), nil
	}
	conflictID, err := request.RequireString("conflict_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: conflict_id"), nil
	}
	userID, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: user_id"), nil
	}

	sessionID, res, err := s.orch.GenerateNow(ctx, conflictID, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("guidance generation failed: %v", err)), nil
	}

	result := map[string]any{
		"session_id":    sessionID,
		"input_tokens":  res.InputTokens,
		"output_tokens": res.OutputTokens,
	}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

// accord_queue_status
func (s *Server) queueStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("accord_queue_status",
		mcp.WithDescription("Get guidance queue counts (pending, running, completed, failed) plus recent failed jobs with their last error."),
	)
	return tool, s.handleQueueStatus
}

func (s *Server) handleQueueStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read queue stats: %v", err)), nil
	}

	failed, err := s.store.ListJobs(ctx, store.JobListFilter{State: models.JobStateFailed, Limit: 10})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list failed jobs: %v", err)), nil
	}

	type failedOut struct {
		ID         string `json:"id"`
		Kind       string `json:"kind"`
		ConflictID string `json:"conflict_id"`
		Attempts   int    `json:"attempts"`
		LastError  string `json:"last_error"`
	}
	failedJobs := make([]failedOut, len(failed))
	for i, j := range failed {
		failedJobs[i] = failedOut{
			ID:         j.ID,
			Kind:       string(j.Payload.Kind),
			ConflictID: j.Payload.ConflictID,
			Attempts:   j.Attempts,
			LastError:  j.LastError,
		}
	}

	result := map[string]any{
		"stats":       stats,
		"failed_jobs": failedJobs,
	}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

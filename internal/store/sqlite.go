package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/accordhq/accord/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// which also gives message appends their per-session ordering.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// NewID exposes id generation to services that create records
// outside the store (message ids are assigned before the append).
func NewID() string {
	return newULID()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Relationships ---

func (s *SQLiteStore) CreateRelationship(ctx context.Context, r *models.Relationship) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	r.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relationships (id, partner_a_id, partner_b_id, created_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.PartnerAID, r.PartnerBID, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create relationship: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRelationship(ctx context.Context, id string) (*models.Relationship, error) {
	r := &models.Relationship{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, partner_a_id, partner_b_id, created_at FROM relationships WHERE id = ?`, id,
	).Scan(&r.ID, &r.PartnerAID, &r.PartnerBID, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("relationship %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get relationship: %w", err)
	}
	return r, nil
}

// --- Conflicts ---

const conflictColumns = `id, title, description, privacy, guidance_mode, status, partner_a_id, partner_b_id, partner_a_session_id, partner_b_session_id, relationship_id, created_at, updated_at, archived_at`

func (s *SQLiteStore) CreateConflict(ctx context.Context, c *models.Conflict) error {
	if c.ID == "" {
		c.ID = newULID()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Description, string(c.Privacy), string(c.GuidanceMode), string(c.Status),
		c.PartnerAID, c.PartnerBID, c.PartnerASessionID, c.PartnerBSessionID,
		c.RelationshipID, c.CreatedAt, c.UpdatedAt, c.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("create conflict: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanConflict(row *sql.Row) (*models.Conflict, error) {
	c := &models.Conflict{}
	var privacy, mode, status string
	var archivedAt sql.NullTime

	err := row.Scan(&c.ID, &c.Title, &c.Description, &privacy, &mode, &status,
		&c.PartnerAID, &c.PartnerBID, &c.PartnerASessionID, &c.PartnerBSessionID,
		&c.RelationshipID, &c.CreatedAt, &c.UpdatedAt, &archivedAt)
	if err != nil {
		return nil, err
	}

	c.Privacy = models.ConflictPrivacy(privacy)
	c.GuidanceMode = models.GuidanceMode(mode)
	c.Status = models.ConflictStatus(status)
	if archivedAt.Valid {
		c.ArchivedAt = &archivedAt.Time
	}
	return c, nil
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := s.scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) listConflicts(ctx context.Context, query string, args ...any) ([]*models.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conflicts []*models.Conflict
	for rows.Next() {
		c := &models.Conflict{}
		var privacy, mode, status string
		var archivedAt sql.NullTime

		if err := rows.Scan(&c.ID, &c.Title, &c.Description, &privacy, &mode, &status,
			&c.PartnerAID, &c.PartnerBID, &c.PartnerASessionID, &c.PartnerBSessionID,
			&c.RelationshipID, &c.CreatedAt, &c.UpdatedAt, &archivedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}

		c.Privacy = models.ConflictPrivacy(privacy)
		c.GuidanceMode = models.GuidanceMode(mode)
		c.Status = models.ConflictStatus(status)
		if archivedAt.Valid {
			c.ArchivedAt = &archivedAt.Time
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (s *SQLiteStore) ListConflictsByUser(ctx context.Context, userID string, includeArchived bool) ([]*models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE (partner_a_id = ? OR partner_b_id = ?)`
	if !includeArchived {
		query += ` AND archived_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`
	return s.listConflicts(ctx, query, userID, userID)
}

func (s *SQLiteStore) ListConflictsByRelationship(ctx context.Context, relationshipID string) ([]*models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE relationship_id = ? ORDER BY created_at DESC`
	return s.listConflicts(ctx, query, relationshipID)
}

// UpdateConflictStatus moves a conflict from one status to another as a
// conditional update. A concurrent transition that already moved the
// conflict off the expected status yields ErrStaleStatus, never a
// silent overwrite.
func (s *SQLiteStore) UpdateConflictStatus(ctx context.Context, id string, from, to models.ConflictStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(to), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("update conflict status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		if _, err := s.GetConflict(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("conflict %s not in status %s: %w", id, from, ErrStaleStatus)
	}
	return nil
}

func (s *SQLiteStore) SetConflictPartnerASession(ctx context.Context, id, sessionID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET partner_a_session_id=?, updated_at=? WHERE id=?`,
		sessionID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set partner A session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetConflictPartnerB sets partner B's id and session id together;
// one is never persisted without the other.
func (s *SQLiteStore) SetConflictPartnerB(ctx context.Context, id, partnerBID, sessionID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET partner_b_id=?, partner_b_session_id=?, updated_at=? WHERE id=?`,
		partnerBID, sessionID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set partner B: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ArchiveConflict(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET archived_at=?, updated_at=? WHERE id=? AND archived_at IS NULL`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("archive conflict: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		if _, err := s.GetConflict(ctx, id); err != nil {
			return err
		}
		// Already archived; archival is idempotent.
		return nil
	}
	return nil
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.ConversationSession) error {
	if sess.ID == "" {
		sess.ID = newULID()
	}
	sess.CreatedAt = time.Now().UTC()
	if sess.Status == "" {
		sess.Status = models.SessionStatusActive
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, conflict_id, session_type, status, created_at, finalized_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.ConflictID, string(sess.SessionType),
		string(sess.Status), sess.CreatedAt, sess.FinalizedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("create %s session for conflict %s: %w", sess.SessionType, sess.ConflictID, ErrDuplicateSession)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getSessionRow(ctx context.Context, id string) (*models.ConversationSession, error) {
	sess := &models.ConversationSession{}
	var sessionType, status string
	var finalizedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, conflict_id, session_type, status, created_at, finalized_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.ConflictID, &sessionType, &status, &sess.CreatedAt, &finalizedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess.SessionType = models.SessionType(sessionType)
	sess.Status = models.SessionStatus(status)
	if finalizedAt.Valid {
		sess.FinalizedAt = &finalizedAt.Time
	}
	return sess, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, sender_id, created_at
		FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.Message
	for rows.Next() {
		m := &models.Message{}
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.SenderID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.MessageRole(role)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.ConversationSession, error) {
	sess, err := s.getSessionRow(ctx, id)
	if err != nil {
		return nil, err
	}
	messages, err := s.loadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Messages = messages
	return sess, nil
}

func (s *SQLiteStore) listSessions(ctx context.Context, query string, args ...any) ([]*models.ConversationSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.ConversationSession
	for rows.Next() {
		sess := &models.ConversationSession{}
		var sessionType, status string
		var finalizedAt sql.NullTime

		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.ConflictID, &sessionType, &status, &sess.CreatedAt, &finalizedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.SessionType = models.SessionType(sessionType)
		sess.Status = models.SessionStatus(status)
		if finalizedAt.Valid {
			sess.FinalizedAt = &finalizedAt.Time
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sess := range sessions {
		messages, err := s.loadMessages(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		sess.Messages = messages
	}
	return sessions, nil
}

func (s *SQLiteStore) ListSessionsByConflict(ctx context.Context, conflictID string) ([]*models.ConversationSession, error) {
	return s.listSessions(ctx,
		`SELECT id, user_id, conflict_id, session_type, status, created_at, finalized_at
		FROM sessions WHERE conflict_id = ? ORDER BY created_at`, conflictID)
}

func (s *SQLiteStore) ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*models.ConversationSession, error) {
	query := `SELECT id, user_id, conflict_id, session_type, status, created_at, finalized_at
		FROM sessions WHERE user_id = ? ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.listSessions(ctx, query, args...)
}

// AppendMessage inserts a message after verifying the session is still
// active, in a single transaction so a finalize racing with an append
// can never slip a message into a locked transcript.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, m *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, "SELECT status FROM sessions WHERE id = ?", sessionID).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check session status: %w", err)
	}
	if models.SessionStatus(status) == models.SessionStatusFinalized {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionLocked)
	}

	if m.ID == "" {
		m.ID = newULID()
	}
	m.SessionID = sessionID
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, sender_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, string(m.Role), m.Content, m.SenderID, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// FinalizeSession locks a session. The conditional update makes the
// first-finalize observation race-free: exactly one caller sees
// first=true no matter how many finalize concurrently.
func (s *SQLiteStore) FinalizeSession(ctx context.Context, id string) (*models.ConversationSession, bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status=?, finalized_at=? WHERE id=? AND status=?`,
		string(models.SessionStatusFinalized), time.Now().UTC(), id, string(models.SessionStatusActive),
	)
	if err != nil {
		return nil, false, fmt.Errorf("finalize session: %w", err)
	}
	n, _ := result.RowsAffected()

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return sess, n > 0, nil
}

// --- Guidance jobs ---

const jobColumns = `id, payload, state, attempts, max_attempts, last_error, next_run_at, input_tokens, output_tokens, created_at, updated_at, completed_at`

func (s *SQLiteStore) EnqueueJob(ctx context.Context, rec *models.JobRecord) error {
	if rec.ID == "" {
		rec.ID = newULID()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.State == "" {
		rec.State = models.JobStatePending
	}
	if rec.NextRunAt.IsZero() {
		rec.NextRunAt = now
	}

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO guidance_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(payload), string(rec.State), rec.Attempts, rec.MaxAttempts,
		rec.LastError, rec.NextRunAt, rec.InputTokens, rec.OutputTokens,
		rec.CreatedAt, rec.UpdatedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func scanJob(scan func(...any) error) (*models.JobRecord, error) {
	rec := &models.JobRecord{}
	var payload, state string
	var completedAt sql.NullTime

	if err := scan(&rec.ID, &payload, &state, &rec.Attempts, &rec.MaxAttempts,
		&rec.LastError, &rec.NextRunAt, &rec.InputTokens, &rec.OutputTokens,
		&rec.CreatedAt, &rec.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}

	rec.State = models.JobState(state)
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM guidance_jobs WHERE id = ?`, id)
	rec, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return rec, nil
}

// ClaimNextJob atomically moves the oldest due pending job to running
// and increments its attempt counter. Returns ErrNotFound when nothing
// is due.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, now time.Time) (*models.JobRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM guidance_jobs
		WHERE state = ? AND next_run_at <= ?
		ORDER BY next_run_at LIMIT 1`,
		string(models.JobStatePending), now.UTC())
	rec, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	rec.State = models.JobStateRunning
	rec.Attempts++
	rec.UpdatedAt = now.UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE guidance_jobs SET state=?, attempts=?, updated_at=? WHERE id=?`,
		string(rec.State), rec.Attempts, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("mark job running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, inputTokens, outputTokens int64) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE guidance_jobs SET state=?, input_tokens=?, output_tokens=?, last_error='', updated_at=?, completed_at=? WHERE id=?`,
		string(models.JobStateCompleted), inputTokens, outputTokens, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) RetryJob(ctx context.Context, id, lastError string, nextRunAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE guidance_jobs SET state=?, last_error=?, next_run_at=?, updated_at=? WHERE id=?`,
		string(models.JobStatePending), lastError, nextRunAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, lastError string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE guidance_jobs SET state=?, last_error=?, updated_at=?, completed_at=? WHERE id=?`,
		string(models.JobStateFailed), lastError, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResetJob returns a failed job to pending with its attempts cleared.
func (s *SQLiteStore) ResetJob(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE guidance_jobs SET state=?, attempts=0, last_error='', next_run_at=?, updated_at=?, completed_at=NULL
		WHERE id=? AND state=?`,
		string(models.JobStatePending), now, now, id, string(models.JobStateFailed),
	)
	if err != nil {
		return fmt.Errorf("reset job: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("job %s is not failed", id)
	}
	return nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobListFilter) ([]*models.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM guidance_jobs`
	var args []any
	if filter.State != "" {
		query += ` WHERE state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*models.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, rec)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) CountJobsByState(ctx context.Context) (map[models.JobState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM guidance_jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[models.JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[models.JobState(state)] = n
	}
	return counts, rows.Err()
}

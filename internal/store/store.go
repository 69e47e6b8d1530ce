package store

import (
	"context"
	"errors"
	"time"

	"github.com/accordhq/accord/internal/models"
)

// Sentinel errors surfaced by Store implementations. Callers classify
// with errors.Is; none of these are retryable.
var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSessionLocked means an append was attempted on a finalized session.
	ErrSessionLocked = errors.New("session is finalized")

	// ErrDuplicateSession means a session violating a uniqueness rule
	// (one relationship_shared session per conflict) already exists.
	ErrDuplicateSession = errors.New("session already exists for conflict")

	// ErrStaleStatus means a conditional status update found the conflict
	// in a different state than expected.
	ErrStaleStatus = errors.New("conflict status changed concurrently")
)

// JobListFilter specifies filters for listing guidance jobs.
type JobListFilter struct {
	State models.JobState
	Limit int
}

// Store defines the persistence interface for accord.
type Store interface {
	// Relationships
	CreateRelationship(ctx context.Context, r *models.Relationship) error
	GetRelationship(ctx context.Context, id string) (*models.Relationship, error)

	// Conflicts. Mutations are field-level so concurrent writers on
	// unrelated fields never clobber each other.
	CreateConflict(ctx context.Context, c *models.Conflict) error
	GetConflict(ctx context.Context, id string) (*models.Conflict, error)
	ListConflictsByUser(ctx context.Context, userID string, includeArchived bool) ([]*models.Conflict, error)
	ListConflictsByRelationship(ctx context.Context, relationshipID string) ([]*models.Conflict, error)
	UpdateConflictStatus(ctx context.Context, id string, from, to models.ConflictStatus) error
	SetConflictPartnerASession(ctx context.Context, id, sessionID string) error
	SetConflictPartnerB(ctx context.Context, id, partnerBID, sessionID string) error
	ArchiveConflict(ctx context.Context, id string) error

	// Sessions and messages. AppendMessage checks the finalize lock and
	// inserts in one transaction; message order is append order.
	CreateSession(ctx context.Context, s *models.ConversationSession) error
	GetSession(ctx context.Context, id string) (*models.ConversationSession, error)
	ListSessionsByConflict(ctx context.Context, conflictID string) ([]*models.ConversationSession, error)
	ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*models.ConversationSession, error)
	AppendMessage(ctx context.Context, sessionID string, m *models.Message) error
	FinalizeSession(ctx context.Context, id string) (sess *models.ConversationSession, first bool, err error)

	// Guidance jobs: durable backing for the at-least-once queue.
	EnqueueJob(ctx context.Context, rec *models.JobRecord) error
	GetJob(ctx context.Context, id string) (*models.JobRecord, error)
	ClaimNextJob(ctx context.Context, now time.Time) (*models.JobRecord, error)
	CompleteJob(ctx context.Context, id string, inputTokens, outputTokens int64) error
	RetryJob(ctx context.Context, id, lastError string, nextRunAt time.Time) error
	FailJob(ctx context.Context, id, lastError string) error
	ResetJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, filter JobListFilter) ([]*models.JobRecord, error)
	CountJobsByState(ctx context.Context) (map[models.JobState]int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

package models

import "time"

// JobKind identifies a guidance job variant.
type JobKind string

const (
	JobKindIndividualGuidance   JobKind = "individual_guidance"
	JobKindJointContextGuidance JobKind = "joint_context_guidance"
)

// JobState tracks a queued job through delivery. Completed and failed
// jobs are retained for operational inspection.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// GuidanceJob is the queue payload. Exactly one variant's fields are
// meaningful per kind: IndividualGuidance uses SessionID + PartnerSlot,
// JointContextGuidance uses PartnerID. Both carry ConflictID.
type GuidanceJob struct {
	Kind        JobKind     `json:"kind"`
	ConflictID  string      `json:"conflict_id"`
	SessionID   string      `json:"session_id,omitempty"`
	PartnerSlot PartnerSlot `json:"partner_slot,omitempty"`
	PartnerID   string      `json:"partner_id,omitempty"`
}

// JobRecord is the durable audit row backing a queued GuidanceJob.
// Delivery is at-least-once; duplicate payloads are tolerated by the
// consumer, not deduplicated here.
type JobRecord struct {
	ID           string
	Payload      GuidanceJob
	State        JobState
	Attempts     int
	MaxAttempts  int
	LastError    string
	NextRunAt    time.Time
	InputTokens  int64
	OutputTokens int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// BuildStatus is the subset of the lifecycle relevant to one build attempt.
type BuildStatus string

const (
	BuildStarted   BuildStatus = "started"
	BuildSucceeded BuildStatus = "succeeded"
	BuildFailed    BuildStatus = "failed"
)

// Build is one attempt to produce a deployable artifact for a project.
// Builds are never deleted; they form the audit trail. Status transitions
// are the only mutations after insert.
type Build struct {
	ID        uuid.UUID   `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ProjectID uuid.UUID   `gorm:"type:uuid;index;not null" json:"project_id" validate:"required"`
	UserID    uuid.UUID   `gorm:"type:uuid;index;not null" json:"user_id" validate:"required"`
	Status    BuildStatus `gorm:"type:varchar(32);not null;default:'started'" json:"status"`
	Attempt   int         `gorm:"not null;default:1" json:"attempt"`

	// ParentBuildID links a retry to the attempt it retries.
	ParentBuildID *uuid.UUID `gorm:"type:uuid" json:"parent_build_id"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChangeType classifies what a version changed relative to its predecessor.
type ChangeType string

const (
	ChangeMajor ChangeType = "major"
	ChangeMinor ChangeType = "minor"
	ChangePatch ChangeType = "patch"
)

// Version is an immutable record of a successfully produced artifact.
// The id is generated before the build completes, but the row is inserted
// only when the build succeeds: a version row exists iff its build reached
// the success state.
type Version struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;index;not null" json:"project_id" validate:"required"`
	BuildID   uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"build_id" validate:"required"`
	UserID    uuid.UUID `gorm:"type:uuid;not null" json:"user_id" validate:"required"`

	Major      int    `gorm:"not null" json:"major"`
	Minor      int    `gorm:"not null" json:"minor"`
	Patch      int    `gorm:"not null" json:"patch"`
	Prerelease string `gorm:"type:varchar(64)" json:"prerelease,omitempty"`

	ChangeType     ChangeType `gorm:"type:varchar(16)" json:"change_type"`
	Confidence     float64    `json:"confidence"`
	AutoClassified bool       `gorm:"not null;default:false" json:"auto_classified"`

	IsPublished bool       `gorm:"not null;default:false" json:"is_published"`
	PublishedAt *time.Time `json:"published_at"`
	PublishedBy *uuid.UUID `gorm:"type:uuid" json:"published_by"`

	// SoftDeletedAt is deliberate, not gorm.DeletedAt: soft-deleted versions
	// must stay visible to lineage walks and list endpoints.
	SoftDeletedAt *time.Time `json:"soft_deleted_at"`

	// Lineage: weak references to sibling versions, relation not ownership.
	SupersededBy   *uuid.UUID `gorm:"type:uuid" json:"superseded_by"`
	RollbackSource *uuid.UUID `gorm:"type:uuid" json:"rollback_source"`
	RollbackTarget *uuid.UUID `gorm:"type:uuid" json:"rollback_target"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SemVer renders the semantic version triple with optional prerelease tag.
func (v *Version) SemVer() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	return s
}

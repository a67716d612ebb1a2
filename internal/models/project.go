package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProjectStatus tracks where a project's current build sits in its lifecycle.
type ProjectStatus string

const (
	StatusQueued         ProjectStatus = "queued"
	StatusBuilding       ProjectStatus = "building"
	StatusDeployed       ProjectStatus = "deployed"
	StatusFailed         ProjectStatus = "failed"
	StatusCanceled       ProjectStatus = "canceled"
	StatusSuperseded     ProjectStatus = "superseded"
	StatusRollingBack    ProjectStatus = "rollingBack"
	StatusRollbackFailed ProjectStatus = "rollbackFailed"
)

// Framework is the fixed set of project scaffolds the pipeline can build.
type Framework string

const (
	FrameworkReact  Framework = "react"
	FrameworkNextJS Framework = "nextjs"
	FrameworkVue    Framework = "vue"
	FrameworkSvelte Framework = "svelte"
	FrameworkStatic Framework = "static"
)

// ValidFramework reports whether f is one of the supported frameworks.
func ValidFramework(f Framework) bool {
	switch f {
	case FrameworkReact, FrameworkNextJS, FrameworkVue, FrameworkSvelte, FrameworkStatic:
		return true
	}
	return false
}

// DefaultProjectName is used when a creation request carries no name.
const DefaultProjectName = "Untitled Project"

// Project is the top-level tenant-owned entity that accumulates builds and
// versions. The version pointers are denormalized for fast reads; the
// partial unique index on versions remains the authority for publication.
type Project struct {
	ID        uuid.UUID     `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	UserID    uuid.UUID     `gorm:"type:uuid;index;not null" json:"user_id" validate:"required"`
	Name      string        `gorm:"not null;index:idx_projects_user_name" json:"name" validate:"required"`
	Framework Framework     `gorm:"type:varchar(32);not null" json:"framework" validate:"required,oneof=react nextjs vue svelte static"`
	Prompt    string        `gorm:"type:text" json:"prompt"`
	Status    ProjectStatus `gorm:"type:varchar(32);not null;default:'queued'" json:"status"`

	CurrentBuildID     *uuid.UUID `gorm:"type:uuid" json:"current_build_id"`
	CurrentVersionID   *uuid.UUID `gorm:"type:uuid" json:"current_version_id"`
	PublishedVersionID *uuid.UUID `gorm:"type:uuid" json:"published_version_id"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Builds   []Build   `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"-"`
	Versions []Version `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"-"`
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ActorType identifies who produced a timeline event.
type ActorType string

const (
	ActorClient    ActorType = "client"
	ActorAssistant ActorType = "assistant"
	ActorAdvisor   ActorType = "advisor"
)

// TimelineEvent is a chat/timeline row totally ordered per project by
// Sequence. Sequence is nullable only while legacy rows await backfill;
// a custom migration enforces NOT NULL once the backfill completes.
type TimelineEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;index;not null" json:"project_id" validate:"required"`
	Sequence  *int64    `json:"sequence"`

	Actor ActorType `gorm:"type:varchar(16);not null" json:"actor" validate:"required,oneof=client assistant advisor"`

	// ClientMessageID dedupes resubmissions of the same client message.
	ClientMessageID *string `gorm:"type:varchar(128)" json:"client_message_id"`

	Payload datatypes.JSON `gorm:"type:jsonb" json:"payload"`

	Hidden    bool       `gorm:"not null;default:false" json:"hidden"`
	DeletedAt *time.Time `json:"deleted_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectSequence is the per-project counter row behind the sequence
// allocator. It is mutated only through the atomic upsert-increment in
// TimelineService; nothing else writes Value.
type ProjectSequence struct {
	ProjectID uuid.UUID `gorm:"type:uuid;primaryKey" json:"project_id"`
	Value     int64     `gorm:"not null;default:0" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ProjectSequence) TableName() string { return "project_sequences" }

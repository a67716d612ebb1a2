package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// OutboundEventType labels what a queued notification is about.
type OutboundEventType string

const (
	OutboundBuildSucceeded   OutboundEventType = "build.succeeded"
	OutboundBuildFailed      OutboundEventType = "build.failed"
	OutboundVersionPublished OutboundEventType = "version.published"
	OutboundRollback         OutboundEventType = "version.rollback"
)

// OutboundEvent is a durable retry-queue row. The coordinator inserts it in
// the same transaction as the state change it describes and enqueues the
// asynq task only after commit; the worker owns delivery and backoff.
type OutboundEvent struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	BuildID   uuid.UUID         `gorm:"type:uuid;index;not null" json:"build_id"`
	EventType OutboundEventType `gorm:"type:varchar(64);not null" json:"event_type"`
	Payload   datatypes.JSON    `gorm:"type:jsonb" json:"payload"`

	AttemptCount int        `gorm:"not null;default:0" json:"attempt_count"`
	NextRetryAt  *time.Time `gorm:"index" json:"next_retry_at"`
	DeliveredAt  *time.Time `json:"delivered_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

package repository

import (
	"context"
	"time"

	"github.com/buildhive/engine/internal/models"
	appErr "github.com/buildhive/engine/pkg/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type OutboundEventRepository interface {
	BaseRepository[models.OutboundEvent]
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	RecordAttempt(ctx context.Context, id uuid.UUID, nextRetryAt time.Time) error
	ListDue(ctx context.Context, limit int) ([]models.OutboundEvent, error)
}

type outboundEventRepository struct {
	BaseRepository[models.OutboundEvent]
	db *gorm.DB
}

func NewOutboundEventRepository(db *gorm.DB) OutboundEventRepository {
	return &outboundEventRepository{BaseRepository: NewBaseRepository[models.OutboundEvent](db), db: db}
}

func (r *outboundEventRepository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.OutboundEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{"delivered_at": now, "next_retry_at": nil})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "mark delivered failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "outbound event not found")
	}
	return nil
}

func (r *outboundEventRepository) RecordAttempt(ctx context.Context, id uuid.UUID, nextRetryAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.OutboundEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"next_retry_at": nextRetryAt,
		})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "record delivery attempt failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "outbound event not found")
	}
	return nil
}

func (r *outboundEventRepository) ListDue(ctx context.Context, limit int) ([]models.OutboundEvent, error) {
	var out []models.OutboundEvent
	q := r.db.WithContext(ctx).
		Where("delivered_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= ?)", time.Now()).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list due outbound events failed")
	}
	return out, nil
}

package repository

import (
	"context"

	"github.com/buildhive/engine/internal/models"
	appErr "github.com/buildhive/engine/pkg/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TimelineRepository interface {
	BaseRepository[models.TimelineEvent]
	ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]models.TimelineEvent, error)
	GetByClientMessageID(ctx context.Context, projectID uuid.UUID, clientMessageID string, dest *models.TimelineEvent) error
}

type timelineRepository struct {
	BaseRepository[models.TimelineEvent]
	db *gorm.DB
}

func NewTimelineRepository(db *gorm.DB) TimelineRepository {
	return &timelineRepository{BaseRepository: NewBaseRepository[models.TimelineEvent](db), db: db}
}

func (r *timelineRepository) ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]models.TimelineEvent, error) {
	q := r.db.WithContext(ctx).
		Where("project_id = ? AND deleted_at IS NULL", projectID).
		Order("sequence ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.TimelineEvent
	if err := q.Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list timeline events failed")
	}
	return out, nil
}

func (r *timelineRepository) GetByClientMessageID(ctx context.Context, projectID uuid.UUID, clientMessageID string, dest *models.TimelineEvent) error {
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND client_message_id = ?", projectID, clientMessageID).
		First(dest).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "event not found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get event by client message id failed")
	}
	return nil
}

package repository

import (
	"context"
	"time"

	"github.com/buildhive/engine/internal/models"
	appErr "github.com/buildhive/engine/pkg/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ProjectRepository interface {
	BaseRepository[models.Project]
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Project, error)
	// FindRecentDuplicate looks back `window` for a project by the same owner
	// with matching name and framework. It is the race-detection probe used by
	// the creation coordinator and must run inside its transaction.
	FindRecentDuplicate(ctx context.Context, userID uuid.UUID, name string, framework models.Framework, window time.Duration, dest *models.Project) error
	UpdateStatus(ctx context.Context, projectID uuid.UUID, status models.ProjectStatus) error
}

type projectRepository struct {
	BaseRepository[models.Project]
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{BaseRepository: NewBaseRepository[models.Project](db), db: db}
}

func (r *projectRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Project, error) {
	var out []models.Project
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list projects by user failed")
	}
	return out, nil
}

func (r *projectRepository) FindRecentDuplicate(ctx context.Context, userID uuid.UUID, name string, framework models.Framework, window time.Duration, dest *models.Project) error {
	cutoff := time.Now().Add(-window)
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND name = ? AND framework = ? AND created_at >= ?", userID, name, framework, cutoff).
		Order("created_at ASC").
		First(dest).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "no recent duplicate")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "duplicate lookup failed")
	}
	return nil
}

func (r *projectRepository) UpdateStatus(ctx context.Context, projectID uuid.UUID, status models.ProjectStatus) error {
	res := r.db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", projectID).Update("status", status)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update project status failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "project not found")
	}
	return nil
}

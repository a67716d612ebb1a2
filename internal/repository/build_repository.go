package repository

import (
	"context"

	"github.com/buildhive/engine/internal/models"
	appErr "github.com/buildhive/engine/pkg/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BuildRepository interface {
	BaseRepository[models.Build]
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Build, error)
	GetLatestByProject(ctx context.Context, projectID uuid.UUID, dest *models.Build) error
}

type buildRepository struct {
	BaseRepository[models.Build]
	db *gorm.DB
}

func NewBuildRepository(db *gorm.DB) BuildRepository {
	return &buildRepository{BaseRepository: NewBaseRepository[models.Build](db), db: db}
}

func (r *buildRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Build, error) {
	var out []models.Build
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list builds failed")
	}
	return out, nil
}

func (r *buildRepository) GetLatestByProject(ctx context.Context, projectID uuid.UUID, dest *models.Build) error {
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at DESC").First(dest).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "no builds found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get latest build failed")
	}
	return nil
}

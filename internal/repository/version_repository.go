package repository

import (
	"context"

	"github.com/buildhive/engine/internal/models"
	appErr "github.com/buildhive/engine/pkg/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type VersionRepository interface {
	BaseRepository[models.Version]
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Version, error)
	GetByBuild(ctx context.Context, buildID uuid.UUID, dest *models.Version) error
	GetPublished(ctx context.Context, projectID uuid.UUID, dest *models.Version) error
}

type versionRepository struct {
	BaseRepository[models.Version]
	db *gorm.DB
}

func NewVersionRepository(db *gorm.DB) VersionRepository {
	return &versionRepository{BaseRepository: NewBaseRepository[models.Version](db), db: db}
}

func (r *versionRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Version, error) {
	var out []models.Version
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list versions failed")
	}
	return out, nil
}

func (r *versionRepository) GetByBuild(ctx context.Context, buildID uuid.UUID, dest *models.Version) error {
	if err := r.db.WithContext(ctx).Where("build_id = ?", buildID).First(dest).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "no version for build")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get version by build failed")
	}
	return nil
}

func (r *versionRepository) GetPublished(ctx context.Context, projectID uuid.UUID, dest *models.Version) error {
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND is_published = true AND soft_deleted_at IS NULL", projectID).
		First(dest).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "no published version")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get published version failed")
	}
	return nil
}

package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/buildhive/engine/internal/models"
	"github.com/buildhive/engine/internal/repository"
	appErr "github.com/buildhive/engine/pkg/errors"
	"github.com/buildhive/engine/pkg/logger"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BuildOutcome is what the build pipeline reports on completion.
type BuildOutcome string

const (
	OutcomeSuccess BuildOutcome = "success"
	OutcomeFailure BuildOutcome = "failure"
)

// VersionData carries the classification and semver fields materialized on
// build success.
type VersionData struct {
	Major          int
	Minor          int
	Patch          int
	Prerelease     string
	ChangeType     models.ChangeType
	Confidence     float64
	AutoClassified bool
}

// LifecycleService advances builds through the lifecycle state machine,
// materializes versions on success only, and owns publication and rollback.
type LifecycleService interface {
	RecordBuildOutcome(ctx context.Context, buildID uuid.UUID, outcome BuildOutcome, data *VersionData) error
	Publish(ctx context.Context, projectID, versionID, actingUserID uuid.UUID) (*models.Version, error)
	SupersedePublication(ctx context.Context, projectID, newVersionID, actingUserID uuid.UUID) (*models.Version, error)
	Rollback(ctx context.Context, projectID, targetVersionID, actingUserID uuid.UUID) (*models.Version, error)
}

type lifecycleService struct {
	db          *gorm.DB
	projects    repository.ProjectRepository
	asynqClient *asynq.Client
}

func NewLifecycleService(db *gorm.DB, client *asynq.Client) LifecycleService {
	return &lifecycleService{db: db, projects: repository.NewProjectRepository(db), asynqClient: client}
}

var _ LifecycleService = (*lifecycleService)(nil)

// TaskTypeDeliverOutbound is the asynq task consumed by the retry worker.
const TaskTypeDeliverOutbound = "outbound:deliver"

// DeliverPayload references a durable outbound row; the row, not the task,
// is the source of truth for delivery state.
type DeliverPayload struct {
	EventID string `json:"event_id"`
}

// RecordBuildOutcome applies a completion signal to a build inside one
// transaction. The version row is inserted in the same transaction as the
// success transition, which is what makes ghost versions impossible.
// Redelivery of an identical outcome is a no-op.
func (s *lifecycleService) RecordBuildOutcome(ctx context.Context, buildID uuid.UUID, outcome BuildOutcome, data *VersionData) error {
	if outcome == OutcomeSuccess && data == nil {
		return appErr.New(appErr.CodeInvalid, "success outcome requires version data")
	}

	var queued []uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var build models.Build
		// Row lock so only one outcome-recording transaction wins per build.
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&build, "id = ?", buildID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return appErr.New(appErr.CodeNotFound, "build not found")
			}
			return appErr.Wrap(err, appErr.CodeInternal, "load build failed")
		}

		switch build.Status {
		case models.BuildSucceeded:
			return s.handleDuplicateAfterSuccess(tx, &build, outcome, data)
		case models.BuildFailed:
			if outcome == OutcomeFailure {
				// Redelivered failure: refresh the completion timestamp only.
				return tx.Model(&models.Build{}).Where("id = ?", build.ID).
					Update("completed_at", time.Now()).Error
			}
			logger.L().Error("success recorded for failed build",
				zap.String("build_id", build.ID.String()))
			return appErr.New(appErr.CodeConflict, "build already failed")
		case models.BuildStarted:
			// expected prior state
		default:
			logger.L().Error("outcome recorded from unexpected state",
				zap.String("build_id", build.ID.String()),
				zap.String("status", string(build.Status)))
			return appErr.New(appErr.CodeIllegalTransition, "build not in a completable state")
		}

		if outcome == OutcomeFailure {
			eventID, err := s.applyFailure(tx, &build)
			if err != nil {
				return err
			}
			queued = append(queued, eventID)
			return nil
		}

		eventID, err := s.applySuccess(tx, &build, data)
		if err != nil {
			return err
		}
		queued = append(queued, eventID)
		return nil
	})
	if err != nil {
		return err
	}

	s.enqueueDeliveries(ctx, queued)
	return nil
}

// applySuccess materializes the version and flips build+project state.
func (s *lifecycleService) applySuccess(tx *gorm.DB, build *models.Build, data *VersionData) (uuid.UUID, error) {
	now := time.Now()
	version := &models.Version{
		ID:             VersionCandidateID(build.ID),
		ProjectID:      build.ProjectID,
		BuildID:        build.ID,
		UserID:         build.UserID,
		Major:          data.Major,
		Minor:          data.Minor,
		Patch:          data.Patch,
		Prerelease:     data.Prerelease,
		ChangeType:     data.ChangeType,
		Confidence:     data.Confidence,
		AutoClassified: data.AutoClassified,
	}
	// Upsert keyed by the deterministic version id tolerates redelivered
	// success signals racing each other past the row lock.
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(version).Error; err != nil {
		return uuid.Nil, appErr.Wrap(err, appErr.CodeInternal, "materialize version failed")
	}

	if err := tx.Model(&models.Build{}).Where("id = ?", build.ID).Updates(map[string]any{
		"status":       models.BuildSucceeded,
		"completed_at": now,
	}).Error; err != nil {
		return uuid.Nil, appErr.Wrap(err, appErr.CodeInternal, "update build status failed")
	}

	if err := tx.Model(&models.Project{}).Where("id = ?", build.ProjectID).Updates(map[string]any{
		"status":             models.StatusDeployed,
		"current_build_id":   build.ID,
		"current_version_id": version.ID,
	}).Error; err != nil {
		return uuid.Nil, appErr.Wrap(err, appErr.CodeInternal, "update project pointers failed")
	}

	logger.L().Info("build succeeded",
		zap.String("build_id", build.ID.String()),
		zap.String("version_id", version.ID.String()),
		zap.String("semver", version.SemVer()))

	return s.enqueueOutbound(tx, build.ID, models.OutboundBuildSucceeded, map[string]any{
		"project_id": build.ProjectID.String(),
		"version_id": version.ID.String(),
		"semver":     version.SemVer(),
	})
}

func (s *lifecycleService) applyFailure(tx *gorm.DB, build *models.Build) (uuid.UUID, error) {
	now := time.Now()
	if err := tx.Model(&models.Build{}).Where("id = ?", build.ID).Updates(map[string]any{
		"status":       models.BuildFailed,
		"completed_at": now,
	}).Error; err != nil {
		return uuid.Nil, appErr.Wrap(err, appErr.CodeInternal, "update build status failed")
	}
	if err := tx.Model(&models.Project{}).Where("id = ?", build.ProjectID).
		Update("status", models.StatusFailed).Error; err != nil {
		return uuid.Nil, appErr.Wrap(err, appErr.CodeInternal, "update project status failed")
	}

	logger.L().Info("build failed", zap.String("build_id", build.ID.String()))

	return s.enqueueOutbound(tx, build.ID, models.OutboundBuildFailed, map[string]any{
		"project_id": build.ProjectID.String(),
	})
}

// handleDuplicateAfterSuccess resolves signals arriving after a build
// already succeeded. A matching success is idempotent; anything else is a
// logic bug surfaced as conflict.
func (s *lifecycleService) handleDuplicateAfterSuccess(tx *gorm.DB, build *models.Build, outcome BuildOutcome, data *VersionData) error {
	if outcome == OutcomeFailure {
		logger.L().Error("failure recorded for succeeded build",
			zap.String("build_id", build.ID.String()))
		return appErr.New(appErr.CodeConflict, "build already succeeded")
	}

	var existing models.Version
	if err := tx.Where("build_id = ?", build.ID).First(&existing).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "load recorded version failed")
	}
	if existing.Major == data.Major && existing.Minor == data.Minor &&
		existing.Patch == data.Patch && existing.Prerelease == data.Prerelease {
		return nil // identical redelivery
	}
	logger.L().Error("success redelivered with different version data",
		zap.String("build_id", build.ID.String()),
		zap.String("recorded", existing.SemVer()))
	return appErr.New(appErr.CodeConflict, "success already recorded with different version data")
}

// Publish marks a version as the single live one for its project. The
// partial unique index on versions(project_id) is the arbiter; a second
// live publication always surfaces as conflict, never a silent overwrite.
func (s *lifecycleService) Publish(ctx context.Context, projectID, versionID, actingUserID uuid.UUID) (*models.Version, error) {
	var published *models.Version
	var queued []uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		version, err := s.loadProjectVersion(tx, projectID, versionID)
		if err != nil {
			return err
		}
		if version.SoftDeletedAt != nil {
			return appErr.New(appErr.CodeConflict, "cannot publish a soft-deleted version")
		}
		if version.IsPublished {
			published = version // idempotent re-publish
			return nil
		}

		now := time.Now()
		res := tx.Model(&models.Version{}).Where("id = ?", version.ID).Updates(map[string]any{
			"is_published": true,
			"published_at": now,
			"published_by": actingUserID,
		})
		if res.Error != nil {
			if repository.IsUniqueViolation(res.Error, "idx_versions_published_singleton") {
				return appErr.New(appErr.CodeConflict, "another version is already published")
			}
			return appErr.Wrap(res.Error, appErr.CodeInternal, "publish update failed")
		}

		if err := tx.Model(&models.Project{}).Where("id = ?", projectID).
			Update("published_version_id", version.ID).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "update published pointer failed")
		}

		version.IsPublished = true
		version.PublishedAt = &now
		version.PublishedBy = &actingUserID
		published = version

		eventID, err := s.enqueueOutbound(tx, version.BuildID, models.OutboundVersionPublished, map[string]any{
			"project_id": projectID.String(),
			"version_id": version.ID.String(),
			"semver":     version.SemVer(),
		})
		if err != nil {
			return err
		}
		queued = append(queued, eventID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.enqueueDeliveries(ctx, queued)
	logger.L().Info("version published",
		zap.String("project_id", projectID.String()),
		zap.String("version_id", versionID.String()))
	return published, nil
}

// SupersedePublication atomically replaces the live version: the old row is
// unpublished and linked to its successor in the same transaction that
// publishes the new one. This is the only sanctioned way to change the
// published version while one is live.
func (s *lifecycleService) SupersedePublication(ctx context.Context, projectID, newVersionID, actingUserID uuid.UUID) (*models.Version, error) {
	var published *models.Version
	var queued []uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var project models.Project
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&project, "id = ?", projectID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return appErr.New(appErr.CodeNotFound, "project not found")
			}
			return appErr.Wrap(err, appErr.CodeInternal, "load project failed")
		}

		next, err := s.loadProjectVersion(tx, projectID, newVersionID)
		if err != nil {
			return err
		}
		if next.SoftDeletedAt != nil {
			return appErr.New(appErr.CodeConflict, "cannot publish a soft-deleted version")
		}

		supersededCurrent := false
		var current models.Version
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("project_id = ? AND is_published = true AND soft_deleted_at IS NULL", projectID).
			First(&current).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			// nothing live; supersede degenerates to a plain publish
		case err != nil:
			return appErr.Wrap(err, appErr.CodeInternal, "load published version failed")
		default:
			if current.ID == next.ID {
				published = next
				return nil
			}
			if err := tx.Model(&models.Version{}).Where("id = ?", current.ID).Updates(map[string]any{
				"is_published":  false,
				"superseded_by": next.ID,
			}).Error; err != nil {
				return appErr.Wrap(err, appErr.CodeInternal, "unpublish superseded version failed")
			}
			supersededCurrent = project.CurrentVersionID != nil && *project.CurrentVersionID == current.ID
		}

		now := time.Now()
		if err := tx.Model(&models.Version{}).Where("id = ?", next.ID).Updates(map[string]any{
			"is_published": true,
			"published_at": now,
			"published_by": actingUserID,
		}).Error; err != nil {
			if repository.IsUniqueViolation(err, "idx_versions_published_singleton") {
				return appErr.New(appErr.CodeConflict, "concurrent publication in progress")
			}
			return appErr.Wrap(err, appErr.CodeInternal, "publish successor failed")
		}
		projectUpdates := map[string]any{
			"published_version_id": next.ID,
			"current_version_id":   next.ID,
		}
		// The status only changes when the replaced live version was the one
		// the project was running.
		if supersededCurrent {
			projectUpdates["status"] = models.StatusSuperseded
		}
		if err := tx.Model(&models.Project{}).Where("id = ?", projectID).Updates(projectUpdates).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "update project pointers failed")
		}

		next.IsPublished = true
		next.PublishedAt = &now
		next.PublishedBy = &actingUserID
		published = next

		eventID, err := s.enqueueOutbound(tx, next.BuildID, models.OutboundVersionPublished, map[string]any{
			"project_id": projectID.String(),
			"version_id": next.ID.String(),
			"semver":     next.SemVer(),
			"supersede":  true,
		})
		if err != nil {
			return err
		}
		queued = append(queued, eventID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.enqueueDeliveries(ctx, queued)
	return published, nil
}

// Rollback re-points the project at a previously materialized version,
// recording source/target lineage and driving the project status through
// rollingBack. Lineage is validated for cycles before anything commits.
func (s *lifecycleService) Rollback(ctx context.Context, projectID, targetVersionID, actingUserID uuid.UUID) (*models.Version, error) {
	var target *models.Version
	var queued []uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var project models.Project
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&project, "id = ?", projectID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return appErr.New(appErr.CodeNotFound, "project not found")
			}
			return appErr.Wrap(err, appErr.CodeInternal, "load project failed")
		}

		v, err := s.loadProjectVersion(tx, projectID, targetVersionID)
		if err != nil {
			return err
		}
		if v.SoftDeletedAt != nil {
			return appErr.New(appErr.CodeConflict, "cannot roll back to a soft-deleted version")
		}
		if project.CurrentVersionID != nil && *project.CurrentVersionID == v.ID {
			target = v // already current; nothing to do
			return nil
		}

		if err := tx.Model(&models.Project{}).Where("id = ?", projectID).
			Update("status", models.StatusRollingBack).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "enter rollingBack failed")
		}

		// Lineage bookkeeping: the version being left records where the
		// project went; the target records where it came from.
		var sourceID *uuid.UUID
		if project.CurrentVersionID != nil {
			sourceID = project.CurrentVersionID
			if err := validateLineage(tx, projectID, *sourceID, v.ID); err != nil {
				return err
			}
			if err := tx.Model(&models.Version{}).Where("id = ?", *sourceID).
				Update("rollback_target", v.ID).Error; err != nil {
				return appErr.Wrap(err, appErr.CodeInternal, "record rollback target failed")
			}
		}
		if err := tx.Model(&models.Version{}).Where("id = ?", v.ID).
			Update("rollback_source", sourceID).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "record rollback source failed")
		}

		// If the abandoned version was live, publication moves with the
		// rollback inside the same transaction, keeping the singleton intact.
		updates := map[string]any{
			"status":             models.StatusDeployed,
			"current_version_id": v.ID,
		}
		if project.PublishedVersionID != nil && sourceID != nil && *project.PublishedVersionID == *sourceID {
			if err := tx.Model(&models.Version{}).Where("id = ?", *sourceID).
				Update("is_published", false).Error; err != nil {
				return appErr.Wrap(err, appErr.CodeInternal, "unpublish rolled-back version failed")
			}
			now := time.Now()
			if err := tx.Model(&models.Version{}).Where("id = ?", v.ID).Updates(map[string]any{
				"is_published": true,
				"published_at": now,
				"published_by": actingUserID,
			}).Error; err != nil {
				if repository.IsUniqueViolation(err, "idx_versions_published_singleton") {
					return appErr.New(appErr.CodeConflict, "concurrent publication in progress")
				}
				return appErr.Wrap(err, appErr.CodeInternal, "publish rollback target failed")
			}
			updates["published_version_id"] = v.ID
		}
		if err := tx.Model(&models.Project{}).Where("id = ?", projectID).Updates(updates).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "finalize rollback failed")
		}

		target = v
		eventID, err := s.enqueueOutbound(tx, v.BuildID, models.OutboundRollback, map[string]any{
			"project_id": projectID.String(),
			"version_id": v.ID.String(),
		})
		if err != nil {
			return err
		}
		queued = append(queued, eventID)
		return nil
	})
	if err != nil {
		// The transaction rolled back; mark the failed attempt so operators
		// see it. Best effort; the error we return is the coordinator's.
		if !appErr.IsCode(err, appErr.CodeNotFound) && !appErr.IsCode(err, appErr.CodeLineageCycle) {
			_ = s.projects.UpdateStatus(ctx, projectID, models.StatusRollbackFailed)
		}
		return nil, err
	}

	s.enqueueDeliveries(ctx, queued)
	logger.L().Info("rollback completed",
		zap.String("project_id", projectID.String()),
		zap.String("version_id", targetVersionID.String()))
	return target, nil
}

// validateLineage rejects rollback chains that loop. Walking the
// rollback_source pointers from the proposed source must never reach the
// target, and a version cannot be both ends of the same hop.
func validateLineage(tx *gorm.DB, projectID, sourceID, targetID uuid.UUID) error {
	if sourceID == targetID {
		return appErr.New(appErr.CodeLineageCycle, "version cannot roll back to itself")
	}

	seen := map[uuid.UUID]bool{targetID: true}
	cursor := sourceID
	for cursor != uuid.Nil {
		if seen[cursor] {
			return appErr.New(appErr.CodeLineageCycle, "rollback lineage forms a cycle")
		}
		seen[cursor] = true

		var v models.Version
		if err := tx.Select("id", "rollback_source").
			Where("id = ? AND project_id = ?", cursor, projectID).
			First(&v).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				break
			}
			return appErr.Wrap(err, appErr.CodeInternal, "lineage walk failed")
		}
		if v.RollbackSource == nil {
			break
		}
		cursor = *v.RollbackSource
	}
	return nil
}

func (s *lifecycleService) loadProjectVersion(tx *gorm.DB, projectID, versionID uuid.UUID) (*models.Version, error) {
	var v models.Version
	if err := tx.First(&v, "id = ?", versionID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, appErr.New(appErr.CodeNotFound, "version not found")
		}
		return nil, appErr.Wrap(err, appErr.CodeInternal, "load version failed")
	}
	if v.ProjectID != projectID {
		return nil, appErr.New(appErr.CodeNotFound, "version does not belong to project")
	}
	return &v, nil
}

// enqueueOutbound inserts the durable retry-queue row inside the caller's
// transaction. The asynq task is enqueued only after commit.
func (s *lifecycleService) enqueueOutbound(tx *gorm.DB, buildID uuid.UUID, eventType models.OutboundEventType, payload map[string]any) (uuid.UUID, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, appErr.Wrap(err, appErr.CodeInternal, "marshal outbound payload failed")
	}
	event := &models.OutboundEvent{
		ID:        uuid.New(),
		BuildID:   buildID,
		EventType: eventType,
		Payload:   datatypes.JSON(b),
	}
	if err := tx.Create(event).Error; err != nil {
		return uuid.Nil, appErr.Wrap(err, appErr.CodeInternal, "enqueue outbound event failed")
	}
	return event.ID, nil
}

// enqueueDeliveries hands committed outbound rows to asynq. Failures here
// are logged, never surfaced: the rows are durable and the worker sweeps
// undelivered ones.
func (s *lifecycleService) enqueueDeliveries(ctx context.Context, eventIDs []uuid.UUID) {
	if s.asynqClient == nil || len(eventIDs) == 0 {
		return
	}
	for _, id := range eventIDs {
		pb, _ := json.Marshal(DeliverPayload{EventID: id.String()})
		task := asynq.NewTask(TaskTypeDeliverOutbound, pb)
		if _, err := s.asynqClient.EnqueueContext(ctx, task); err != nil {
			logger.L().Error("enqueue delivery task failed",
				zap.Error(err), zap.String("event_id", id.String()))
		}
	}
}
